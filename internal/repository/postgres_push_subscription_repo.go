package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/binday/internal/model"
)

// PostgresPushSubscriptionRepo はPostgreSQLを使用したWeb Push購読リポジトリ。
type PostgresPushSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresPushSubscriptionRepo はPostgresPushSubscriptionRepoを生成する。
func NewPostgresPushSubscriptionRepo(db *sql.DB) *PostgresPushSubscriptionRepo {
	return &PostgresPushSubscriptionRepo{db: db}
}

const pushSubscriptionColumns = `endpoint, p256dh, auth, device_id, locale, favorites, created_at, updated_at`

// Upsert はエンドポイントが一致する購読を置き換える。お気に入りキャッシュは保持する。
func (r *PostgresPushSubscriptionRepo) Upsert(ctx context.Context, sub *model.PushSubscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (endpoint, p256dh, auth, device_id, locale, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6, $7)
		 ON CONFLICT (endpoint) DO UPDATE SET
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			device_id = EXCLUDED.device_id,
			locale = EXCLUDED.locale,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, sub.DeviceID, sub.Locale, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return wrapStorageError("購読の保存に失敗しました", err)
	}
	return nil
}

// DeleteByEndpoint はエンドポイントが一致する購読を削除する。
func (r *PostgresPushSubscriptionRepo) DeleteByEndpoint(ctx context.Context, endpoint string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return false, wrapStorageError("購読の削除に失敗しました", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// List は全購読を登録順に返す。
func (r *PostgresPushSubscriptionRepo) List(ctx context.Context) ([]model.PushSubscription, error) {
	return r.query(ctx,
		`SELECT `+pushSubscriptionColumns+` FROM push_subscriptions ORDER BY created_at ASC, endpoint ASC`,
	)
}

// ListByDeviceID は端末の購読を返す。
func (r *PostgresPushSubscriptionRepo) ListByDeviceID(ctx context.Context, deviceID string) ([]model.PushSubscription, error) {
	return r.query(ctx,
		`SELECT `+pushSubscriptionColumns+` FROM push_subscriptions WHERE device_id = $1 ORDER BY created_at ASC`,
		deviceID,
	)
}

// UpdateFavorites は購読に付随するお気に入りキャッシュを置き換える。
// 更新日時は変更しないため、キャッシュ更新だけでは購読の保持期間は延びない。
func (r *PostgresPushSubscriptionRepo) UpdateFavorites(ctx context.Context, endpoint string, favorites []model.FavoriteAddress) error {
	if favorites == nil {
		favorites = []model.FavoriteAddress{}
	}
	data, err := json.Marshal(favorites)
	if err != nil {
		return fmt.Errorf("お気に入りのエンコードに失敗しました: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET favorites = $2 WHERE endpoint = $1`,
		endpoint, data,
	); err != nil {
		return wrapStorageError("購読のお気に入り更新に失敗しました", err)
	}
	return nil
}

// DeleteUpdatedBefore はbefore以前から更新されていない購読を削除する。
func (r *PostgresPushSubscriptionRepo) DeleteUpdatedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE updated_at < $1`, before)
	if err != nil {
		return 0, wrapStorageError("古い購読の削除に失敗しました", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return n, nil
}

func (r *PostgresPushSubscriptionRepo) query(ctx context.Context, query string, args ...any) ([]model.PushSubscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorageError("購読一覧の取得に失敗しました", err)
	}
	defer rows.Close()

	var subs []model.PushSubscription
	for rows.Next() {
		var (
			sub       model.PushSubscription
			deviceID  sql.NullString
			favorites []byte
		)
		if err := rows.Scan(
			&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &deviceID, &sub.Locale,
			&favorites, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, wrapStorageError("購読行の読み取りに失敗しました", err)
		}
		sub.DeviceID = deviceID.String
		if len(favorites) > 0 {
			if err := json.Unmarshal(favorites, &sub.Favorites); err != nil {
				return nil, fmt.Errorf("購読のお気に入りキャッシュが壊れています: %w", err)
			}
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageError("購読一覧の走査に失敗しました", err)
	}
	return subs, nil
}

var _ PushSubscriptionRepository = (*PostgresPushSubscriptionRepo)(nil)
