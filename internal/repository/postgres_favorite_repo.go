package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/binday/internal/address"
	"github.com/hitoshi/binday/internal/favorite"
	"github.com/hitoshi/binday/internal/model"
)

// PostgresFavoriteRepo はPostgreSQLを使用したお気に入りリポジトリ。
// 収集スケジュールはJSONBとして保存する。
type PostgresFavoriteRepo struct {
	db *sql.DB
}

// NewPostgresFavoriteRepo はPostgresFavoriteRepoを生成する。
func NewPostgresFavoriteRepo(db *sql.DB) *PostgresFavoriteRepo {
	return &PostgresFavoriteRepo{db: db}
}

// Upsert は端末IDと住所キーが一致するお気に入りを置き換える。存在しなければ追加する。
func (r *PostgresFavoriteRepo) Upsert(ctx context.Context, deviceID string, fav model.FavoriteAddress) error {
	schedule, err := json.Marshal(fav.Schedule)
	if err != nil {
		return fmt.Errorf("収集スケジュールのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO favorites (device_id, address_key, address, schedule, last_updated)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (device_id, address_key) DO UPDATE SET
			address = EXCLUDED.address,
			schedule = EXCLUDED.schedule,
			last_updated = EXCLUDED.last_updated`,
		deviceID, fav.Key(), fav.Address, schedule, fav.LastUpdated,
	)
	if err != nil {
		return wrapStorageError("お気に入りの保存に失敗しました", err)
	}
	return nil
}

// Delete は端末IDと住所キーが一致するお気に入りを削除する。
func (r *PostgresFavoriteRepo) Delete(ctx context.Context, deviceID, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM favorites WHERE device_id = $1 AND address_key = $2`,
		deviceID, address.Key(key),
	)
	if err != nil {
		return wrapStorageError("お気に入りの削除に失敗しました", err)
	}
	return nil
}

// ListByDeviceID は端末のお気に入りを登録順に返す。
func (r *PostgresFavoriteRepo) ListByDeviceID(ctx context.Context, deviceID string) ([]model.FavoriteAddress, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT address, schedule, last_updated
		 FROM favorites WHERE device_id = $1
		 ORDER BY created_at ASC, id ASC`,
		deviceID,
	)
	if err != nil {
		return nil, wrapStorageError("お気に入り一覧の取得に失敗しました", err)
	}
	defer rows.Close()

	favs := []model.FavoriteAddress{}
	for rows.Next() {
		var (
			fav      model.FavoriteAddress
			schedule []byte
		)
		if err := rows.Scan(&fav.Address, &schedule, &fav.LastUpdated); err != nil {
			return nil, wrapStorageError("お気に入り行の読み取りに失敗しました", err)
		}
		if err := json.Unmarshal(schedule, &fav.Schedule); err != nil {
			return nil, fmt.Errorf("保存済みの収集スケジュールが壊れています: %s: %w", fav.Address, err)
		}
		favs = append(favs, fav)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageError("お気に入り一覧の走査に失敗しました", err)
	}
	return favs, nil
}

// ForDevice は端末IDに束縛したfavorite.Storeを返す。
func (r *PostgresFavoriteRepo) ForDevice(deviceID string) favorite.Store {
	return &deviceFavorites{repo: r, deviceID: deviceID}
}

type deviceFavorites struct {
	repo     FavoriteRepository
	deviceID string
}

func (d *deviceFavorites) Upsert(ctx context.Context, fav model.FavoriteAddress) error {
	return d.repo.Upsert(ctx, d.deviceID, fav)
}

func (d *deviceFavorites) Delete(ctx context.Context, key string) error {
	return d.repo.Delete(ctx, d.deviceID, key)
}

func (d *deviceFavorites) ListAll(ctx context.Context) ([]model.FavoriteAddress, error) {
	return d.repo.ListByDeviceID(ctx, d.deviceID)
}

var (
	_ FavoriteRepository = (*PostgresFavoriteRepo)(nil)
	_ favorite.Store     = (*deviceFavorites)(nil)
)
