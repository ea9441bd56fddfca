// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/binday/internal/model"
)

// FavoriteRepository は端末ごとのお気に入り住所の永続化インターフェース。
// 書き込み失敗はmodel.ErrStorageFull / model.ErrStorageUnavailableでラップして返す。
type FavoriteRepository interface {
	// Upsert は端末IDと住所キーが一致するお気に入りを置き換える。存在しなければ追加する。
	Upsert(ctx context.Context, deviceID string, fav model.FavoriteAddress) error

	// Delete は端末IDと住所キーが一致するお気に入りを削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, deviceID, key string) error

	// ListByDeviceID は端末のお気に入りを登録順に返す。
	ListByDeviceID(ctx context.Context, deviceID string) ([]model.FavoriteAddress, error)
}

// PushSubscriptionRepository はWeb Push購読の永続化インターフェース。
// エンドポイントURLが一意キー。
type PushSubscriptionRepository interface {
	// Upsert はエンドポイントが一致する購読を置き換える。存在しなければ追加する。
	// 既存のお気に入りキャッシュは保持する。
	Upsert(ctx context.Context, sub *model.PushSubscription) error

	// DeleteByEndpoint はエンドポイントが一致する購読を削除し、削除したかどうかを返す。
	DeleteByEndpoint(ctx context.Context, endpoint string) (bool, error)

	// List は全購読を登録順に返す。
	List(ctx context.Context) ([]model.PushSubscription, error)

	// ListByDeviceID は端末の購読を返す。
	ListByDeviceID(ctx context.Context, deviceID string) ([]model.PushSubscription, error)

	// UpdateFavorites は購読に付随するお気に入りキャッシュを置き換える。
	// 購読が存在しない場合は何もしない。
	UpdateFavorites(ctx context.Context, endpoint string, favorites []model.FavoriteAddress) error

	// DeleteUpdatedBefore はbefore以前から更新されていない購読を削除し、削除件数を返す。
	DeleteUpdatedBefore(ctx context.Context, before time.Time) (int64, error)
}
