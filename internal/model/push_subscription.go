package model

import "time"

// PushKeys はWeb Push購読の暗号鍵。
type PushKeys struct {
	P256dh string `json:"p256dh" validate:"required"`
	Auth   string `json:"auth" validate:"required"`
}

// PushSubscription はWeb Push購読を表す。エンドポイントURLが同一性キー。
// Favoritesは端末から同期されたお気に入りのキャッシュで、
// サーバー側判定モードで通知対象の算出に使用する。
type PushSubscription struct {
	Endpoint  string            `json:"endpoint"`
	Keys      PushKeys          `json:"keys"`
	DeviceID  string            `json:"deviceId,omitempty"`
	Locale    string            `json:"locale,omitempty"`
	Favorites []FavoriteAddress `json:"favorites,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}
