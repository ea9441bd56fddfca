package model

import (
	"time"

	"github.com/hitoshi/binday/internal/address"
)

// FavoriteAddress はお気に入り登録された住所と、算出済みの収集スケジュール。
// 同一性は正規化した住所キーで判定し、1つのキーにつき最大1件のみ保持する。
type FavoriteAddress struct {
	Address     string    `json:"address"`
	Schedule    Schedule  `json:"schedule"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Key はお気に入りの同一性判定キーを返す。
func (f FavoriteAddress) Key() string {
	return address.Key(f.Address)
}

// Clone はScheduleを含めたコピーを返す。
func (f FavoriteAddress) Clone() FavoriteAddress {
	f.Schedule = f.Schedule.Clone()
	return f
}
