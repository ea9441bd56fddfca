package model

import (
	"github.com/hitoshi/binday/internal/address"
)

// NotificationIntent は「明日収集がある」ことを通知する意図を表す。
// 配送は行わず、配送層に引き渡すための値オブジェクト。
type NotificationIntent struct {
	Address        string         `json:"address"`
	CollectionType CollectionType `json:"collectionType"`
	Date           CalendarDate   `json:"date"`
}

// Key は重複排除用のキー（住所キー, 種別, 日付）を返す。
func (n NotificationIntent) Key() string {
	return address.Key(n.Address) + "|" + string(n.CollectionType) + "|" + n.Date.String()
}

// Candidate は住所検索の候補を表す。
type Candidate struct {
	DisplayName string `json:"displayName"`
}
