// Package notify は通知意図をWeb Pushメッセージに変換して配送する。
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/locale"
	"github.com/hitoshi/binday/internal/model"
)

// PayloadType は収集前日リマインダーのメッセージ種別。
const PayloadType = "COLLECTION_REMINDER"

// tagNamespace は通知タグ生成用のUUID名前空間。
var tagNamespace = uuid.MustParse("6b3c7f0e-52a1-4d3e-9a57-1f0c2b8d4e61")

// Payload はService Workerへ送るメッセージ本体。
type Payload struct {
	Type           string               `json:"type"`
	Title          string               `json:"title"`
	Body           string               `json:"body"`
	Address        string               `json:"address"`
	CollectionType model.CollectionType `json:"collectionType"`
	Date           model.CalendarDate   `json:"date"`
	Tag            string               `json:"tag"`
	Timestamp      int64                `json:"timestamp"`
}

// Builder は購読の言語に合わせて通知文を組み立てる。
type Builder struct {
	catalog *locale.Catalog
	clock   clock.Clock
}

// NewBuilder はBuilderを生成する。
func NewBuilder(catalog *locale.Catalog, clk clock.Clock) *Builder {
	return &Builder{catalog: catalog, clock: clk}
}

// Build は通知意図ごとのPayloadを返す。
// タグは通知意図のキーから決まるため、同じ収集日の再送は端末側で1件にまとめられる。
func (b *Builder) Build(sub model.PushSubscription, intents []model.NotificationIntent) []Payload {
	l := b.catalog.For(sub.Locale)
	ts := b.clock.Now().UnixMilli()

	payloads := make([]Payload, 0, len(intents))
	for _, in := range intents {
		title, body := l.Reminder(in.CollectionType, in.Address)
		payloads = append(payloads, Payload{
			Type:           PayloadType,
			Title:          title,
			Body:           body,
			Address:        in.Address,
			CollectionType: in.CollectionType,
			Date:           in.Date,
			Tag:            Tag(in),
			Timestamp:      ts,
		})
	}
	return payloads
}

// Tag は通知意図から決定的な通知タグを返す。
func Tag(in model.NotificationIntent) string {
	return uuid.NewSHA1(tagNamespace, []byte(in.Key())).String()
}

func (p Payload) encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("通知メッセージのエンコードに失敗しました: %w", err)
	}
	return data, nil
}
