package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/locale"
	"github.com/hitoshi/binday/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var testNow = time.Date(2025, 4, 1, 18, 0, 0, 0, time.UTC)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	catalog, err := locale.NewCatalog("en")
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return NewBuilder(catalog, clock.Fixed{T: testNow})
}

type mockSender struct {
	mu       sync.Mutex
	sendFn   func(ctx context.Context, sub model.PushSubscription, payload []byte) error
	payloads []Payload
}

func (m *mockSender) Send(ctx context.Context, sub model.PushSubscription, payload []byte) error {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	m.mu.Lock()
	m.payloads = append(m.payloads, p)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, sub, payload)
	}
	return nil
}

type mockRemover struct {
	removeFn func(ctx context.Context, endpoint string) error
	removed  []string
}

func (m *mockRemover) Remove(ctx context.Context, endpoint string) error {
	m.removed = append(m.removed, endpoint)
	if m.removeFn != nil {
		return m.removeFn(ctx, endpoint)
	}
	return nil
}

type countingMetrics struct {
	removed int
}

func (c *countingMetrics) RecordSubscriptionRemoved() { c.removed++ }

var tomorrow = model.NewCalendarDate(2025, 4, 2)

func testIntents() []model.NotificationIntent {
	return []model.NotificationIntent{
		{Address: "123 Main St", CollectionType: model.CollectionGarbage, Date: tomorrow},
		{Address: "123 Main St", CollectionType: model.CollectionRecycling, Date: tomorrow},
	}
}

func testSubscription() model.PushSubscription {
	return model.PushSubscription{
		Endpoint: "https://push.example.com/send/abc",
		DeviceID: "device-1",
	}
}

func TestBuilder_Build(t *testing.T) {
	b := newTestBuilder(t)

	payloads := b.Build(testSubscription(), testIntents())
	if len(payloads) != 2 {
		t.Fatalf("len(payloads) = %d, want 2", len(payloads))
	}

	p := payloads[0]
	if p.Type != PayloadType {
		t.Errorf("Type = %q, want %q", p.Type, PayloadType)
	}
	if p.Title != "Garbage Collection Tomorrow" {
		t.Errorf("Title = %q", p.Title)
	}
	if p.Body != "Your garbage at 123 Main St will be collected tomorrow" {
		t.Errorf("Body = %q", p.Body)
	}
	if p.Timestamp != testNow.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", p.Timestamp, testNow.UnixMilli())
	}
	if p.Date != tomorrow {
		t.Errorf("Date = %v, want %v", p.Date, tomorrow)
	}
	if p.Tag == payloads[1].Tag {
		t.Error("異なる種別のタグが同じになっています")
	}
}

func TestBuilder_Build_UsesSubscriptionLocale(t *testing.T) {
	b := newTestBuilder(t)
	sub := testSubscription()
	sub.Locale = "fr"

	payloads := b.Build(sub, testIntents()[:1])
	if !strings.Contains(payloads[0].Title, "Ordures") {
		t.Errorf("Title = %q, フランス語の文言になっていません", payloads[0].Title)
	}
}

func TestTag_Deterministic(t *testing.T) {
	in := testIntents()[0]
	same := in
	same.Address = "  123 MAIN ST "

	if Tag(in) != Tag(same) {
		t.Error("正規化後に同じ住所のタグが一致しません")
	}
	other := in
	other.Date = tomorrow.AddDays(7)
	if Tag(in) == Tag(other) {
		t.Error("日付が異なるのにタグが一致しています")
	}
}

func TestDirectDispatcher_Dispatch_Success(t *testing.T) {
	var buf bytes.Buffer
	sender := &mockSender{}
	remover := &mockRemover{}
	d := NewDirectDispatcher(newTestBuilder(t), sender, remover, newTestLogger(&buf), nil)

	if err := d.Dispatch(context.Background(), testSubscription(), testIntents()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sender.payloads) != 2 {
		t.Errorf("送信件数 = %d, want 2", len(sender.payloads))
	}
	if len(remover.removed) != 0 {
		t.Errorf("購読が削除されています: %v", remover.removed)
	}
}

func TestDirectDispatcher_Dispatch_PermanentRemovesSubscription(t *testing.T) {
	var buf bytes.Buffer
	sender := &mockSender{
		sendFn: func(context.Context, model.PushSubscription, []byte) error {
			return &model.DeliveryError{StatusCode: 410, Permanent: true}
		},
	}
	remover := &mockRemover{}
	metrics := &countingMetrics{}
	d := NewDirectDispatcher(newTestBuilder(t), sender, remover, newTestLogger(&buf), metrics)

	sub := testSubscription()
	if err := d.Dispatch(context.Background(), sub, testIntents()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(remover.removed) != 1 || remover.removed[0] != sub.Endpoint {
		t.Errorf("removed = %v, want [%s]", remover.removed, sub.Endpoint)
	}
	if len(sender.payloads) != 1 {
		t.Errorf("恒久的な失敗後も送信が続いています: %d件", len(sender.payloads))
	}
	if metrics.removed != 1 {
		t.Errorf("metrics.removed = %d, want 1", metrics.removed)
	}
	if strings.Contains(buf.String(), "/send/abc") {
		t.Error("エンドポイントのパスがログに出力されています")
	}
}

func TestDirectDispatcher_Dispatch_RemoveFailure(t *testing.T) {
	var buf bytes.Buffer
	sender := &mockSender{
		sendFn: func(context.Context, model.PushSubscription, []byte) error {
			return &model.DeliveryError{StatusCode: 404, Permanent: true}
		},
	}
	remover := &mockRemover{
		removeFn: func(context.Context, string) error { return model.ErrStorageUnavailable },
	}
	d := NewDirectDispatcher(newTestBuilder(t), sender, remover, newTestLogger(&buf), nil)

	err := d.Dispatch(context.Background(), testSubscription(), testIntents())
	if !errors.Is(err, model.ErrStorageFailure) {
		t.Errorf("error = %v, want ErrStorageFailure", err)
	}
}

func TestDirectDispatcher_Dispatch_TransientContinues(t *testing.T) {
	var buf bytes.Buffer
	calls := 0
	sender := &mockSender{
		sendFn: func(context.Context, model.PushSubscription, []byte) error {
			calls++
			if calls == 1 {
				return &model.DeliveryError{StatusCode: 503}
			}
			return nil
		},
	}
	remover := &mockRemover{}
	d := NewDirectDispatcher(newTestBuilder(t), sender, remover, newTestLogger(&buf), nil)

	err := d.Dispatch(context.Background(), testSubscription(), testIntents())
	if err == nil {
		t.Fatal("一時的な失敗がエラーとして返されていません")
	}
	if model.IsPermanentDelivery(err) {
		t.Error("一時的な失敗が恒久的と判定されています")
	}
	var ue *model.UndeliveredError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %T, want *model.UndeliveredError", err)
	}
	if want := testIntents()[:1]; len(ue.Intents) != 1 || ue.Intents[0] != want[0] {
		t.Errorf("未配送 = %+v, want %+v", ue.Intents, want)
	}
	if len(sender.payloads) != 2 {
		t.Errorf("送信件数 = %d, want 2", len(sender.payloads))
	}
	if len(remover.removed) != 0 {
		t.Error("一時的な失敗で購読が削除されています")
	}
	if !strings.Contains(buf.String(), "一時的に失敗") {
		t.Errorf("警告ログがありません: %s", buf.String())
	}
}
