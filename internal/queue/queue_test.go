package queue

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

	"github.com/streadway/amqp"

	"github.com/hitoshi/binday/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// fakeChannel は*amqp.Channelの代わりに呼び出しを記録する。
type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	keys       []string
	publishErr error
	declared   []string
	bindings   []string
	qos        int
	deliveries chan amqp.Delivery
	consumeErr error
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Qos(count, _ int, _ bool) error {
	f.qos = count
	return nil
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.declared = append(f.declared, "exchange:"+name+":"+kind)
	if !durable {
		return errors.New("not durable")
	}
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.declared = append(f.declared, "queue:"+name)
	if !durable {
		return amqp.Queue{}, errors.New("not durable")
	}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.bindings = append(f.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func (f *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	if autoAck {
		return nil, errors.New("autoAck must be false")
	}
	return f.deliveries, nil
}

// fakeAcknowledger はack/nackの結果を記録する。
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	requeue []bool
	done    chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{done: make(chan struct{}, 16)}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	a.acks = append(a.acks, tag)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	a.nacks = append(a.nacks, tag)
	a.requeue = append(a.requeue, requeue)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type mockDispatcher struct {
	mu         sync.Mutex
	dispatchFn func(ctx context.Context, sub model.PushSubscription, intents []model.NotificationIntent) error
	calls      []model.PushSubscription
}

func (m *mockDispatcher) Dispatch(ctx context.Context, sub model.PushSubscription, intents []model.NotificationIntent) error {
	m.mu.Lock()
	m.calls = append(m.calls, sub)
	m.mu.Unlock()
	if m.dispatchFn != nil {
		return m.dispatchFn(ctx, sub, intents)
	}
	return nil
}

func testMessage(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(Message{
		Subscription: model.PushSubscription{Endpoint: "https://push.example.com/x", DeviceID: "device-1"},
		Intents: []model.NotificationIntent{{
			Address:        "123 Main St",
			CollectionType: model.CollectionGarbage,
			Date:           model.NewCalendarDate(2025, 4, 2),
		}},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return body
}

func TestDeclare(t *testing.T) {
	ch := &fakeChannel{}
	if err := Declare(ch); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if ch.qos != prefetch {
		t.Errorf("qos = %d, want %d", ch.qos, prefetch)
	}
	want := []string{"exchange:notifications:direct", "queue:notifications.reminder"}
	if len(ch.declared) != len(want) {
		t.Fatalf("declared = %v, want %v", ch.declared, want)
	}
	for i := range want {
		if ch.declared[i] != want[i] {
			t.Errorf("declared[%d] = %q, want %q", i, ch.declared[i], want[i])
		}
	}
	if len(ch.bindings) != 1 || ch.bindings[0] != "notifications/reminder->notifications.reminder" {
		t.Errorf("bindings = %v", ch.bindings)
	}
}

func TestDispatcher_Dispatch(t *testing.T) {
	var buf bytes.Buffer
	ch := &fakeChannel{}
	d := NewDispatcher(ch, newTestLogger(&buf))
	fixed := time.Date(2025, 4, 1, 22, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	sub := model.PushSubscription{Endpoint: "https://push.example.com/x", DeviceID: "device-1"}
	intents := []model.NotificationIntent{{
		Address:        "123 Main St",
		CollectionType: model.CollectionRecycling,
		Date:           model.NewCalendarDate(2025, 4, 2),
	}}
	if err := d.Dispatch(context.Background(), sub, intents); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("published = %d, want 1", len(ch.published))
	}
	if ch.keys[0] != "notifications/reminder" {
		t.Errorf("key = %q", ch.keys[0])
	}
	pub := ch.published[0]
	if pub.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want Persistent", pub.DeliveryMode)
	}
	if pub.ContentType != "application/json" {
		t.Errorf("ContentType = %q", pub.ContentType)
	}
	if !pub.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", pub.Timestamp, fixed)
	}

	var got Message
	if err := json.Unmarshal(pub.Body, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Subscription.Endpoint != sub.Endpoint || len(got.Intents) != 1 {
		t.Errorf("message = %+v", got)
	}
	if got.Intents[0].CollectionType != model.CollectionRecycling {
		t.Errorf("CollectionType = %q", got.Intents[0].CollectionType)
	}
}

func TestDispatcher_Dispatch_PublishError(t *testing.T) {
	var buf bytes.Buffer
	ch := &fakeChannel{publishErr: amqp.ErrClosed}
	d := NewDispatcher(ch, newTestLogger(&buf))

	err := d.Dispatch(context.Background(), model.PushSubscription{}, nil)
	if !errors.Is(err, amqp.ErrClosed) {
		t.Errorf("error = %v, want amqp.ErrClosed", err)
	}
}

func TestConsumer_Handle(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		redelivered bool
		dispatchErr error
		wantAck     bool
		wantRequeue bool
	}{
		{name: "成功はack", wantAck: true},
		{name: "一時的失敗の初回は再キュー", dispatchErr: &model.DeliveryError{StatusCode: 503}, wantRequeue: true},
		{name: "一時的失敗の再配信は破棄", dispatchErr: &model.DeliveryError{StatusCode: 503}, redelivered: true},
		{name: "解析できないメッセージは破棄", body: []byte("{broken")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			disp := &mockDispatcher{
				dispatchFn: func(context.Context, model.PushSubscription, []model.NotificationIntent) error {
					return tt.dispatchErr
				},
			}
			c := NewConsumer(&fakeChannel{}, disp, newTestLogger(&buf), 1)
			ack := newFakeAcknowledger()

			body := tt.body
			if body == nil {
				body = testMessage(t)
			}
			c.Handle(context.Background(), amqp.Delivery{
				Acknowledger: ack,
				DeliveryTag:  7,
				Redelivered:  tt.redelivered,
				Body:         body,
			})

			if tt.wantAck {
				if len(ack.acks) != 1 || len(ack.nacks) != 0 {
					t.Fatalf("acks = %v, nacks = %v, want ack", ack.acks, ack.nacks)
				}
				return
			}
			if len(ack.nacks) != 1 || len(ack.acks) != 0 {
				t.Fatalf("acks = %v, nacks = %v, want nack", ack.acks, ack.nacks)
			}
			if ack.requeue[0] != tt.wantRequeue {
				t.Errorf("requeue = %v, want %v", ack.requeue[0], tt.wantRequeue)
			}
		})
	}
}

func TestConsumer_Run(t *testing.T) {
	var buf bytes.Buffer
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 3)}
	disp := &mockDispatcher{}
	c := NewConsumer(ch, disp, newTestLogger(&buf), 2)
	ack := newFakeAcknowledger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	for i := range 3 {
		ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: testMessage(t)}
	}
	for range 3 {
		select {
		case <-ack.done:
		case <-time.After(2 * time.Second):
			t.Fatal("ackされませんでした")
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Runが終了しませんでした")
	}
	if len(disp.calls) != 3 {
		t.Errorf("dispatch calls = %d, want 3", len(disp.calls))
	}
}

func TestConsumer_Run_DeliveriesClosed(t *testing.T) {
	var buf bytes.Buffer
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	close(ch.deliveries)
	c := NewConsumer(ch, &mockDispatcher{}, newTestLogger(&buf), 1)

	if err := c.Run(context.Background()); !errors.Is(err, ErrDeliveriesClosed) {
		t.Errorf("error = %v, want ErrDeliveriesClosed", err)
	}
}

func TestConsumer_Run_ConsumeError(t *testing.T) {
	var buf bytes.Buffer
	ch := &fakeChannel{consumeErr: amqp.ErrClosed}
	c := NewConsumer(ch, &mockDispatcher{}, newTestLogger(&buf), 1)

	if err := c.Run(context.Background()); !errors.Is(err, amqp.ErrClosed) {
		t.Errorf("error = %v, want amqp.ErrClosed", err)
	}
}

func TestConsumer_Handle_PartialFailureRepublishesUndelivered(t *testing.T) {
	var buf bytes.Buffer
	sub := model.PushSubscription{Endpoint: "https://push.example.com/x", DeviceID: "device-1"}
	garbage := model.NotificationIntent{Address: "123 Main St", CollectionType: model.CollectionGarbage, Date: model.NewCalendarDate(2025, 4, 2)}
	recycling := model.NotificationIntent{Address: "123 Main St", CollectionType: model.CollectionRecycling, Date: model.NewCalendarDate(2025, 4, 2)}

	var sent []model.NotificationIntent
	disp := &mockDispatcher{
		dispatchFn: func(_ context.Context, _ model.PushSubscription, intents []model.NotificationIntent) error {
			var failed []model.NotificationIntent
			for _, in := range intents {
				if in.CollectionType == model.CollectionRecycling {
					failed = append(failed, in)
					continue
				}
				sent = append(sent, in)
			}
			if len(failed) == 0 {
				return nil
			}
			return &model.UndeliveredError{Intents: failed, Err: &model.DeliveryError{StatusCode: 503}}
		},
	}
	ch := &fakeChannel{}
	c := NewConsumer(ch, disp, newTestLogger(&buf), 1)

	body, err := json.Marshal(Message{Subscription: sub, Intents: []model.NotificationIntent{garbage, recycling}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	first := newFakeAcknowledger()
	c.Handle(context.Background(), amqp.Delivery{Acknowledger: first, DeliveryTag: 1, Body: body})

	if len(first.acks) != 1 || len(first.nacks) != 0 {
		t.Fatalf("acks = %v, nacks = %v, want ack", first.acks, first.nacks)
	}
	if len(ch.published) != 1 {
		t.Fatalf("再発行件数 = %d, want 1", len(ch.published))
	}
	republished := ch.published[0]
	if _, ok := republished.Headers[retryHeader]; !ok {
		t.Errorf("再発行メッセージに%sヘッダーがありません", retryHeader)
	}
	if republished.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want persistent", republished.DeliveryMode)
	}
	var retried Message
	if err := json.Unmarshal(republished.Body, &retried); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(retried.Intents) != 1 || retried.Intents[0] != recycling {
		t.Errorf("再発行された通知意図 = %+v, want [%+v]", retried.Intents, recycling)
	}

	// 再発行分がまた失敗しても、送信済みの通知意図は二度と送られない
	second := newFakeAcknowledger()
	c.Handle(context.Background(), amqp.Delivery{
		Acknowledger: second,
		DeliveryTag:  2,
		Headers:      republished.Headers,
		Body:         republished.Body,
	})
	if len(second.nacks) != 1 || second.requeue[0] {
		t.Errorf("再試行分の失敗は再キューせず破棄すべきです: nacks = %v, requeue = %v", second.nacks, second.requeue)
	}
	if len(ch.published) != 1 {
		t.Errorf("再試行分が再発行されています: %d件", len(ch.published))
	}
	if len(sent) != 1 || sent[0] != garbage {
		t.Errorf("送信済み = %+v, want [%+v]", sent, garbage)
	}
}

func TestConsumer_Handle_RepublishFailureRequeuesWhole(t *testing.T) {
	var buf bytes.Buffer
	disp := &mockDispatcher{
		dispatchFn: func(_ context.Context, _ model.PushSubscription, intents []model.NotificationIntent) error {
			return &model.UndeliveredError{Intents: intents[:1], Err: &model.DeliveryError{StatusCode: 503}}
		},
	}
	c := NewConsumer(&fakeChannel{publishErr: amqp.ErrClosed}, disp, newTestLogger(&buf), 1)

	body, err := json.Marshal(Message{
		Subscription: model.PushSubscription{Endpoint: "https://push.example.com/x", DeviceID: "device-1"},
		Intents: []model.NotificationIntent{
			{Address: "123 Main St", CollectionType: model.CollectionGarbage, Date: model.NewCalendarDate(2025, 4, 2)},
			{Address: "123 Main St", CollectionType: model.CollectionRecycling, Date: model.NewCalendarDate(2025, 4, 2)},
		},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	ack := newFakeAcknowledger()
	c.Handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: body})

	if len(ack.nacks) != 1 || !ack.requeue[0] {
		t.Fatalf("nacks = %v, requeue = %v, want requeue", ack.nacks, ack.requeue)
	}
	if !strings.Contains(buf.String(), "再発行に失敗") {
		t.Errorf("再発行失敗のログがありません: %s", buf.String())
	}
}
