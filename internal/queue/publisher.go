package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/hitoshi/binday/internal/eligibility"
	"github.com/hitoshi/binday/internal/model"
)

// Message はキューに流す1購読分の通知意図。
type Message struct {
	Subscription model.PushSubscription   `json:"subscription"`
	Intents      []model.NotificationIntent `json:"intents"`
}

// Publisher はメッセージ発行に必要なチャネル操作。*amqp.Channelが満たす。
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Dispatcher は通知意図をキューへ発行するeligibility.Dispatcher。
type Dispatcher struct {
	ch     Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(ch Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{ch: ch, logger: logger, now: time.Now}
}

// Dispatch は購読と通知意図をJSONにして永続メッセージとして発行する。
func (d *Dispatcher) Dispatch(ctx context.Context, sub model.PushSubscription, intents []model.NotificationIntent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := publish(d.ch, Message{Subscription: sub, Intents: intents}, nil, d.now()); err != nil {
		return err
	}

	d.logger.Debug("リマインダーをキューへ発行しました",
		slog.String("device_id", sub.DeviceID),
		slog.Int("intent_count", len(intents)),
	)
	return nil
}

func publish(ch Publisher, msg Message, headers amqp.Table, now time.Time) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("キューメッセージのエンコードに失敗しました: %w", err)
	}

	err = ch.Publish(Exchange, RoutingKey, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("キューへの発行に失敗しました: %w", err)
	}
	return nil
}

var _ eligibility.Dispatcher = (*Dispatcher)(nil)
