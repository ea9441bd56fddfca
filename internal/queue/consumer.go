package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/hitoshi/binday/internal/eligibility"
	"github.com/hitoshi/binday/internal/model"
)

// ErrDeliveriesClosed はブローカー側でメッセージの配信が止まったことを示す。
var ErrDeliveriesClosed = errors.New("キューからの配信が終了しました")

// retryHeader は未配送分だけを再発行したメッセージに付くヘッダー。
const retryHeader = "x-binday-retry"

// Source はメッセージ消費と未配送分の再発行に必要なチャネル操作。*amqp.Channelが満たす。
type Source interface {
	Publisher
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Consumer はリマインダーキューを消費し、Dispatcherで送信する。
type Consumer struct {
	ch            Source
	dispatcher    eligibility.Dispatcher
	logger        *slog.Logger
	maxConcurrent int
	now           func() time.Time
}

// NewConsumer はConsumerを生成する。maxConcurrentが0以下の場合はprefetchと同じ値を使う。
func NewConsumer(ch Source, dispatcher eligibility.Dispatcher, logger *slog.Logger, maxConcurrent int) *Consumer {
	if maxConcurrent <= 0 {
		maxConcurrent = prefetch
	}
	return &Consumer{
		ch:            ch,
		dispatcher:    dispatcher,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// Run はコンテキストがキャンセルされるまでメッセージを処理する。
// 戻る前に処理中のメッセージの完了を待つ。
// ブローカーが配信チャネルを閉じた場合はErrDeliveriesClosedを返す。
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("キューの購読に失敗しました: %w", err)
	}

	c.logger.Info("リマインダーキューの消費を開始しました", slog.String("queue", QueueName))

	sem := make(chan struct{}, c.maxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("リマインダーキューの消費を停止しました")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				c.Handle(ctx, d)
			}(d)
		}
	}
}

// Handle は1件のメッセージを処理し、ack/nackを返す。
//   - 送信成功、または恒久的失敗で購読を削除済み: ack
//   - 解析できないメッセージ: 再キューせずにnack
//   - 一部のみ一時的失敗: 初回は未配送の通知意図だけを再発行してack
//   - すべて一時的失敗: 初回のみ再キューし、再配信分は破棄する
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Error("キューメッセージを解析できません",
			slog.String("error", err.Error()),
		)
		c.nack(d, false)
		return
	}

	err := c.dispatcher.Dispatch(ctx, msg.Subscription, msg.Intents)
	if err == nil {
		c.ack(d)
		return
	}

	retry := !d.Redelivered && !isRetry(d)
	if retry {
		var ue *model.UndeliveredError
		if errors.As(err, &ue) && len(ue.Intents) > 0 && len(ue.Intents) < len(msg.Intents) {
			if c.republish(msg.Subscription, ue.Intents, err) {
				c.ack(d)
				return
			}
		}
	}

	c.logger.Warn("リマインダーの送信に失敗しました",
		slog.String("device_id", msg.Subscription.DeviceID),
		slog.Bool("requeue", retry),
		slog.String("error", err.Error()),
	)
	c.nack(d, retry)
}

// republish は未配送の通知意図だけを再試行印付きで発行し直す。
// 発行できなかった場合はfalseを返し、呼び出し側はメッセージ全体を再キューする。
func (c *Consumer) republish(sub model.PushSubscription, intents []model.NotificationIntent, cause error) bool {
	headers := amqp.Table{retryHeader: int32(1)}
	if err := publish(c.ch, Message{Subscription: sub, Intents: intents}, headers, c.now()); err != nil {
		c.logger.Error("未配送分の再発行に失敗しました",
			slog.String("device_id", sub.DeviceID),
			slog.String("error", err.Error()),
		)
		return false
	}
	c.logger.Warn("リマインダーの一部を送信できなかったため未配送分を再発行しました",
		slog.String("device_id", sub.DeviceID),
		slog.Int("undelivered", len(intents)),
		slog.String("error", cause.Error()),
	)
	return true
}

func isRetry(d amqp.Delivery) bool {
	_, ok := d.Headers[retryHeader]
	return ok
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("メッセージのackに失敗しました", slog.String("error", err.Error()))
	}
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error("メッセージのnackに失敗しました", slog.String("error", err.Error()))
	}
}
