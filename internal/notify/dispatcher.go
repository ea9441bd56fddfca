package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/binday/internal/eligibility"
	"github.com/hitoshi/binday/internal/model"
)

// Sender は1件のWeb Pushメッセージを送信する。
type Sender interface {
	Send(ctx context.Context, sub model.PushSubscription, payload []byte) error
}

// Remover は無効になった購読を削除する。
type Remover interface {
	Remove(ctx context.Context, endpoint string) error
}

// MetricsRecorder は購読削除を記録する。
type MetricsRecorder interface {
	RecordSubscriptionRemoved()
}

// DirectDispatcher は通知意図をその場でWeb Push送信する。
type DirectDispatcher struct {
	builder *Builder
	sender  Sender
	remover Remover
	logger  *slog.Logger
	metrics MetricsRecorder
}

// NewDirectDispatcher はDirectDispatcherを生成する。metricsはnilでもよい。
func NewDirectDispatcher(builder *Builder, sender Sender, remover Remover, logger *slog.Logger, metrics MetricsRecorder) *DirectDispatcher {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &DirectDispatcher{
		builder: builder,
		sender:  sender,
		remover: remover,
		logger:  logger,
		metrics: metrics,
	}
}

// Dispatch は通知意図ごとに1件ずつ送信する。
//
// 恒久的な失敗（404/410）の場合は購読を削除して残りの送信を打ち切り、nilを返す。
// 一時的な失敗はすべて送信を試みたうえで、送れなかった通知意図を
// *model.UndeliveredErrorにまとめて返す。
// 購読の削除自体に失敗した場合もエラーを返す。
func (d *DirectDispatcher) Dispatch(ctx context.Context, sub model.PushSubscription, intents []model.NotificationIntent) error {
	var (
		errs   []error
		failed []model.NotificationIntent
	)
	// BuildはintentsとPayloadを同じ順で1対1に返す
	for i, p := range d.builder.Build(sub, intents) {
		data, err := p.encode()
		if err != nil {
			errs = append(errs, err)
			failed = append(failed, intents[i])
			continue
		}

		err = d.sender.Send(ctx, sub, data)
		if err == nil {
			d.logger.Info("リマインダーを送信しました",
				slog.String("device_id", sub.DeviceID),
				slog.String("collection_type", string(p.CollectionType)),
				slog.String("date", p.Date.String()),
			)
			continue
		}

		if model.IsPermanentDelivery(err) {
			return d.removeExpired(ctx, sub)
		}

		d.logger.Warn("リマインダーの送信に一時的に失敗しました",
			slog.String("device_id", sub.DeviceID),
			slog.String("collection_type", string(p.CollectionType)),
			slog.String("error", err.Error()),
		)
		errs = append(errs, err)
		failed = append(failed, intents[i])
	}
	if len(failed) == 0 {
		return nil
	}
	return &model.UndeliveredError{Intents: failed, Err: errors.Join(errs...)}
}

func (d *DirectDispatcher) removeExpired(ctx context.Context, sub model.PushSubscription) error {
	if err := d.remover.Remove(ctx, sub.Endpoint); err != nil {
		return fmt.Errorf("無効な購読の削除に失敗しました: %w", err)
	}
	d.metrics.RecordSubscriptionRemoved()
	d.logger.Info("無効になった購読を削除しました",
		slog.String("device_id", sub.DeviceID),
	)
	return nil
}

var _ eligibility.Dispatcher = (*DirectDispatcher)(nil)

type nopMetrics struct{}

func (nopMetrics) RecordSubscriptionRemoved() {}
