// Package cleanup は長期間更新されていないプッシュ購読の自動削除ジョブを提供する。
// ブラウザ側で失効した購読は送信時の404/410でも削除されるが、
// 送信対象にならない購読は保持期間（デフォルト180日）を過ぎたら日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StaleRemover は一定期間更新されていない購読を削除する。
type StaleRemover interface {
	DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MetricsRecorder は削除件数を記録する。
type MetricsRecorder interface {
	RecordStaleSubscriptionsRemoved(count int64)
}

// CleanupJob は保持期間を超過した購読の自動削除ジョブ。冪等に実行できる。
type CleanupJob struct {
	remover       StaleRemover
	logger        *slog.Logger
	metrics       MetricsRecorder
	Retention     time.Duration // 購読の保持期間（デフォルト: 180日）
}

const defaultRetention = 180 * 24 * time.Hour

// NewCleanupJob は新しいCleanupJobを生成する。metricsはnilでもよい。
func NewCleanupJob(remover StaleRemover, logger *slog.Logger, metrics MetricsRecorder) *CleanupJob {
	return &CleanupJob{
		remover:       remover,
		logger:        logger,
		metrics:       metrics,
		Retention:     defaultRetention,
	}
}

// Start はコンテキストがキャンセルされるまでintervalごとにRunを実行する。
// 起動直後に1回実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("購読クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.retentionDays()),
	)

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("購読クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

// Run は保持期間を超過した購読を削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	deleted, err := j.remover.DeleteStale(ctx, j.Retention)
	if err != nil {
		j.logger.Error("購読クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.retentionDays()),
		)
		return fmt.Errorf("購読クリーンアップの実行に失敗: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordStaleSubscriptionsRemoved(deleted)
	}

	j.logger.Info("購読クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.retentionDays()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) retentionDays() int {
	return int(j.Retention / (24 * time.Hour))
}
