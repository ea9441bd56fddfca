package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/binday/internal/favorite"
	"github.com/hitoshi/binday/internal/model"
)

// Recipient は1回の判定で評価する通知先。
// Storeは剪定したお気に入りの書き戻し先で、Favoritesの取得元と同じでなければならない。
// Storeがnilの通知先は評価と配送引き渡しのみ行う。
type Recipient struct {
	Subscription model.PushSubscription
	Favorites    []model.FavoriteAddress
	Store        favorite.Store
}

// RecipientSource は判定対象の通知先一覧を提供する。
type RecipientSource interface {
	Recipients(ctx context.Context) ([]Recipient, error)
}

// Dispatcher は通知意図を配送層へ引き渡す。
// 配送結果は剪定に影響しない。
type Dispatcher interface {
	Dispatch(ctx context.Context, sub model.PushSubscription, intents []model.NotificationIntent) error
}

// MetricsRecorder は日次判定のメトリクスを記録する。
type MetricsRecorder interface {
	RecordDailyCheck(duration time.Duration)
	RecordIntents(count int)
	RecordPrunedFavorites(count int)
	RecordRecipientFailure(stage string)
}

// Report は1回の日次判定の結果。
type Report struct {
	Recipients       int
	Intents          int
	PrunedFavorites  int
	StoreFailures    int
	DispatchFailures int
}

// Engine は日次判定を実行する。同時に実行される判定は1つだけ。
type Engine struct {
	source        RecipientSource
	dispatcher    Dispatcher
	logger        *slog.Logger
	metrics       MetricsRecorder
	maxConcurrent int

	running sync.Mutex
}

// NewEngine はEngineを生成する。
// maxConcurrentが0以下の場合はデフォルト値10を使用する。metricsはnilでもよい。
func NewEngine(source RecipientSource, dispatcher Dispatcher, logger *slog.Logger, metrics MetricsRecorder, maxConcurrent int) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Engine{
		source:        source,
		dispatcher:    dispatcher,
		logger:        logger,
		metrics:       metrics,
		maxConcurrent: maxConcurrent,
	}
}

type dispatchJob struct {
	sub     model.PushSubscription
	intents []model.NotificationIntent
}

// RunDailyCheck は全通知先について判定・剪定・配送引き渡しを行う。
//  1. 通知先ごとにEvaluateで通知意図を算出する
//  2. 過去の収集日を剪定し、変化したお気に入りをストアへ書き戻す
//  3. 通知意図をsemaphoreで並列数を制御しながらDispatcherへ渡し、全件の完了を待つ
//
// 通知先ごとの失敗はログとReportに記録し、処理は継続する。
// 通知先一覧の取得に失敗した場合のみエラーを返す。
func (e *Engine) RunDailyCheck(ctx context.Context, now time.Time) (Report, error) {
	e.running.Lock()
	defer e.running.Unlock()

	start := time.Now()
	defer func() { e.metrics.RecordDailyCheck(time.Since(start)) }()

	recipients, err := e.source.Recipients(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("通知先一覧の取得に失敗しました: %w", err)
	}

	report := Report{Recipients: len(recipients)}
	var jobs []dispatchJob

	for _, r := range recipients {
		intents := Evaluate(now, r.Favorites)
		if len(intents) > 0 {
			jobs = append(jobs, dispatchJob{sub: r.Subscription, intents: intents})
			report.Intents += len(intents)
		}

		pruned, failed := e.prune(ctx, now, r)
		report.PrunedFavorites += pruned
		report.StoreFailures += failed
	}

	report.DispatchFailures = e.dispatchAll(ctx, jobs)

	e.metrics.RecordIntents(report.Intents)
	e.metrics.RecordPrunedFavorites(report.PrunedFavorites)

	e.logger.Info("日次判定が完了しました",
		slog.String("date", model.DateOf(now).String()),
		slog.Int("recipient_count", report.Recipients),
		slog.Int("intent_count", report.Intents),
		slog.Int("pruned_count", report.PrunedFavorites),
		slog.Int("store_failures", report.StoreFailures),
		slog.Int("dispatch_failures", report.DispatchFailures),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return report, nil
}

// prune は通知先のお気に入りを剪定し、変化したものをストアへ書き戻す。
// 書き戻したお気に入り数と失敗数を返す。
func (e *Engine) prune(ctx context.Context, now time.Time, r Recipient) (pruned, failed int) {
	if r.Store == nil {
		return 0, 0
	}
	for _, fav := range r.Favorites {
		sched, changed := Prune(now, fav.Schedule)
		if !changed {
			continue
		}
		fav.Schedule = sched
		if err := r.Store.Upsert(ctx, fav); err != nil {
			failed++
			e.metrics.RecordRecipientFailure("prune")
			e.logger.Error("剪定したお気に入りの保存に失敗しました",
				slog.String("device_id", r.Subscription.DeviceID),
				slog.String("address", fav.Address),
				slog.String("error", err.Error()),
			)
			continue
		}
		pruned++
	}
	return pruned, failed
}

func (e *Engine) dispatchAll(ctx context.Context, jobs []dispatchJob) int {
	if e.dispatcher == nil || len(jobs) == 0 {
		return 0
	}

	sem := make(chan struct{}, e.maxConcurrent)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(j dispatchJob) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := e.dispatcher.Dispatch(ctx, j.sub, j.intents); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				e.metrics.RecordRecipientFailure("dispatch")
				e.logger.Error("通知の配送引き渡しに失敗しました",
					slog.String("device_id", j.sub.DeviceID),
					slog.Int("intent_count", len(j.intents)),
					slog.String("error", err.Error()),
				)
			}
		}(job)
	}

	wg.Wait()
	return failures
}

type nopMetrics struct{}

func (nopMetrics) RecordDailyCheck(time.Duration) {}
func (nopMetrics) RecordIntents(int) {}
func (nopMetrics) RecordPrunedFavorites(int) {}
func (nopMetrics) RecordRecipientFailure(string) {}
