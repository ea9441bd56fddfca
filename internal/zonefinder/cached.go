package zonefinder

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/binday/internal/address"
	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/model"
	"github.com/hitoshi/binday/internal/schedule"
)

// Cache はJSON値のTTLキャッシュ。
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// CachedLookup はLookupの結果をキャッシュする。
// キャッシュの障害は取りこぼしとして扱い、上流の呼び出しにフォールバックする。
// キャッシュから読み出したスケジュールは現在時刻で過去日を取り除いてから返す。
type CachedLookup struct {
	next        Lookup
	cache       Cache
	searchTTL   time.Duration
	scheduleTTL time.Duration
	clock       clock.Clock
	loc         *time.Location
	logger      *slog.Logger
	metrics     MetricsRecorder
}

// NewCachedLookup はCachedLookupを生成する。metricsはnilでもよい。
func NewCachedLookup(next Lookup, cache Cache, searchTTL, scheduleTTL time.Duration, clk clock.Clock, loc *time.Location, logger *slog.Logger, metrics MetricsRecorder) *CachedLookup {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &CachedLookup{
		next:        next,
		cache:       cache,
		searchTTL:   searchTTL,
		scheduleTTL: scheduleTTL,
		clock:       clk,
		loc:         loc,
		logger:      logger,
		metrics:     metrics,
	}
}

// Search はキャッシュを参照し、なければ上流から取得して保存する。
func (l *CachedLookup) Search(ctx context.Context, query string) ([]model.Candidate, error) {
	key := "search:" + address.Key(query)

	var cached []model.Candidate
	if l.lookup(ctx, "search", key, &cached) {
		return cached, nil
	}

	candidates, err := l.next.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	l.store(ctx, key, candidates, l.searchTTL)
	return candidates, nil
}

// ResolveSchedule はキャッシュを参照し、なければ上流から取得して保存する。
func (l *CachedLookup) ResolveSchedule(ctx context.Context, addr string) (model.Schedule, error) {
	key := scheduleKey(addr)

	var cached model.Schedule
	if l.lookup(ctx, "schedule", key, &cached) {
		return schedule.DropPast(cached, l.clock.Now(), l.loc), nil
	}

	sched, err := l.next.ResolveSchedule(ctx, addr)
	if err != nil {
		return nil, err
	}
	l.store(ctx, key, sched, l.scheduleTTL)
	return sched, nil
}

// RefreshSchedule はキャッシュ済みのスケジュールを破棄し、上流から取り直して保存する。
// 破棄に失敗しても取り直しは行う。
func (l *CachedLookup) RefreshSchedule(ctx context.Context, addr string) (model.Schedule, error) {
	key := scheduleKey(addr)
	if err := l.cache.Invalidate(ctx, key); err != nil {
		l.logger.Warn("キャッシュの破棄に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	sched, err := l.next.ResolveSchedule(ctx, addr)
	if err != nil {
		return nil, err
	}
	l.store(ctx, key, sched, l.scheduleTTL)
	return sched, nil
}

func scheduleKey(addr string) string {
	return "schedule:" + address.Key(addr)
}

func (l *CachedLookup) lookup(ctx context.Context, kind, key string, result any) bool {
	found, err := l.cache.Get(ctx, key, result)
	if err != nil {
		l.logger.Warn("キャッシュの読み出しに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		found = false
	}
	l.metrics.RecordCacheLookup(kind, found)
	return found
}

func (l *CachedLookup) store(ctx context.Context, key string, value any, ttl time.Duration) {
	if err := l.cache.Set(ctx, key, value, ttl); err != nil {
		l.logger.Warn("キャッシュの書き込みに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

var _ RefreshingLookup = (*CachedLookup)(nil)
