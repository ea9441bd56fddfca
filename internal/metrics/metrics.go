// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "binday"

// Collector はPrometheusメトリクスを収集する実装。
// 日次判定・配送・上流呼び出し・キャッシュ・購読削除の各コンポーネントから利用する。
type Collector struct {
	dailyChecks       prometheus.Counter
	dailyCheckLatency prometheus.Histogram
	intents           prometheus.Counter
	prunedFavorites   prometheus.Counter
	recipientFailures *prometheus.CounterVec

	deliveries           *prometheus.CounterVec
	subscriptionsRemoved *prometheus.CounterVec

	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dailyChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_checks_total",
			Help:      "日次判定の実行回数",
		}),
		dailyCheckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "daily_check_duration_seconds",
			Help:      "日次判定1回の所要時間（秒）",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		intents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_intents_total",
			Help:      "生成された通知意図の合計数",
		}),
		prunedFavorites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_favorites_total",
			Help:      "過去の収集日を剪定したお気に入りの合計数",
		}),
		recipientFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipient_failures_total",
			Help:      "通知先ごとの処理失敗数（段階別）",
		}, []string{"stage"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_deliveries_total",
			Help:      "Web Push配送の結果別件数",
		}, []string{"outcome"}),
		subscriptionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_removed_total",
			Help:      "削除されたプッシュ購読の数（理由別）",
		}, []string{"reason"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "自治体APIへのリクエスト数（段階・結果別）",
		}, []string{"step", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "自治体APIへのリクエストのレイテンシ（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "検索結果キャッシュの参照数（種類・ヒット別）",
		}, []string{"kind", "result"}),
	}

	reg.MustRegister(
		c.dailyChecks,
		c.dailyCheckLatency,
		c.intents,
		c.prunedFavorites,
		c.recipientFailures,
		c.deliveries,
		c.subscriptionsRemoved,
		c.upstreamRequests,
		c.upstreamLatency,
		c.cacheLookups,
	)

	return c
}

// RecordDailyCheck は日次判定の実行と所要時間を記録する。
func (c *Collector) RecordDailyCheck(duration time.Duration) {
	c.dailyChecks.Inc()
	c.dailyCheckLatency.Observe(duration.Seconds())
}

// RecordIntents は生成された通知意図の数を記録する。
func (c *Collector) RecordIntents(count int) {
	c.intents.Add(float64(count))
}

// RecordPrunedFavorites は剪定されたお気に入りの数を記録する。
func (c *Collector) RecordPrunedFavorites(count int) {
	c.prunedFavorites.Add(float64(count))
}

// RecordRecipientFailure は通知先の処理失敗を記録する。
func (c *Collector) RecordRecipientFailure(stage string) {
	c.recipientFailures.WithLabelValues(stage).Inc()
}

// RecordDelivery はWeb Push配送の結果を記録する。
func (c *Collector) RecordDelivery(outcome string) {
	c.deliveries.WithLabelValues(outcome).Inc()
}

// RecordSubscriptionRemoved は配送の恒久的失敗による購読削除を記録する。
func (c *Collector) RecordSubscriptionRemoved() {
	c.subscriptionsRemoved.WithLabelValues("expired").Inc()
}

// RecordStaleSubscriptionsRemoved は保持期間切れによる購読削除を記録する。
func (c *Collector) RecordStaleSubscriptionsRemoved(count int64) {
	c.subscriptionsRemoved.WithLabelValues("stale").Add(float64(count))
}

// RecordUpstreamRequest は自治体APIへのリクエストを記録する。
func (c *Collector) RecordUpstreamRequest(step, outcome string, duration time.Duration) {
	c.upstreamRequests.WithLabelValues(step, outcome).Inc()
	c.upstreamLatency.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordCacheLookup はキャッシュ参照のヒット・ミスを記録する。
func (c *Collector) RecordCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(kind, result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewRegistry はGo・プロセスのコレクターを登録済みのレジストリを返す。
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}
