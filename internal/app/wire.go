package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/streadway/amqp"
	"golang.org/x/time/rate"

	"github.com/hitoshi/binday/internal/cache"
	"github.com/hitoshi/binday/internal/calendar"
	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/config"
	"github.com/hitoshi/binday/internal/database"
	"github.com/hitoshi/binday/internal/eligibility"
	"github.com/hitoshi/binday/internal/handler"
	"github.com/hitoshi/binday/internal/locale"
	"github.com/hitoshi/binday/internal/metrics"
	"github.com/hitoshi/binday/internal/middleware"
	"github.com/hitoshi/binday/internal/notify"
	"github.com/hitoshi/binday/internal/push"
	"github.com/hitoshi/binday/internal/queue"
	"github.com/hitoshi/binday/internal/repository"
	"github.com/hitoshi/binday/internal/security"
	"github.com/hitoshi/binday/internal/subscription"
	"github.com/hitoshi/binday/internal/worker/cleanup"
	"github.com/hitoshi/binday/internal/zonefinder"
)

var (
	_ eligibility.MetricsRecorder = (*metrics.Collector)(nil)
	_ zonefinder.MetricsRecorder  = (*metrics.Collector)(nil)
	_ push.MetricsRecorder        = (*metrics.Collector)(nil)
	_ notify.MetricsRecorder      = (*metrics.Collector)(nil)
	_ cleanup.MetricsRecorder     = (*metrics.Collector)(nil)

	_ zonefinder.Cache               = (*cache.Cache)(nil)
	_ eligibility.DeviceStores       = (*repository.PostgresFavoriteRepo)(nil)
	_ handler.DeviceStores           = (*repository.PostgresFavoriteRepo)(nil)
	_ handler.SubscriptionRegistry   = (*subscription.Service)(nil)
	_ handler.DeviceSyncers          = (*subscription.Service)(nil)
	_ cleanup.StaleRemover           = (*subscription.Service)(nil)
	_ eligibility.FavoritesCache     = (*subscription.Service)(nil)
	_ eligibility.SubscriptionLister = (*subscription.Service)(nil)
)

const (
	dbPingTimeout   = 5 * time.Second
	cachePrefix     = "binday:"
	amqpRetries     = 5
	amqpRetryDelay  = 2 * time.Second
	cleanupInterval = 24 * time.Hour
)

// components はサブコマンド間で共有する依存関係。
// closeで開いた順と逆順に解放する。
type components struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	db       *sql.DB
	cache    *cache.Cache
	registry *prometheus.Registry
	metrics  *metrics.Collector
	catalog  *locale.Catalog
	guard    security.EndpointGuard

	favorites     *repository.PostgresFavoriteRepo
	subscriptions *subscription.Service

	closers []func() error
}

// newComponents はDB接続とキャッシュを開き、共通の依存関係を組み立てる。
// REDIS_URLが未設定、または接続できない場合はキャッシュなしで動作する。
func newComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{
		cfg:    cfg,
		logger: logger,
		clock:  clock.Real{Location: cfg.Location},
		guard:  security.NewEndpointGuard(),
	}

	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.db = db
	c.closers = append(c.closers, db.Close)
	logger.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if cfg.RedisURL != "" {
		rc, err := cache.Open(ctx, cfg.RedisURL, cachePrefix)
		if err != nil {
			logger.Warn("Redisに接続できないためキャッシュなしで起動します",
				slog.String("error", err.Error()),
			)
		} else {
			c.cache = rc
			c.closers = append(c.closers, rc.Close)
		}
	}

	catalog, err := locale.NewCatalog(cfg.DefaultLocale)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to load message catalog: %w", err)
	}
	c.catalog = catalog

	c.registry = metrics.NewRegistry()
	c.metrics = metrics.NewCollector(c.registry)

	c.favorites = repository.NewPostgresFavoriteRepo(db)
	c.subscriptions = subscription.NewService(
		repository.NewPostgresPushSubscriptionRepo(db), c.guard, c.clock, logger,
	)
	return c, nil
}

// close は開いた資源を逆順に解放する。
func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warn("資源の解放に失敗しました", slog.String("error", err.Error()))
		}
	}
	c.closers = nil
}

// lookup は自治体APIクライアントを返す。キャッシュがあれば結果をキャッシュする。
func (c *components) lookup() zonefinder.RefreshingLookup {
	client := zonefinder.NewClient(
		&http.Client{Timeout: c.cfg.UpstreamTimeout},
		c.cfg.ZoneFinderBaseURL,
		c.cfg.UpstreamRatePerSec,
		c.clock,
		c.cfg.Location,
		c.logger,
		c.metrics,
	)
	if c.cache == nil {
		return client
	}
	return zonefinder.NewCachedLookup(
		client, c.cache,
		c.cfg.SearchCacheTTL, c.cfg.ScheduleCacheTTL,
		c.clock, c.cfg.Location, c.logger, c.metrics,
	)
}

// directDispatcher はその場でWeb Push送信するDispatcherを返す。
func (c *components) directDispatcher() *notify.DirectDispatcher {
	sender := push.NewSender(push.Config{
		Subscriber:      c.cfg.VAPIDSubject,
		VAPIDPublicKey:  c.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: c.cfg.VAPIDPrivateKey,
		TTL:             c.cfg.PushTTL,
	}, c.guard.NewSafeClient(c.cfg.PushTimeout), c.logger, c.metrics)

	return notify.NewDirectDispatcher(
		notify.NewBuilder(c.catalog, c.clock),
		sender,
		c.subscriptions,
		c.logger,
		c.metrics,
	)
}

// openQueue はRabbitMQへ接続し、交換機とキューを宣言したチャネルを返す。
func (c *components) openQueue() (*amqp.Channel, error) {
	conn, err := queue.Connect(c.cfg.RabbitMQURL, amqpRetries, amqpRetryDelay)
	if err != nil {
		return nil, err
	}
	ch, err := queue.OpenChannel(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.closers = append(c.closers, conn.Close, ch.Close)
	c.logger.Info("RabbitMQに接続しました", slog.String("queue", queue.QueueName))
	return ch, nil
}

// dispatcher はRABBITMQ_URLが設定されていればキューへ発行し、
// 未設定であればその場で送信するDispatcherを返す。
func (c *components) dispatcher() (eligibility.Dispatcher, error) {
	if c.cfg.RabbitMQURL == "" {
		return c.directDispatcher(), nil
	}
	ch, err := c.openQueue()
	if err != nil {
		return nil, err
	}
	return queue.NewDispatcher(ch, c.logger), nil
}

// engine は日次判定エンジンを返す。
// device方式は端末ごとのお気に入りストアを、server方式は購読に付随するキャッシュを参照する。
func (c *components) engine(dispatcher eligibility.Dispatcher) *eligibility.Engine {
	var source eligibility.RecipientSource
	if c.cfg.ReminderMode == config.ReminderModeServer {
		source = eligibility.NewCachedSource(c.subscriptions, c.subscriptions)
	} else {
		source = eligibility.NewDeviceSource(c.subscriptions, c.favorites, c.subscriptions, c.logger)
	}
	return eligibility.NewEngine(source, dispatcher, c.logger, c.metrics, c.cfg.PushMaxConcurrent)
}

// cleanupJob は保持期間を過ぎた購読を削除するジョブを返す。
func (c *components) cleanupJob() *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(c.subscriptions, c.logger, c.metrics)
	job.Retention = c.cfg.SubscriptionRetention()
	return job
}

// rateLimiter はRATE_LIMIT_GENERAL（req/min）を反映したRateLimiterを返す。
func (c *components) rateLimiter() *middleware.RateLimiter {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if n := c.cfg.RateLimitGeneral; n > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(n) / 60.0)
		rlCfg.GeneralBurst = n
	}
	return middleware.NewRateLimiter(rlCfg, c.logger)
}

// router はAPIサーバーのルーターを組み立てる。
func (c *components) router(rl *middleware.RateLimiter) (http.Handler, error) {
	lookup := c.lookup()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = c.cfg.UpstreamTimeout
	proxy, err := handler.NewZoneFinderProxy(c.cfg.ZoneFinderBaseURL, transport, c.logger)
	if err != nil {
		return nil, err
	}

	checks := map[string]handler.HealthChecker{"database": c.db}
	if c.cache != nil {
		checks["redis"] = handler.PingFunc(c.cache.Ping)
	}

	staticDir := c.cfg.StaticDir
	if staticDir != "" {
		if info, err := os.Stat(staticDir); err != nil || !info.IsDir() {
			c.logger.Warn("静的ファイルのディレクトリが見つからないため配信しません",
				slog.String("static_dir", staticDir),
			)
			staticDir = ""
		}
	}

	return handler.NewRouter(&handler.RouterDeps{
		Logger:            c.logger,
		CORSAllowedOrigin: c.cfg.CORSAllowedOrigin,
		RateLimiter:       rl,
		Lookup:            handler.NewLookupHandler(lookup, c.logger),
		Favorites: handler.NewFavoriteHandler(handler.FavoriteHandlerDeps{
			Stores:    c.favorites,
			Syncers:   c.subscriptions,
			Resolver:  lookup,
			Calendar:  calendar.NewGenerator(c.catalog, c.clock),
			Languages: c.catalog,
			Clock:     c.clock,
			Logger:    c.logger,
		}),
		Push:            handler.NewPushHandler(c.subscriptions, c.favorites, c.catalog, c.cfg.VAPIDPublicKey, c.logger),
		ZoneFinderProxy: proxy,
		Health:          handler.NewHealthHandler(checks, c.logger),
		Metrics:         metrics.Handler(c.registry),
		StaticDir:       staticDir,
	}), nil
}
