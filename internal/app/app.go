package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/binday/internal/config"
	"github.com/hitoshi/binday/internal/database"
	"github.com/hitoshi/binday/internal/logger"
	"github.com/hitoshi/binday/internal/push"
	"github.com/hitoshi/binday/internal/queue"
	"github.com/hitoshi/binday/internal/trigger"
)

const (
	defaultServerPort = "1002"
	shutdownTimeout   = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを作り直す
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信すると停止する。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// 設定を必要としないサブコマンドはフル初期化をスキップする
	if !cmd.needsConfig() {
		if cmd == CommandVAPIDKeys {
			return runVAPIDKeys(w)
		}
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = defaultServerPort
		}
		return runHealthcheck(port)
	}

	var action MigrateAction
	if cmd == CommandMigrate {
		a, err := ParseMigrateAction(args)
		if err != nil {
			return err
		}
		action = a
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	log := slog.Default()

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("reminder_mode", cfg.ReminderMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, log)
	case CommandSender:
		return runSender(ctx, cfg, log)
	case CommandMigrate:
		return runMigrate(w, cfg, log, action)
	case CommandCheck:
		return runCheck(ctx, cfg, log)
	default:
		return runServe(ctx, cfg, log)
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	rl := c.rateLimiter()
	defer rl.Stop()

	router, err := c.router(rl)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// 自治体APIの中継を含むため上流のタイムアウトより長くする
		WriteTimeout: cfg.UpstreamTimeout*3 + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 日次判定のスケジューラと購読クリーンアップジョブを実行し、
// コンテキストがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	dispatcher, err := c.dispatcher()
	if err != nil {
		return err
	}
	engine := c.engine(dispatcher)

	daily := trigger.New(trigger.Config{
		Mode:     trigger.Mode(cfg.ReminderMode),
		Hour:     cfg.ReminderHour,
		Grace:    cfg.ReminderGrace,
		Location: cfg.Location,
	}, func(ctx context.Context, now time.Time) error {
		_, err := engine.RunDailyCheck(ctx, now)
		return err
	}, c.clock, log)

	go c.cleanupJob().Start(ctx, cleanupInterval)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	daily.Start(ctx)

	log.Info("worker stopped gracefully")
	return nil
}

// runSender はリマインダーキューを消費してWeb Pushを送信する。
// ブローカーとの接続が切れた場合はエラーを返し、コンテナの再起動に任せる。
func runSender(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.RabbitMQURL == "" {
		return errors.New("sender requires RABBITMQ_URL")
	}

	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	ch, err := c.openQueue()
	if err != nil {
		return err
	}

	consumer := queue.NewConsumer(ch, c.directDispatcher(), log, cfg.PushMaxConcurrent)
	if err := consumer.Run(ctx); err != nil {
		return fmt.Errorf("sender stopped: %w", err)
	}

	log.Info("sender stopped gracefully")
	return nil
}

// runCheck は日次判定を現在時刻で1回実行し、結果をログに出力する。
func runCheck(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	dispatcher, err := c.dispatcher()
	if err != nil {
		return err
	}

	report, err := c.engine(dispatcher).RunDailyCheck(ctx, c.clock.Now())
	if err != nil {
		return fmt.Errorf("daily check failed: %w", err)
	}

	log.Info("daily check finished",
		slog.Int("recipients", report.Recipients),
		slog.Int("intents", report.Intents),
		slog.Int("pruned_favorites", report.PrunedFavorites),
		slog.Int("store_failures", report.StoreFailures),
		slog.Int("dispatch_failures", report.DispatchFailures),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// upは未適用分をすべて適用し、downは直近の1つを戻し、versionは現在のバージョンをwに出力する。
func runMigrate(w io.Writer, cfg *config.Config, log *slog.Logger, action MigrateAction) error {
	log.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackOne(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		log.Info("rolled back one database migration")
	case MigrateVersion:
		version, dirty, err := database.Version(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		_, err = fmt.Fprintf(w, "version=%d dirty=%t\n", version, dirty)
		return err
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		log.Info("database migrations completed successfully")
	}
	return nil
}

// runVAPIDKeys はVAPID鍵ペアを生成し、環境変数の形式でwに出力する。
func runVAPIDKeys(w io.Writer) error {
	publicKey, privateKey, err := push.GenerateKeys()
	if err != nil {
		return fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	_, err = fmt.Fprintf(w, "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", publicKey, privateKey)
	return err
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
