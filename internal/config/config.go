package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"
)

// リマインダー方式。
const (
	ReminderModeDevice = "device"
	ReminderModeServer = "server"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Web Push
	VAPIDPublicKey    string
	VAPIDPrivateKey   string
	VAPIDSubject      string
	PushTimeout       time.Duration
	PushTTL           int
	PushMaxConcurrent int

	// ZoneFinder
	ZoneFinderBaseURL  string
	UpstreamTimeout    time.Duration
	UpstreamRatePerSec float64

	// Cache
	RedisURL         string
	SearchCacheTTL   time.Duration
	ScheduleCacheTTL time.Duration

	// Queue
	RabbitMQURL string

	// Reminder
	ReminderMode  string
	ReminderHour  int
	ReminderGrace time.Duration
	Location      *time.Location

	// Retention
	SubscriptionRetentionDays int

	// Rate Limit
	RateLimitGeneral int

	// Server
	ServerPort        string
	StaticDir         string
	CORSAllowedOrigin string
	DefaultLocale     string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や、値が解釈できない場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	if cfg.VAPIDPublicKey == "" {
		missing = append(missing, "VAPID_PUBLIC_KEY")
	}

	cfg.VAPIDPrivateKey = os.Getenv("VAPID_PRIVATE_KEY")
	if cfg.VAPIDPrivateKey == "" {
		missing = append(missing, "VAPID_PRIVATE_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.VAPIDSubject = getEnvString("VAPID_SUBJECT", "mailto:admin@example.com")
	cfg.PushTimeout = getEnvDuration("PUSH_TIMEOUT", 10*time.Second)
	cfg.PushTTL = getEnvInt("PUSH_TTL", 43200)
	cfg.PushMaxConcurrent = getEnvInt("PUSH_MAX_CONCURRENT", 10)
	cfg.ZoneFinderBaseURL = getEnvString("ZONEFINDER_BASE_URL", "https://apps.london.ca")
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second)
	cfg.UpstreamRatePerSec = getEnvFloat("UPSTREAM_RATE_PER_SEC", 5)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.SearchCacheTTL = getEnvDuration("SEARCH_CACHE_TTL", 24*time.Hour)
	cfg.ScheduleCacheTTL = getEnvDuration("SCHEDULE_CACHE_TTL", 12*time.Hour)
	cfg.RabbitMQURL = os.Getenv("RABBITMQ_URL")
	cfg.ReminderGrace = getEnvDuration("REMINDER_GRACE", 4*time.Hour)
	cfg.SubscriptionRetentionDays = getEnvInt("SUBSCRIPTION_RETENTION_DAYS", 180)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "1002")
	cfg.StaticDir = getEnvString("STATIC_DIR", "public")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")
	cfg.DefaultLocale = getEnvString("DEFAULT_LOCALE", "en")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.ReminderMode = getEnvString("REMINDER_MODE", ReminderModeDevice)
	switch cfg.ReminderMode {
	case ReminderModeDevice:
		cfg.ReminderHour = getEnvInt("REMINDER_HOUR", 18)
	case ReminderModeServer:
		cfg.ReminderHour = getEnvInt("REMINDER_HOUR", 22)
	default:
		return nil, fmt.Errorf("REMINDER_MODE must be %q or %q: %q", ReminderModeDevice, ReminderModeServer, cfg.ReminderMode)
	}
	if cfg.ReminderHour < 0 || cfg.ReminderHour > 23 {
		return nil, fmt.Errorf("REMINDER_HOUR must be between 0 and 23: %d", cfg.ReminderHour)
	}

	tz := getEnvString("TIMEZONE", "America/Toronto")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}
	cfg.Location = loc

	return cfg, nil
}

// SubscriptionRetention は購読を保持する期間を返す。
func (c *Config) SubscriptionRetention() time.Duration {
	return time.Duration(c.SubscriptionRetentionDays) * 24 * time.Hour
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
