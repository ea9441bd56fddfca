package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthTimeout は依存先1件あたりの確認時間の上限。
const healthTimeout = 2 * time.Second

// HealthChecker は依存先への疎通を確認する。*sql.DBが満たし、それ以外はPingFuncで包む。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// PingFunc は関数をHealthCheckerとして扱う。
type PingFunc func(ctx context.Context) error

// PingContext はfを呼び出す。
func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// NewHealthHandler は依存先の疎通結果を返すハンドラーを生成する。
// いずれかが失敗した場合は503を返す。
func NewHealthHandler(checks map[string]HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			err := c.PingContext(ctx)
			cancel()
			if err != nil {
				status = http.StatusServiceUnavailable
				results[name] = "unavailable"
				logger.Warn("ヘルスチェックに失敗しました",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]any{"status": overall, "checks": results})
	}
}
