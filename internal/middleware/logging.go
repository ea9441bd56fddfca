package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// responseRecorder は応答のステータスコードと本文のバイト数を記録する。
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

// Unwrap はhttp.ResponseControllerのために元のWriterを返す。
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

func (rr *responseRecorder) code() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// NewLoggingMiddleware はリクエストごとにJSON構造化ログを1行出力するミドルウェアを返す。
//
// chiのルートに一致した場合はパスの代わりにルートパターン（route）を記録する。
// パスやクエリ文字列には住所が入りうるため、パターンが取れない場合のみpathを出す。
// クエリ文字列は一切出力しない。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			status := rec.code()
			attrs := make([]slog.Attr, 0, 6)
			attrs = append(attrs, slog.String("method", r.Method))
			if route := routePattern(r); route != "" {
				attrs = append(attrs, slog.String("route", route))
			} else {
				attrs = append(attrs, slog.String("path", r.URL.Path))
			}
			attrs = append(attrs,
				slog.Int("status", status),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			)

			// 端末ミドルウェアは内側で新しいコンテキストを作るため、ヘッダーも見る
			if id, err := DeviceIDFromContext(r.Context()); err == nil {
				attrs = append(attrs, slog.String("device_id", id))
			} else if id, ok := parseDeviceID(r.Header.Get(DeviceIDHeader)); ok {
				attrs = append(attrs, slog.String("device_id", id))
			}

			logger.LogAttrs(r.Context(), levelForStatus(status), "http_request", attrs...)
		})
	}
}

// routePattern はchiが一致させたルートパターンを返す。ワイルドカードのみの場合は空文字。
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	pattern := rctx.RoutePattern()
	if pattern == "" || pattern == "/*" {
		return ""
	}
	return pattern
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
