// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/binday/internal/model"
)

// DeviceIDHeader は端末IDを運ぶリクエストヘッダー名。
const DeviceIDHeader = "X-Device-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// deviceIDContextKey はリクエストコンテキストに端末IDを格納するためのキー。
var deviceIDContextKey = contextKey("device_id")

// errNoDeviceID はコンテキストに端末IDがないことを示す。
var errNoDeviceID = errors.New("コンテキストに端末IDがありません")

// NewDeviceMiddleware はX-Device-IDヘッダーの端末IDを検証し、
// 正規化した値をリクエストコンテキストに注入するミドルウェアを返す。
// ヘッダーがない、またはUUIDでない場合は400 INVALID_DEVICEを返す。
func NewDeviceMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, ok := parseDeviceID(r.Header.Get(DeviceIDHeader))
			if !ok {
				WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidDeviceError())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithDeviceID(r.Context(), deviceID)))
		})
	}
}

// NewOptionalDeviceMiddleware は有効な端末IDがあればコンテキストに注入し、
// なければそのまま次へ渡すミドルウェアを返す。
// 端末を問わないルートでもログとレート制限のキーに端末IDを使うためのもの。
func NewOptionalDeviceMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if deviceID, ok := parseDeviceID(r.Header.Get(DeviceIDHeader)); ok {
				r = r.WithContext(ContextWithDeviceID(r.Context(), deviceID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseDeviceID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return "", false
	}
	return id.String(), true
}

// DeviceIDFromContext はリクエストコンテキストから端末IDを取得する。
// 端末ミドルウェアを通過したリクエストでのみ有効。
func DeviceIDFromContext(ctx context.Context) (string, error) {
	deviceID, ok := ctx.Value(deviceIDContextKey).(string)
	if !ok || deviceID == "" {
		return "", errNoDeviceID
	}
	return deviceID, nil
}

// ContextWithDeviceID はコンテキストに端末IDを注入する。
func ContextWithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDContextKey, deviceID)
}
