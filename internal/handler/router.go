package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/binday/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	Lookup    *LookupHandler
	Favorites *FavoriteHandler
	Push      *PushHandler

	// ZoneFinderProxy がnilの場合は/api/ZoneFinder/*を公開しない。
	ZoneFinderProxy http.Handler
	Health          http.Handler
	Metrics         http.Handler
	// StaticDir が空の場合は静的ファイルを配信しない。
	StaticDir string
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (API) OptionalDevice/Device → RateLimit
//
// /health と /metrics はレート制限の外に置く。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	if deps.Health != nil {
		r.Method(http.MethodGet, "/health", deps.Health)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// --- 端末を問わないAPI ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOptionalDeviceMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/vapidPublicKey", deps.Push.VAPIDPublicKey)
		r.Post("/api/subscribe", deps.Push.Subscribe)
		r.Delete("/api/subscribe", deps.Push.Unsubscribe)

		// 自治体APIへ中継するルートは検索系のレート制限も適用する
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.LookupMiddleware())
			r.Get("/api/search", deps.Lookup.Search)
			r.Get("/api/schedule", deps.Lookup.Schedule)

			if deps.ZoneFinderProxy != nil {
				r.Method(http.MethodGet, "/api/ZoneFinder/*", deps.ZoneFinderProxy)
				r.Method(http.MethodPost, "/api/ZoneFinder/*", deps.ZoneFinderProxy)
			}
		})
	})

	if deps.ZoneFinderProxy != nil {
		r.HandleFunc("/ZoneFinder/*", RedirectToProxy)
	}

	// --- 端末ごとのAPI ---
	// ミドルウェアスタック: Device → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewDeviceMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/favorites", func(r chi.Router) {
			r.Get("/", deps.Favorites.List)
			r.Put("/", deps.Favorites.Save)
			r.Route("/{address}", func(r chi.Router) {
				r.Delete("/", deps.Favorites.Delete)
				r.Get("/calendar.ics", deps.Favorites.Calendar)
			})
		})
	})

	if deps.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(deps.StaticDir)))
	}

	return r
}
