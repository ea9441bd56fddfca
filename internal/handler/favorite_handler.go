package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/binday/internal/calendar"
	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/favorite"
	"github.com/hitoshi/binday/internal/middleware"
	"github.com/hitoshi/binday/internal/model"
)

// DeviceStores は端末IDごとのお気に入りストアを返す。
type DeviceStores interface {
	ForDevice(deviceID string) favorite.Store
}

// DeviceSyncers は端末の購読へお気に入りを同期するRemoteSyncerを返す。
type DeviceSyncers interface {
	DeviceSyncer(deviceID string) favorite.RemoteSyncer
}

// ScheduleResolver はキャッシュを使わずに住所の収集スケジュールを取り直す。
type ScheduleResolver interface {
	RefreshSchedule(ctx context.Context, addr string) (model.Schedule, error)
}

// CalendarGenerator はお気に入りのiCalendarを生成する。
type CalendarGenerator interface {
	Generate(fav model.FavoriteAddress, lang string) ([]byte, error)
}

// LanguageResolver はAccept-Languageから対応言語を選ぶ。
type LanguageResolver interface {
	Resolve(accept string) string
}

// FavoriteHandler は端末ごとのお気に入り管理のHTTPハンドラー。
// リクエストごとに端末のストアからSynchronizerを組み立てる。
type FavoriteHandler struct {
	stores    DeviceStores
	syncers   DeviceSyncers
	resolver  ScheduleResolver
	calendar  CalendarGenerator
	languages LanguageResolver
	clock     clock.Clock
	logger    *slog.Logger
}

// FavoriteHandlerDeps はFavoriteHandlerの依存関係。SyncersとResolverはnilでもよい。
type FavoriteHandlerDeps struct {
	Stores    DeviceStores
	Syncers   DeviceSyncers
	Resolver  ScheduleResolver
	Calendar  CalendarGenerator
	Languages LanguageResolver
	Clock     clock.Clock
	Logger    *slog.Logger
}

// NewFavoriteHandler はFavoriteHandlerを生成する。
func NewFavoriteHandler(deps FavoriteHandlerDeps) *FavoriteHandler {
	return &FavoriteHandler{
		stores:    deps.Stores,
		syncers:   deps.Syncers,
		resolver:  deps.Resolver,
		calendar:  deps.Calendar,
		languages: deps.Languages,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}
}

// saveFavoriteRequest はお気に入り保存リクエストのボディ。
// scheduleを省略した場合はサーバーで解決する。
type saveFavoriteRequest struct {
	Address  string         `json:"address"`
	Schedule model.Schedule `json:"schedule"`
}

// synchronizer は端末のSynchronizerを組み立てて読み込む。失敗時はエラーを書き込む。
func (h *FavoriteHandler) synchronizer(w http.ResponseWriter, r *http.Request) (*favorite.Synchronizer, bool) {
	id, ok := deviceID(w, r)
	if !ok {
		return nil, false
	}

	var remote favorite.RemoteSyncer
	if h.syncers != nil {
		remote = h.syncers.DeviceSyncer(id)
	}
	s := favorite.NewSynchronizer(h.stores.ForDevice(id), remote, h.clock, h.logger.With(slog.String("device_id", id)))
	if err := s.Load(r.Context()); err != nil {
		handleServiceError(w, h.logger, err, "")
		return nil, false
	}
	return s, true
}

// List は端末のお気に入り一覧を返す。
// GET /api/favorites
func (h *FavoriteHandler) List(w http.ResponseWriter, r *http.Request) {
	s, ok := h.synchronizer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.List())
}

// Save はお気に入りを保存する。同じ住所があれば置き換える。
// PUT /api/favorites
func (h *FavoriteHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req saveFavoriteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Address == "" {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("住所が指定されていません"))
		return
	}
	if len(req.Address) > maxQueryLen {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("住所が長すぎます"))
		return
	}

	s, ok := h.synchronizer(w, r)
	if !ok {
		return
	}

	// スケジュールを省略した保存は最新の予定で登録するため、キャッシュを取り直す
	sched := req.Schedule
	if sched == nil && h.resolver != nil {
		resolved, err := h.resolver.RefreshSchedule(r.Context(), req.Address)
		if err != nil {
			handleServiceError(w, h.logger, err, req.Address)
			return
		}
		sched = resolved
	}

	fav, err := s.Save(r.Context(), req.Address, sched)
	if err != nil {
		handleServiceError(w, h.logger, err, req.Address)
		return
	}
	writeJSON(w, http.StatusOK, fav)
}

// Delete はお気に入りを削除する。存在しなくても204を返す。
// DELETE /api/favorites/{address}
func (h *FavoriteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	s, ok := h.synchronizer(w, r)
	if !ok {
		return
	}
	if err := s.Delete(r.Context(), addr); err != nil {
		handleServiceError(w, h.logger, err, addr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Calendar はお気に入りの収集予定をiCalendar形式で返す。
// 言語はlangクエリ、なければAccept-Languageから決める。
// GET /api/favorites/{address}/calendar.ics
func (h *FavoriteHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	s, ok := h.synchronizer(w, r)
	if !ok {
		return
	}

	fav, found := s.Find(addr)
	if !found {
		middleware.WriteAPIError(w, model.NewFavoriteNotFoundError(addr))
		return
	}

	lang := r.URL.Query().Get("lang")
	if lang == "" && h.languages != nil {
		lang = h.languages.Resolve(r.Header.Get("Accept-Language"))
	}

	body, err := h.calendar.Generate(fav, lang)
	if err != nil {
		handleServiceError(w, h.logger, err, addr)
		return
	}

	w.Header().Set("Content-Type", calendar.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="collection-schedule.ics"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// addressParam はパスの住所を取り出す。
func addressParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "address")
	addr, err := url.PathUnescape(raw)
	if err != nil || addr == "" {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("住所が不正です"))
		return "", false
	}
	if len(addr) > maxQueryLen {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("住所が長すぎます"))
		return "", false
	}
	return addr, true
}
