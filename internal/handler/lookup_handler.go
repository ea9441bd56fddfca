package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/binday/internal/middleware"
	"github.com/hitoshi/binday/internal/model"
)

// maxQueryLen は検索文字列と住所の最大長。
const maxQueryLen = 200

// AddressLookup は住所検索と収集スケジュール解決のインターフェース。
type AddressLookup interface {
	Search(ctx context.Context, query string) ([]model.Candidate, error)
	ResolveSchedule(ctx context.Context, addr string) (model.Schedule, error)
}

// LookupHandler は住所検索とスケジュール取得のHTTPハンドラー。
type LookupHandler struct {
	lookup AddressLookup
	logger *slog.Logger
}

// NewLookupHandler はLookupHandlerを生成する。
func NewLookupHandler(lookup AddressLookup, logger *slog.Logger) *LookupHandler {
	return &LookupHandler{lookup: lookup, logger: logger}
}

// Search は住所候補を返す。
// GET /api/search?q=
func (h *LookupHandler) Search(w http.ResponseWriter, r *http.Request) {
	q, ok := queryParam(w, r, "q")
	if !ok {
		return
	}

	candidates, err := h.lookup.Search(r.Context(), q)
	if err != nil {
		handleServiceError(w, h.logger, err, q)
		return
	}
	if candidates == nil {
		candidates = []model.Candidate{}
	}
	writeJSON(w, http.StatusOK, candidates)
}

// Schedule は住所の収集スケジュールを返す。
// GET /api/schedule?address=
func (h *LookupHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	addr, ok := queryParam(w, r, "address")
	if !ok {
		return
	}

	sched, err := h.lookup.ResolveSchedule(r.Context(), addr)
	if err != nil {
		handleServiceError(w, h.logger, err, addr)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// queryParam は必須のクエリパラメーターを取り出す。空または長すぎる場合は400を書き込む。
func queryParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	switch {
	case v == "":
		middleware.WriteAPIError(w, model.NewInvalidRequestError(name+"が指定されていません"))
		return "", false
	case len(v) > maxQueryLen:
		middleware.WriteAPIError(w, model.NewInvalidRequestError(name+"が長すぎます"))
		return "", false
	}
	return v, true
}
