package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/binday/internal/middleware"
	"github.com/hitoshi/binday/internal/model"
	"github.com/hitoshi/binday/internal/subscription"
)

// SubscriptionRegistry はプッシュ購読の登録簿。
type SubscriptionRegistry interface {
	Subscribe(ctx context.Context, req subscription.SubscribeRequest) (*model.PushSubscription, error)
	Remove(ctx context.Context, endpoint string) error
	UpdateFavorites(ctx context.Context, endpoint string, favorites []model.FavoriteAddress) error
}

// PushHandler はVAPID公開鍵の配布とプッシュ購読のHTTPハンドラー。
type PushHandler struct {
	registry       SubscriptionRegistry
	stores         DeviceStores
	languages      LanguageResolver
	vapidPublicKey string
	logger         *slog.Logger
}

// NewPushHandler はPushHandlerを生成する。storesとlanguagesはnilでもよい。
func NewPushHandler(registry SubscriptionRegistry, stores DeviceStores, languages LanguageResolver, vapidPublicKey string, logger *slog.Logger) *PushHandler {
	return &PushHandler{
		registry:       registry,
		stores:         stores,
		languages:      languages,
		vapidPublicKey: vapidPublicKey,
		logger:         logger,
	}
}

// subscribeRequest は購読登録リクエストのボディ。
// subscriptionはブラウザのPushSubscription.toJSON()そのもの。
type subscribeRequest struct {
	Subscription *struct {
		Endpoint string         `json:"endpoint"`
		Keys     model.PushKeys `json:"keys"`
	} `json:"subscription"`
	DeviceID string `json:"deviceId"`
	Locale   string `json:"locale"`
}

// unsubscribeRequest は購読解除リクエストのボディ。
type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// VAPIDPublicKey はVAPID公開鍵をテキストで返す。
// GET /api/vapidPublicKey
func (h *PushHandler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(h.vapidPublicKey))
}

// Subscribe はプッシュ購読を登録する。同じエンドポイントの購読は置き換える。
// 端末IDはボディ、なければX-Device-IDヘッダーから取る。
// 端末のお気に入りがあれば購読のキャッシュへ反映する。
// POST /api/subscribe
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var body subscribeRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Subscription == nil || strings.TrimSpace(body.Subscription.Endpoint) == "" {
		middleware.WriteAPIError(w, model.NewInvalidSubscriptionError("subscriptionが指定されていません"))
		return
	}

	req := subscription.SubscribeRequest{
		Endpoint: body.Subscription.Endpoint,
		Keys:     body.Subscription.Keys,
		DeviceID: body.DeviceID,
		Locale:   body.Locale,
	}
	if req.DeviceID == "" {
		req.DeviceID, _ = middleware.DeviceIDFromContext(r.Context())
	}
	if req.Locale == "" && h.languages != nil {
		req.Locale = h.languages.Resolve(r.Header.Get("Accept-Language"))
	}

	sub, err := h.registry.Subscribe(r.Context(), req)
	if err != nil {
		handleServiceError(w, h.logger, err, "")
		return
	}

	h.seedFavorites(r.Context(), sub)
	writeJSON(w, http.StatusCreated, map[string]string{"message": "購読を登録しました"})
}

// seedFavorites は端末のお気に入りを購読のキャッシュへコピーする。失敗はログのみ。
func (h *PushHandler) seedFavorites(ctx context.Context, sub *model.PushSubscription) {
	if h.stores == nil || sub.DeviceID == "" {
		return
	}
	favs, err := h.stores.ForDevice(sub.DeviceID).ListAll(ctx)
	if err == nil {
		err = h.registry.UpdateFavorites(ctx, sub.Endpoint, favs)
	}
	if err != nil {
		h.logger.Warn("購読へのお気に入り反映に失敗しました",
			slog.String("device_id", sub.DeviceID),
			slog.String("error", err.Error()),
		)
	}
}

// Unsubscribe はプッシュ購読を削除する。存在しなくても204を返す。
// DELETE /api/subscribe
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var body unsubscribeRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	endpoint := strings.TrimSpace(body.Endpoint)
	if endpoint == "" {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("endpointが指定されていません"))
		return
	}

	if err := h.registry.Remove(r.Context(), endpoint); err != nil {
		handleServiceError(w, h.logger, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
