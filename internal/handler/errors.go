package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/binday/internal/favorite"
	"github.com/hitoshi/binday/internal/middleware"
	"github.com/hitoshi/binday/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。スケジュール1年分でも十分に収まる。
const maxBodyBytes = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvへデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("JSONを解析できません"))
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPレスポンスに変換する。
// subjectはエラーメッセージに含める対象（住所など）。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error, subject string) {
	if apiErr := toAPIError(err, subject); apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	logger.Error("内部エラーが発生しました", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// toAPIError はドメインエラーをAPIErrorに変換する。対応するものがなければnilを返す。
func toAPIError(err error, subject string) *model.APIError {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, model.ErrLookupUnavailable), errors.Is(err, context.DeadlineExceeded):
		return model.NewLookupUnavailableError()
	case errors.Is(err, model.ErrParseFailure):
		return model.NewParseFailureError(subject)
	case errors.Is(err, model.ErrStorageFull):
		return model.NewStorageFullError()
	case errors.Is(err, model.ErrStorageFailure):
		return model.NewStorageUnavailableError()
	case errors.Is(err, favorite.ErrEmptyAddress):
		return model.NewInvalidRequestError("住所が指定されていません")
	default:
		return nil
	}
}

// deviceID はコンテキストの端末IDを返す。端末ミドルウェアの外で呼ばれた場合は400を書き込む。
func deviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := middleware.DeviceIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewInvalidDeviceError())
		return "", false
	}
	return id, true
}
