// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, lookup, storage, push, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeLookupUnavailable   = "LOOKUP_UNAVAILABLE"
	ErrCodeParseFailure        = "PARSE_FAILURE"
	ErrCodeStorageFull         = "STORAGE_FULL"
	ErrCodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeInvalidDevice       = "INVALID_DEVICE"
	ErrCodeInvalidSubscription = "INVALID_SUBSCRIPTION"
	ErrCodeFavoriteNotFound    = "FAVORITE_NOT_FOUND"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// ドメインエラー。呼び出し側はerrors.Isで判定する。
var (
	// ErrLookupUnavailable は自治体の住所・ゾーン検索APIに到達できない、または異常応答を返したことを示す。
	ErrLookupUnavailable = errors.New("住所検索サービスを利用できません")
	// ErrParseFailure は検索結果からカレンダーリンクや収集データを取り出せなかったことを示す。
	ErrParseFailure = errors.New("収集スケジュールを解析できませんでした")
	// ErrStorageFailure はお気に入りストアの書き込み・読み出し失敗全般を示す。
	ErrStorageFailure = errors.New("ストレージ操作に失敗しました")
	// ErrStorageFull はストレージ容量不足を示す。errors.Is(err, ErrStorageFailure)も真になる。
	ErrStorageFull error = &storageError{msg: "ストレージの容量が不足しています"}
	// ErrStorageUnavailable はストレージに接続できないことを示す。errors.Is(err, ErrStorageFailure)も真になる。
	ErrStorageUnavailable error = &storageError{msg: "ストレージを利用できません"}
)

type storageError struct {
	msg string
}

func (e *storageError) Error() string { return e.msg }

// Is はErrStorageFailureとの比較を真にする。
func (e *storageError) Is(target error) bool {
	return target == ErrStorageFailure
}

// DeliveryError はWeb Push配送の失敗を表す。
// Permanentが真の場合は購読が無効（404/410）であり、購読を削除すべきことを示す。
type DeliveryError struct {
	StatusCode int
	Permanent  bool
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *DeliveryError) Error() string {
	kind := "一時的"
	if e.Permanent {
		kind = "恒久的"
	}
	if e.Err != nil {
		return fmt.Sprintf("プッシュ配送に失敗しました（%s, status=%d）: %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("プッシュ配送に失敗しました（%s, status=%d）", kind, e.StatusCode)
}

// Unwrap は原因エラーを返す。
func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanentDelivery はerrが恒久的な配送失敗を含むかどうかを返す。
func IsPermanentDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// UndeliveredError は一部の通知意図を配送できなかったことを表す。
// Intentsには送信できなかった通知意図だけが入る。
type UndeliveredError struct {
	Intents []NotificationIntent
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *UndeliveredError) Error() string {
	return fmt.Sprintf("%d件の通知を配送できませんでした: %v", len(e.Intents), e.Err)
}

// Unwrap は原因エラーを返す。
func (e *UndeliveredError) Unwrap() error { return e.Err }

// NewLookupUnavailableError は住所検索サービス障害エラーを生成する。
func NewLookupUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeLookupUnavailable,
		Message:  "住所検索サービスに接続できませんでした。",
		Category: "lookup",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewParseFailureError はスケジュール解析失敗エラーを生成する。
func NewParseFailureError(addr string) *APIError {
	return &APIError{
		Code:     ErrCodeParseFailure,
		Message:  fmt.Sprintf("指定された住所の収集スケジュールが見つかりませんでした: %s", addr),
		Category: "lookup",
		Action:   "検索候補から住所を選び直してください。",
	}
}

// NewStorageFullError はストレージ容量不足エラーを生成する。
func NewStorageFullError() *APIError {
	return &APIError{
		Code:     ErrCodeStorageFull,
		Message:  "お気に入りを保存する容量がありません。",
		Category: "storage",
		Action:   "不要なお気に入りを削除してから再度お試しください。",
	}
}

// NewStorageUnavailableError はストレージ接続失敗エラーを生成する。
func NewStorageUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStorageUnavailable,
		Message:  "お気に入りの保存先に接続できませんでした。",
		Category: "storage",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError は不正なリクエストエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidDeviceError は端末ID不正エラーを生成する。
func NewInvalidDeviceError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDevice,
		Message:  "端末IDが指定されていないか、形式が不正です。",
		Category: "validation",
		Action:   "X-Device-IDヘッダーにUUIDを指定してください。",
	}
}

// NewInvalidSubscriptionError はプッシュ購読情報の不正エラーを生成する。
func NewInvalidSubscriptionError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSubscription,
		Message:  fmt.Sprintf("プッシュ購読情報が不正です: %s", reason),
		Category: "push",
		Action:   "ブラウザの通知設定を確認し、再度購読してください。",
	}
}

// NewFavoriteNotFoundError はお気に入り未検出エラーを生成する。
func NewFavoriteNotFoundError(addr string) *APIError {
	return &APIError{
		Code:     ErrCodeFavoriteNotFound,
		Message:  fmt.Sprintf("指定されたお気に入りが見つかりません: %s", addr),
		Category: "validation",
		Action:   "お気に入り一覧を再読み込みしてください。",
	}
}
