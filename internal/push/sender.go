// Package push はVAPID認証付きのWeb Push配送を提供する。
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/hitoshi/binday/internal/model"
)

// DefaultTTL はプッシュサービスがメッセージを保持する秒数（12時間）。
const DefaultTTL = 43200

// Config はVAPID鍵と配送オプション。
type Config struct {
	Subscriber      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	TTL             int
}

// MetricsRecorder は配送結果を記録する。
type MetricsRecorder interface {
	RecordDelivery(outcome string)
}

// Sender はWeb Pushメッセージを送信する。
type Sender struct {
	cfg        Config
	httpClient webpush.HTTPClient
	logger     *slog.Logger
	metrics    MetricsRecorder
}

// NewSender はSenderを生成する。httpClientにはSSRF防止済みのクライアントを渡す。
// metricsはnilでもよい。
func NewSender(cfg Config, httpClient *http.Client, logger *slog.Logger, metrics MetricsRecorder) *Sender {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Sender{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
	}
}

// Send はpayloadを暗号化して購読のエンドポイントへ送信する。
// 失敗時は*model.DeliveryErrorを返し、404/410の場合はPermanentが真になる。
func (s *Sender) Send(ctx context.Context, sub model.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Keys.Auth,
			P256dh: sub.Keys.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      s.httpClient,
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             s.cfg.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		s.metrics.RecordDelivery(OutcomeTransient.String())
		return &model.DeliveryError{Err: fmt.Errorf("プッシュサービスへの送信に失敗しました: %w", err)}
	}
	defer resp.Body.Close()

	outcome := ClassifyStatus(resp.StatusCode)
	s.metrics.RecordDelivery(outcome.String())
	if outcome == OutcomeDelivered {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	s.logger.Warn("プッシュサービスがエラーステータスを返しました",
		slog.String("endpoint_host", endpointHost(sub.Endpoint)),
		slog.Int("http_status", resp.StatusCode),
		slog.String("outcome", outcome.String()),
	)

	var cause error
	if msg := strings.TrimSpace(string(detail)); msg != "" {
		cause = errors.New(msg)
	}
	return &model.DeliveryError{
		StatusCode: resp.StatusCode,
		Permanent:  outcome == OutcomePermanent,
		Err:        cause,
	}
}

// GenerateKeys はVAPID鍵ペアを生成する。
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("VAPID鍵の生成に失敗しました: %w", err)
	}
	return publicKey, privateKey, nil
}

// endpointHost はログ出力用にエンドポイントのホスト部分のみを返す。
// エンドポイントのパスは購読ごとの秘密情報を含むため出力しない。
func endpointHost(endpoint string) string {
	rest, ok := strings.CutPrefix(endpoint, "https://")
	if !ok {
		rest, _ = strings.CutPrefix(endpoint, "http://")
	}
	host, _, _ := strings.Cut(rest, "/")
	return host
}

type nopMetrics struct{}

func (nopMetrics) RecordDelivery(string) {}
