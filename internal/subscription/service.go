// Package subscription はWeb Push購読の登録と管理を提供する。
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator"

	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/favorite"
	"github.com/hitoshi/binday/internal/model"
	"github.com/hitoshi/binday/internal/repository"
)

// EndpointValidator は購読のエンドポイントURLを検証する。
type EndpointValidator interface {
	ValidateEndpoint(rawURL string) error
}

// SubscribeRequest は購読登録の入力。
type SubscribeRequest struct {
	Endpoint string         `json:"endpoint" validate:"required,url,max=2048"`
	Keys     model.PushKeys `json:"keys" validate:"required"`
	DeviceID string         `json:"deviceId,omitempty" validate:"omitempty,uuid"`
	Locale   string         `json:"locale,omitempty" validate:"omitempty,max=35"`
}

// Service はプッシュ購読の登録簿。
// 購読の登録・解除・一覧と、端末から同期されたお気に入りキャッシュの更新を提供する。
type Service struct {
	repo     repository.PushSubscriptionRepository
	guard    EndpointValidator
	validate *validator.Validate
	clock    clock.Clock
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。guardはnilでもよい。
func NewService(
	repo repository.PushSubscriptionRepository,
	guard EndpointValidator,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:     repo,
		guard:    guard,
		validate: validator.New(),
		clock:    clk,
		logger:   logger,
	}
}

// Subscribe は購読を登録する。同じエンドポイントの購読があれば置き換え、日時を更新する。
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*model.PushSubscription, error) {
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if err := s.validate.Struct(req); err != nil {
		return nil, model.NewInvalidSubscriptionError(describeValidation(err))
	}
	if s.guard != nil {
		if err := s.guard.ValidateEndpoint(req.Endpoint); err != nil {
			return nil, model.NewInvalidSubscriptionError(err.Error())
		}
	}

	now := s.clock.Now()
	sub := &model.PushSubscription{
		Endpoint:  req.Endpoint,
		Keys:      req.Keys,
		DeviceID:  req.DeviceID,
		Locale:    req.Locale,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("購読の保存に失敗しました: %w", err)
	}

	s.logger.Info("プッシュ購読を登録しました",
		slog.String("device_id", sub.DeviceID),
		slog.String("locale", sub.Locale),
	)
	return sub, nil
}

// Remove はエンドポイントが一致する購読を削除する。存在しなくてもエラーにしない。
func (s *Service) Remove(ctx context.Context, endpoint string) error {
	removed, err := s.repo.DeleteByEndpoint(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	if removed {
		s.logger.Info("プッシュ購読を削除しました")
	}
	return nil
}

// List は全購読を返す。
func (s *Service) List(ctx context.Context) ([]model.PushSubscription, error) {
	subs, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	return subs, nil
}

// FindByDevice は端末の購読を返す。
func (s *Service) FindByDevice(ctx context.Context, deviceID string) ([]model.PushSubscription, error) {
	subs, err := s.repo.ListByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("端末の購読取得に失敗しました: %w", err)
	}
	return subs, nil
}

// UpdateFavorites は購読に付随するお気に入りキャッシュを置き換える。
func (s *Service) UpdateFavorites(ctx context.Context, endpoint string, favorites []model.FavoriteAddress) error {
	if err := s.repo.UpdateFavorites(ctx, endpoint, favorites); err != nil {
		return fmt.Errorf("購読のお気に入り更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteStale はolderThanより長く更新されていない購読を削除し、削除件数を返す。
func (s *Service) DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	before := s.clock.Now().Add(-olderThan)
	n, err := s.repo.DeleteUpdatedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("古い購読の削除に失敗しました: %w", err)
	}
	return n, nil
}

// DeviceSyncer は端末の全購読へお気に入り一覧を同期するRemoteSyncerを返す。
func (s *Service) DeviceSyncer(deviceID string) favorite.RemoteSyncer {
	return &deviceSyncer{svc: s, deviceID: deviceID}
}

type deviceSyncer struct {
	svc      *Service
	deviceID string
}

// SyncFavorites は端末の購読ごとにお気に入りキャッシュを更新する。購読がなければ何もしない。
func (d *deviceSyncer) SyncFavorites(ctx context.Context, favorites []model.FavoriteAddress) error {
	subs, err := d.svc.FindByDevice(ctx, d.deviceID)
	if err != nil {
		return err
	}
	var errs []error
	for _, sub := range subs {
		if err := d.svc.UpdateFavorites(ctx, sub.Endpoint, favorites); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// describeValidation はバリデーションエラーを項目名の一覧にする。
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(fields, ", ")
}
