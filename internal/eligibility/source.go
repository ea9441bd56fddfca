package eligibility

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/binday/internal/favorite"
	"github.com/hitoshi/binday/internal/model"
)

// SubscriptionLister はプッシュ購読の一覧を返す。
type SubscriptionLister interface {
	List(ctx context.Context) ([]model.PushSubscription, error)
}

// DeviceStores は端末IDごとのお気に入りストアを返す。
type DeviceStores interface {
	ForDevice(deviceID string) favorite.Store
}

// FavoritesCache は購読に付随するお気に入りのキャッシュを更新する。
type FavoritesCache interface {
	UpdateFavorites(ctx context.Context, endpoint string, favorites []model.FavoriteAddress) error
}

// DeviceSource は購読の端末IDに対応するお気に入りストアから通知先を構築する。
// 端末IDを持たない購読は購読に付随するキャッシュを使用する。
type DeviceSource struct {
	subs   SubscriptionLister
	stores DeviceStores
	cache  FavoritesCache
	logger *slog.Logger
}

// NewDeviceSource はDeviceSourceを生成する。
func NewDeviceSource(subs SubscriptionLister, stores DeviceStores, cache FavoritesCache, logger *slog.Logger) *DeviceSource {
	return &DeviceSource{subs: subs, stores: stores, cache: cache, logger: logger}
}

// Recipients は購読ごとの通知先を返す。
// 同じ端末の購読が複数ある場合、ストアの読み出しは1回にまとめ、
// 剪定の書き戻し先は端末の最初の通知先にだけ設定する。
// 読み出しに失敗した端末はログに記録して除外する。
func (s *DeviceSource) Recipients(ctx context.Context) ([]Recipient, error) {
	subs, err := s.subs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}

	type loaded struct {
		store   favorite.Store
		favs    []model.FavoriteAddress
		err     error
		claimed bool
	}
	byDevice := make(map[string]loaded)

	recipients := make([]Recipient, 0, len(subs))
	for _, sub := range subs {
		if sub.DeviceID == "" {
			recipients = append(recipients, cachedRecipient(sub, s.cache))
			continue
		}

		l, ok := byDevice[sub.DeviceID]
		if !ok {
			l.store = s.stores.ForDevice(sub.DeviceID)
			l.favs, l.err = l.store.ListAll(ctx)
			byDevice[sub.DeviceID] = l
		}
		if l.err != nil {
			s.logger.Error("端末のお気に入り読み出しに失敗しました",
				slog.String("device_id", sub.DeviceID),
				slog.String("error", l.err.Error()),
			)
			continue
		}
		r := Recipient{Subscription: sub, Favorites: l.favs}
		if !l.claimed {
			r.Store = l.store
			l.claimed = true
			byDevice[sub.DeviceID] = l
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}

// CachedSource は購読に付随するお気に入りのキャッシュから通知先を構築する。
// 剪定結果はキャッシュに書き戻す。
type CachedSource struct {
	subs  SubscriptionLister
	cache FavoritesCache
}

// NewCachedSource はCachedSourceを生成する。
func NewCachedSource(subs SubscriptionLister, cache FavoritesCache) *CachedSource {
	return &CachedSource{subs: subs, cache: cache}
}

// Recipients は購読ごとの通知先を返す。
func (s *CachedSource) Recipients(ctx context.Context) ([]Recipient, error) {
	subs, err := s.subs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	recipients := make([]Recipient, 0, len(subs))
	for _, sub := range subs {
		recipients = append(recipients, cachedRecipient(sub, s.cache))
	}
	return recipients, nil
}

func cachedRecipient(sub model.PushSubscription, cache FavoritesCache) Recipient {
	return Recipient{
		Subscription: sub,
		Favorites:    sub.Favorites,
		Store:        NewCachedStore(sub.Endpoint, sub.Favorites, cache),
	}
}

// CachedStore は購読に付随するお気に入りのキャッシュをfavorite.Storeとして扱う。
// 変更のたびに一覧全体をキャッシュへ書き戻す。
type CachedStore struct {
	endpoint string
	mem      *favorite.MemoryStore
	cache    FavoritesCache
}

// NewCachedStore はCachedStoreを生成する。
func NewCachedStore(endpoint string, initial []model.FavoriteAddress, cache FavoritesCache) *CachedStore {
	return &CachedStore{
		endpoint: endpoint,
		mem:      favorite.NewMemoryStore(initial),
		cache:    cache,
	}
}

// Upsert はキャッシュ内のお気に入りを置き換え、一覧全体を書き戻す。
func (s *CachedStore) Upsert(ctx context.Context, fav model.FavoriteAddress) error {
	if err := s.mem.Upsert(ctx, fav); err != nil {
		return err
	}
	return s.flush(ctx)
}

// Delete はキャッシュからお気に入りを削除し、一覧全体を書き戻す。
func (s *CachedStore) Delete(ctx context.Context, key string) error {
	if err := s.mem.Delete(ctx, key); err != nil {
		return err
	}
	return s.flush(ctx)
}

// ListAll はキャッシュ内のお気に入りを返す。
func (s *CachedStore) ListAll(ctx context.Context) ([]model.FavoriteAddress, error) {
	return s.mem.ListAll(ctx)
}

func (s *CachedStore) flush(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	all, err := s.mem.ListAll(ctx)
	if err != nil {
		return err
	}
	if err := s.cache.UpdateFavorites(ctx, s.endpoint, all); err != nil {
		return fmt.Errorf("購読のお気に入りキャッシュ更新に失敗しました: %w", err)
	}
	return nil
}

var _ favorite.Store = (*CachedStore)(nil)
