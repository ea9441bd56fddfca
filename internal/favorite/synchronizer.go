// Package favorite はお気に入り住所の管理を提供する。
// メモリ上のコレクションと永続ストアの整合を保ち、
// プッシュ購読があればサーバー側のキャッシュにもベストエフォートで同期する。
package favorite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hitoshi/binday/internal/address"
	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/model"
)

// ErrEmptyAddress は住所が空の場合のエラー。
var ErrEmptyAddress = errors.New("住所が指定されていません")

// Store はお気に入りの永続ストア。
// 書き込み失敗はmodel.ErrStorageFull / model.ErrStorageUnavailableでラップして返す。
type Store interface {
	// Upsert は住所キーが一致するお気に入りを丸ごと置き換える。存在しなければ追加する。
	Upsert(ctx context.Context, fav model.FavoriteAddress) error
	// Delete は住所キーに一致するお気に入りを削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, key string) error
	// ListAll は保存済みのお気に入りをすべて返す。
	ListAll(ctx context.Context) ([]model.FavoriteAddress, error)
}

// RemoteSyncer はお気に入り一覧をサーバー側へ同期する。
// 有効な購読がない場合は何もせずnilを返す。
type RemoteSyncer interface {
	SyncFavorites(ctx context.Context, favorites []model.FavoriteAddress) error
}

// Synchronizer はメモリ上のお気に入りコレクションを所有し、
// 保存・削除のたびにストアへ先に書き込んでからメモリを更新する。
type Synchronizer struct {
	store  Store
	remote RemoteSyncer
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	favorites []model.FavoriteAddress
}

// NewSynchronizer はSynchronizerを生成する。remoteはnilでもよい。
func NewSynchronizer(store Store, remote RemoteSyncer, clk clock.Clock, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		store:  store,
		remote: remote,
		clock:  clk,
		logger: logger,
	}
}

// Load はストアの内容からメモリ上のコレクションを再構築する。
// ストアに同じ住所キーが複数存在した場合は最終更新が新しいものを残す。
func (s *Synchronizer) Load(ctx context.Context) error {
	favs, err := s.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("お気に入りの読み込みに失敗しました: %w", err)
	}

	byKey := make(map[string]int, len(favs))
	loaded := make([]model.FavoriteAddress, 0, len(favs))
	for _, f := range favs {
		if i, ok := byKey[f.Key()]; ok {
			if f.LastUpdated.After(loaded[i].LastUpdated) {
				loaded[i] = f
			}
			continue
		}
		byKey[f.Key()] = len(loaded)
		loaded = append(loaded, f)
	}

	s.mu.Lock()
	s.favorites = loaded
	s.mu.Unlock()
	return nil
}

// Save はお気に入りを保存する。
//  1. lastUpdatedを現在時刻としてお気に入りを構築する
//  2. ストアへUpsertする（失敗時はメモリを変更せずエラーを返す）
//  3. メモリ上の同じ住所キーのエントリを置き換える（なければ追加）
//  4. リモート同期を試みる（失敗はログのみ）
func (s *Synchronizer) Save(ctx context.Context, addr string, sched model.Schedule) (model.FavoriteAddress, error) {
	cleaned := address.Clean(addr)
	if cleaned == "" {
		return model.FavoriteAddress{}, ErrEmptyAddress
	}
	if sched == nil {
		sched = model.NewSchedule()
	}

	fav := model.FavoriteAddress{
		Address:     cleaned,
		Schedule:    sched.Normalize(),
		LastUpdated: s.clock.Now(),
	}

	if err := s.store.Upsert(ctx, fav); err != nil {
		return model.FavoriteAddress{}, fmt.Errorf("お気に入りの保存に失敗しました: %w", err)
	}

	s.mu.Lock()
	key := fav.Key()
	idx := slices.IndexFunc(s.favorites, func(f model.FavoriteAddress) bool { return f.Key() == key })
	if idx >= 0 {
		s.favorites[idx] = fav
	} else {
		s.favorites = append(s.favorites, fav)
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.syncRemote(ctx, snapshot)
	return fav.Clone(), nil
}

// Delete は住所キーでお気に入りを削除する。ストアを先に更新し、その後メモリから除去する。
// 存在しない住所の削除はエラーにしない。
func (s *Synchronizer) Delete(ctx context.Context, addr string) error {
	key := address.Key(addr)
	if key == "" {
		return ErrEmptyAddress
	}

	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("お気に入りの削除に失敗しました: %w", err)
	}

	s.mu.Lock()
	before := len(s.favorites)
	s.favorites = slices.DeleteFunc(s.favorites, func(f model.FavoriteAddress) bool { return f.Key() == key })
	changed := len(s.favorites) != before
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.syncRemote(ctx, snapshot)
	}
	return nil
}

// List はメモリ上のお気に入りのコピーを返す。
func (s *Synchronizer) List() []model.FavoriteAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Find は住所キーに一致するお気に入りを返す。
func (s *Synchronizer) Find(addr string) (model.FavoriteAddress, bool) {
	key := address.Key(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.favorites {
		if f.Key() == key {
			return f.Clone(), true
		}
	}
	return model.FavoriteAddress{}, false
}

func (s *Synchronizer) snapshotLocked() []model.FavoriteAddress {
	out := make([]model.FavoriteAddress, len(s.favorites))
	for i, f := range s.favorites {
		out[i] = f.Clone()
	}
	return out
}

func (s *Synchronizer) syncRemote(ctx context.Context, favs []model.FavoriteAddress) {
	if s.remote == nil {
		return
	}
	if err := s.remote.SyncFavorites(ctx, favs); err != nil {
		s.logger.Warn("お気に入りのリモート同期に失敗しました",
			slog.Int("favorite_count", len(favs)),
			slog.String("error", err.Error()),
		)
	}
}
