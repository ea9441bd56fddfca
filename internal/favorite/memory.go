package favorite

import (
	"context"
	"slices"
	"sync"

	"github.com/hitoshi/binday/internal/model"
)

// MemoryStore はメモリ上で完結するStore実装。
// 購読に同期されたお気に入りのキャッシュを編集する際の作業領域としても使用する。
type MemoryStore struct {
	mu        sync.Mutex
	favorites []model.FavoriteAddress
}

// NewMemoryStore は初期値を複製してMemoryStoreを生成する。
func NewMemoryStore(initial []model.FavoriteAddress) *MemoryStore {
	m := &MemoryStore{}
	for _, f := range initial {
		m.favorites = append(m.favorites, f.Clone())
	}
	return m
}

// Upsert は住所キーが一致するエントリを置き換え、なければ追加する。
func (m *MemoryStore) Upsert(_ context.Context, fav model.FavoriteAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fav.Key()
	idx := slices.IndexFunc(m.favorites, func(f model.FavoriteAddress) bool { return f.Key() == key })
	if idx >= 0 {
		m.favorites[idx] = fav.Clone()
		return nil
	}
	m.favorites = append(m.favorites, fav.Clone())
	return nil
}

// Delete は住所キーが一致するエントリを削除する。
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.favorites = slices.DeleteFunc(m.favorites, func(f model.FavoriteAddress) bool { return f.Key() == key })
	return nil
}

// ListAll は全エントリのコピーを返す。
func (m *MemoryStore) ListAll(_ context.Context) ([]model.FavoriteAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.FavoriteAddress, len(m.favorites))
	for i, f := range m.favorites {
		out[i] = f.Clone()
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
