package subscription

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/model"
)

// --- モック ---

// memRepo はエンドポイントをキーにしたメモリ上のPushSubscriptionRepository。
type memRepo struct {
	subs      []model.PushSubscription
	upsertErr error
	deleteErr error
	updateErr error
	staleFn   func(before time.Time) (int64, error)
}

func (m *memRepo) Upsert(_ context.Context, sub *model.PushSubscription) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	for i, s := range m.subs {
		if s.Endpoint == sub.Endpoint {
			next := *sub
			next.Favorites = s.Favorites
			m.subs[i] = next
			return nil
		}
	}
	m.subs = append(m.subs, *sub)
	return nil
}

func (m *memRepo) DeleteByEndpoint(_ context.Context, endpoint string) (bool, error) {
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	before := len(m.subs)
	m.subs = slices.DeleteFunc(m.subs, func(s model.PushSubscription) bool { return s.Endpoint == endpoint })
	return len(m.subs) != before, nil
}

func (m *memRepo) List(context.Context) ([]model.PushSubscription, error) {
	return slices.Clone(m.subs), nil
}

func (m *memRepo) ListByDeviceID(_ context.Context, deviceID string) ([]model.PushSubscription, error) {
	var out []model.PushSubscription
	for _, s := range m.subs {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memRepo) UpdateFavorites(_ context.Context, endpoint string, favs []model.FavoriteAddress) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	for i, s := range m.subs {
		if s.Endpoint == endpoint {
			m.subs[i].Favorites = favs
		}
	}
	return nil
}

func (m *memRepo) DeleteUpdatedBefore(_ context.Context, before time.Time) (int64, error) {
	if m.staleFn != nil {
		return m.staleFn(before)
	}
	return 0, nil
}

type mockGuard struct {
	validateFn func(rawURL string) error
}

func (m *mockGuard) ValidateEndpoint(rawURL string) error {
	if m.validateFn != nil {
		return m.validateFn(rawURL)
	}
	return nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var testNow = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

const testDeviceID = "3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f"

func validRequest(endpoint string) SubscribeRequest {
	return SubscribeRequest{
		Endpoint: endpoint,
		Keys:     model.PushKeys{P256dh: "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM", Auth: "tBHItJI5svbpez7KI4CCXg"},
		DeviceID: testDeviceID,
		Locale:   "en",
	}
}

func newTestService(repo *memRepo, guard EndpointValidator, buf *bytes.Buffer) *Service {
	return NewService(repo, guard, clock.Fixed{T: testNow}, newTestLogger(buf))
}

// --- テスト ---

func TestSubscribe_Success(t *testing.T) {
	var buf bytes.Buffer
	repo := &memRepo{}
	svc := newTestService(repo, &mockGuard{}, &buf)

	sub, err := svc.Subscribe(context.Background(), validRequest("https://push.example.com/a"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !sub.CreatedAt.Equal(testNow) || !sub.UpdatedAt.Equal(testNow) {
		t.Errorf("timestamps = %v / %v, want %v", sub.CreatedAt, sub.UpdatedAt, testNow)
	}
	if len(repo.subs) != 1 {
		t.Fatalf("len(subs) = %d, want 1", len(repo.subs))
	}
	if strings.Contains(buf.String(), "push.example.com/a") {
		t.Error("エンドポイントがログに出力されています")
	}
}

func TestSubscribe_DeduplicatesByEndpoint(t *testing.T) {
	var buf bytes.Buffer
	repo := &memRepo{}
	svc := newTestService(repo, nil, &buf)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, validRequest("https://push.example.com/a")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	favs := []model.FavoriteAddress{{Address: "123 Main St", Schedule: model.NewSchedule()}}
	if err := svc.UpdateFavorites(ctx, "https://push.example.com/a", favs); err != nil {
		t.Fatalf("UpdateFavorites: %v", err)
	}

	again := validRequest("https://push.example.com/a")
	again.Locale = "fr"
	if _, err := svc.Subscribe(ctx, again); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := svc.Subscribe(ctx, validRequest("https://push.example.com/b")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(subs))
	}
	if subs[0].Locale != "fr" {
		t.Errorf("Locale = %q, want fr", subs[0].Locale)
	}
	if len(subs[0].Favorites) != 1 {
		t.Error("再登録でお気に入りキャッシュが失われています")
	}
}

func TestSubscribe_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *SubscribeRequest)
	}{
		{name: "エンドポイントなし", mutate: func(r *SubscribeRequest) { r.Endpoint = "" }},
		{name: "URLでない", mutate: func(r *SubscribeRequest) { r.Endpoint = "not a url" }},
		{name: "p256dhなし", mutate: func(r *SubscribeRequest) { r.Keys.P256dh = "" }},
		{name: "authなし", mutate: func(r *SubscribeRequest) { r.Keys.Auth = "" }},
		{name: "端末IDがUUIDでない", mutate: func(r *SubscribeRequest) { r.DeviceID = "device-1" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			repo := &memRepo{}
			svc := newTestService(repo, nil, &buf)

			req := validRequest("https://push.example.com/a")
			tt.mutate(&req)
			_, err := svc.Subscribe(context.Background(), req)

			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidSubscription {
				t.Fatalf("error = %v, want INVALID_SUBSCRIPTION", err)
			}
			if len(repo.subs) != 0 {
				t.Error("不正な購読が保存されています")
			}
		})
	}
}

func TestSubscribe_GuardRejects(t *testing.T) {
	var buf bytes.Buffer
	repo := &memRepo{}
	guard := &mockGuard{validateFn: func(string) error { return errors.New("内部ホストは指定できません") }}
	svc := newTestService(repo, guard, &buf)

	_, err := svc.Subscribe(context.Background(), validRequest("https://push.internal/a"))
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidSubscription {
		t.Fatalf("error = %v, want INVALID_SUBSCRIPTION", err)
	}
	if !strings.Contains(apiErr.Message, "内部ホスト") {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestSubscribe_StorageError(t *testing.T) {
	var buf bytes.Buffer
	repo := &memRepo{upsertErr: model.ErrStorageUnavailable}
	svc := newTestService(repo, nil, &buf)

	_, err := svc.Subscribe(context.Background(), validRequest("https://push.example.com/a"))
	if !errors.Is(err, model.ErrStorageUnavailable) {
		t.Errorf("error = %v, want ErrStorageUnavailable", err)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	repo := &memRepo{}
	svc := newTestService(repo, nil, &buf)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, validRequest("https://push.example.com/a")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for range 2 {
		if err := svc.Remove(ctx, "https://push.example.com/a"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
	}
	if len(repo.subs) != 0 {
		t.Errorf("len(subs) = %d, want 0", len(repo.subs))
	}
}

func TestRemove_Error(t *testing.T) {
	var buf bytes.Buffer
	repo := &memRepo{deleteErr: model.ErrStorageUnavailable}
	svc := newTestService(repo, nil, &buf)

	if err := svc.Remove(context.Background(), "https://push.example.com/a"); !errors.Is(err, model.ErrStorageFailure) {
		t.Errorf("error = %v, want ErrStorageFailure", err)
	}
}

func TestDeleteStale(t *testing.T) {
	var buf bytes.Buffer
	var gotBefore time.Time
	repo := &memRepo{staleFn: func(before time.Time) (int64, error) {
		gotBefore = before
		return 3, nil
	}}
	svc := newTestService(repo, nil, &buf)

	n, err := svc.DeleteStale(context.Background(), 180*24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteStale: %v", err)
	}
	if n != 3 {
		t.Errorf("n = %d, want 3", n)
	}
	if want := testNow.AddDate(0, 0, -180); !gotBefore.Equal(want) {
		t.Errorf("before = %v, want %v", gotBefore, want)
	}
}

func TestDeviceSyncer(t *testing.T) {
	var buf bytes.Buffer
	repo := &memRepo{}
	svc := newTestService(repo, nil, &buf)
	ctx := context.Background()

	for _, ep := range []string{"https://push.example.com/a", "https://push.example.com/b"} {
		if _, err := svc.Subscribe(ctx, validRequest(ep)); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	other := validRequest("https://push.example.com/c")
	other.DeviceID = "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d"
	if _, err := svc.Subscribe(ctx, other); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	favs := []model.FavoriteAddress{{Address: "123 Main St", Schedule: model.NewSchedule()}}
	if err := svc.DeviceSyncer(testDeviceID).SyncFavorites(ctx, favs); err != nil {
		t.Fatalf("SyncFavorites: %v", err)
	}

	for _, s := range repo.subs {
		want := 0
		if s.DeviceID == testDeviceID {
			want = 1
		}
		if len(s.Favorites) != want {
			t.Errorf("%s: len(Favorites) = %d, want %d", s.Endpoint, len(s.Favorites), want)
		}
	}
}

func TestDeviceSyncer_NoSubscriptions(t *testing.T) {
	var buf bytes.Buffer
	repo := &memRepo{updateErr: errors.New("呼ばれてはいけない")}
	svc := newTestService(repo, nil, &buf)

	if err := svc.DeviceSyncer(testDeviceID).SyncFavorites(context.Background(), nil); err != nil {
		t.Errorf("SyncFavorites: %v", err)
	}
}
