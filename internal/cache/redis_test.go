package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testValue struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := Open(context.Background(), "redis://"+mr.Addr()+"/0", "binday:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCache_SetAndGet(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	want := testValue{Name: "garbage", Count: 3}
	if err := c.Set(ctx, "k1", want, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if !mr.Exists("binday:k1") {
		t.Error("プレフィックス付きのキーで保存されるべき")
	}

	var got testValue
	found, err := c.Get(ctx, "k1", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || got != want {
		t.Errorf("Get = (%v, %+v), want (true, %+v)", found, got, want)
	}
}

func TestCache_GetNotFound(t *testing.T) {
	c, _ := setupTestCache(t)

	var got testValue
	found, err := c.Get(context.Background(), "missing", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("存在しないキーはfalseを返すべき")
	}
}

func TestCache_Expires(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "ttl", testValue{Name: "x"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	var got testValue
	found, err := c.Get(ctx, "ttl", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("TTL経過後は見つからないべき")
	}
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", "v", time.Minute)
	if err := c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	var got string
	if found, _ := c.Get(ctx, "k", &got); found {
		t.Error("削除したキーは見つからないべき")
	}
}

func TestCache_GetInvalidJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(client, "")
	t.Cleanup(func() { _ = c.Close() })

	if err := mr.Set("bad", "not-json"); err != nil {
		t.Fatalf("miniredis Set: %v", err)
	}
	var got testValue
	found, err := c.Get(context.Background(), "bad", &got)
	if found || err == nil {
		t.Errorf("不正なJSONはエラーになるべき: found=%v err=%v", found, err)
	}
}

func TestOpen_InvalidURL(t *testing.T) {
	if _, err := Open(context.Background(), "://bad", ""); err == nil {
		t.Error("不正なURLはエラーになるべき")
	}
}

func TestOpen_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Open(ctx, "redis://127.0.0.1:1/0", ""); err == nil {
		t.Error("接続できないRedisはエラーになるべき")
	}
}
