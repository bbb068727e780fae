package dedup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func TestSQLiteClaimSuppressesRepeat(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	c, err := Open(Config{TTL: time.Hour}, st, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	first, err := c.Claim(ctx, "order:o1:5")
	if err != nil || !first {
		t.Fatalf("first Claim = %v, %v", first, err)
	}
	again, err := c.Claim(ctx, "order:o1:5")
	if err != nil || again {
		t.Fatalf("repeat Claim = %v, %v; want false", again, err)
	}
	other, err := c.Claim(ctx, "order:o1:6")
	if err != nil || !other {
		t.Fatalf("other Claim = %v, %v", other, err)
	}
}

func TestOpenBackends(t *testing.T) {
	if _, err := Open(Config{}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite backend without store")
	}
	if _, err := Open(Config{Backend: "redis"}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for redis without addr")
	}
	if _, err := Open(Config{Backend: "memcached"}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	c, err := Open(Config{Backend: "off"}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("Open(off): %v", err)
	}
	if ok, _ := c.Claim(context.Background(), "k"); !ok {
		t.Fatal("off backend must never suppress")
	}
}

// Runs only when a Redis server is available.
func TestRedisClaim(t *testing.T) {
	addr := os.Getenv("NOTIFYD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NOTIFYD_TEST_REDIS_ADDR not set")
	}
	r, err := NewRedis(RedisConfig{Addr: addr, Prefix: "notifyd:test:"}, time.Minute, logx.Nop())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	key := fmt.Sprintf("order:o1:%d", time.Now().UnixNano())
	ctx := context.Background()
	if ok, err := r.Claim(ctx, key); err != nil || !ok {
		t.Fatalf("first Claim = %v, %v", ok, err)
	}
	if ok, err := r.Claim(ctx, key); err != nil || ok {
		t.Fatalf("repeat Claim = %v, %v; want false", ok, err)
	}
}
