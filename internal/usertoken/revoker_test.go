package usertoken

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryRevoker(t *testing.T) {
	r := NewMemoryRevoker()
	ctx := context.Background()
	if err := r.Revoke(ctx, "tok-a", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := r.IsRevoked(ctx, "tok-a"); !ok {
		t.Fatalf("expected tok-a revoked")
	}
	if ok, _ := r.IsRevoked(ctx, "tok-b"); ok {
		t.Fatalf("tok-b should not be revoked")
	}
	if err := r.Revoke(ctx, "tok-c", 0); err != nil {
		t.Fatalf("revoke expired: %v", err)
	}
	if ok, _ := r.IsRevoked(ctx, "tok-c"); ok {
		t.Fatalf("already-expired token should not be stored")
	}
}

func TestRedisRevokerStoresHashOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedisRevoker(client, "test:revoked")
	ctx := context.Background()

	if err := r.Revoke(ctx, "secret-token", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, err := r.IsRevoked(ctx, "secret-token"); err != nil || !ok {
		t.Fatalf("expected revoked, ok=%v err=%v", ok, err)
	}
	for _, key := range mr.Keys() {
		if strings.Contains(key, "secret-token") {
			t.Fatalf("raw token leaked into key %q", key)
		}
	}
	mr.FastForward(2 * time.Minute)
	if ok, _ := r.IsRevoked(ctx, "secret-token"); ok {
		t.Fatalf("revocation should expire with the token")
	}
}
