package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, mr *miniredis.Miniredis, cfg Config) *FixedWindowLimiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := NewFixedWindowLimiter(client, cfg)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter
}

func TestFixedWindowLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := newLimiter(t, mr, Config{Prefix: "test:ratelimit", Limit: 2, Window: time.Minute})
	fixed := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	ctx := context.Background()

	if !limiter.Allow(ctx, "msg:1") {
		t.Fatalf("first event should pass")
	}
	if !limiter.Allow(ctx, "msg:1") {
		t.Fatalf("second event should pass")
	}
	if limiter.Allow(ctx, "msg:1") {
		t.Fatalf("third event should be blocked")
	}
	if !limiter.Allow(ctx, "msg:2") {
		t.Fatalf("other keys have their own quota")
	}

	fixed = fixed.Add(time.Minute)
	if !limiter.Allow(ctx, "msg:1") {
		t.Fatalf("next window should reset the quota")
	}
}

func TestFixedWindowLimiterSetsExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := newLimiter(t, mr, Config{Limit: 1, Window: time.Minute})
	limiter.now = func() time.Time { return time.UnixMilli(0) }
	limiter.Allow(context.Background(), "msg:9")

	key := "pairchat:ratelimit:msg:9:0"
	if !mr.Exists(key) {
		t.Fatalf("expected counter key %q, have %v", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestFixedWindowLimiterFailureModes(t *testing.T) {
	closed := miniredis.RunT(t)
	failClosed := newLimiter(t, closed, Config{Limit: 1, Window: time.Second})
	closed.Close()
	if failClosed.Allow(context.Background(), "msg:1") {
		t.Fatalf("limiter should fail closed on redis errors by default")
	}

	open := miniredis.RunT(t)
	failOpen := newLimiter(t, open, Config{Limit: 1, Window: time.Second, FailOpen: true})
	open.Close()
	if !failOpen.Allow(context.Background(), "msg:1") {
		t.Fatalf("fail-open limiter should admit on redis errors")
	}
}

func TestNewFixedWindowLimiterValidates(t *testing.T) {
	if _, err := NewFixedWindowLimiter(nil, Config{Limit: 1, Window: time.Second}); err == nil {
		t.Fatalf("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewFixedWindowLimiter(client, Config{Limit: 0, Window: time.Second}); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *FixedWindowLimiter
	if !l.Allow(context.Background(), "x") {
		t.Fatal("nil limiter should not restrict")
	}
}
