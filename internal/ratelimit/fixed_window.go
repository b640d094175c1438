package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

const defaultPrefix = "pairchat:ratelimit"

// Config configures a FixedWindowLimiter.
type Config struct {
	Prefix string
	Limit  int
	Window time.Duration
	// FailOpen admits requests when Redis is unreachable. The default is to reject.
	FailOpen bool
}

// FixedWindowLimiter limits events per key in a fixed time window shared
// through Redis, so every chat instance counts against the same quota.
type FixedWindowLimiter struct {
	client   redis.UniversalClient
	prefix   string
	limit    int
	window   time.Duration
	failOpen bool
	now      func() time.Time
}

// NewFixedWindowLimiter creates a Redis-backed limiter on an existing client.
func NewFixedWindowLimiter(client redis.UniversalClient, cfg Config) (*FixedWindowLimiter, error) {
	if client == nil {
		return nil, errors.New("rate limiter requires a redis client")
	}
	if cfg.Limit <= 0 || cfg.Window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &FixedWindowLimiter{
		client:   client,
		prefix:   prefix,
		limit:    cfg.Limit,
		window:   cfg.Window,
		failOpen: cfg.FailOpen,
		now:      time.Now,
	}, nil
}

// Allow reports whether key is within quota for the current window.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		slog.Warn("rate limiter unavailable", "key", key, "fail_open", l.failOpen, "err", err)
		return l.failOpen
	}
	return count <= int64(l.limit)
}

// Limit returns the per-window quota.
func (l *FixedWindowLimiter) Limit() int { return l.limit }

// Window returns the window length.
func (l *FixedWindowLimiter) Window() time.Duration { return l.window }
