package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"pairchat/pkg/domain"
)

const (
	defaultMirrorPrefix = "pairchat:presence"
	defaultResync       = 30 * time.Second
	mirrorQueueSize     = 256
)

type MirrorConfig struct {
	Prefix string
	// Instance names this process. Each instance owns one set key.
	Instance string
	// Resync is how often the full online set is rewritten and its TTL refreshed.
	Resync time.Duration
}

type transition struct {
	user   domain.ID
	online bool
}

// RedisMirror publishes this process's online users to a Redis set so other
// processes can read cluster-wide presence. It observes a Registry and writes
// from a single goroutine started by Run.
type RedisMirror struct {
	client   redis.UniversalClient
	prefix   string
	key      string
	resync   time.Duration
	snapshot func() []domain.ID
	updates  chan transition
	dirty    atomic.Bool
}

// NewRedisMirror attaches a mirror to registry. Nothing is written until Run.
func NewRedisMirror(client redis.UniversalClient, registry *Registry, cfg MirrorConfig) *RedisMirror {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultMirrorPrefix
	}
	resync := cfg.Resync
	if resync <= 0 {
		resync = defaultResync
	}
	m := &RedisMirror{
		client:   client,
		prefix:   prefix,
		key:      fmt.Sprintf("%s:%s", prefix, cfg.Instance),
		resync:   resync,
		snapshot: registry.Online,
		updates:  make(chan transition, mirrorQueueSize),
	}
	registry.SetObserver(m)
	return m
}

func (m *RedisMirror) UserOnline(user domain.ID)  { m.enqueue(transition{user: user, online: true}) }
func (m *RedisMirror) UserOffline(user domain.ID) { m.enqueue(transition{user: user, online: false}) }

func (m *RedisMirror) enqueue(t transition) {
	select {
	case m.updates <- t:
	default:
		m.dirty.Store(true)
	}
}

// Key is the Redis set holding this instance's online users.
func (m *RedisMirror) Key() string { return m.key }

// Run applies transitions until ctx is cancelled, then removes the instance key.
func (m *RedisMirror) Run(ctx context.Context) error {
	m.rewrite(ctx)
	ticker := time.NewTicker(m.resync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := m.client.Del(cleanup, m.key).Err()
			cancel()
			return err
		case t := <-m.updates:
			m.apply(ctx, t)
		case <-ticker.C:
			m.rewrite(ctx)
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, t transition) {
	if m.dirty.Load() {
		m.rewrite(ctx)
		return
	}
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if t.online {
			pipe.SAdd(ctx, m.key, t.user.String())
			pipe.Expire(ctx, m.key, 3*m.resync)
		} else {
			pipe.SRem(ctx, m.key, t.user.String())
		}
		return nil
	})
	if err != nil {
		slog.Warn("presence mirror update failed", "user_id", t.user, "online", t.online, "err", err)
		m.dirty.Store(true)
	}
}

// rewrite replaces the set with the registry's current view and refreshes
// its TTL so a crashed instance's entry eventually disappears.
func (m *RedisMirror) rewrite(ctx context.Context) {
	m.dirty.Store(false)
	online := m.snapshot()
	members := make([]any, 0, len(online))
	for _, id := range online {
		members = append(members, id.String())
	}
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.key)
		if len(members) > 0 {
			pipe.SAdd(ctx, m.key, members...)
			pipe.Expire(ctx, m.key, 3*m.resync)
		}
		return nil
	})
	if err != nil {
		slog.Warn("presence mirror resync failed", "key", m.key, "err", err)
		m.dirty.Store(true)
	}
}

// ClusterOnline returns users online on any instance sharing this mirror's prefix.
func (m *RedisMirror) ClusterOnline(ctx context.Context) ([]domain.ID, error) {
	return ClusterOnline(ctx, m.client, m.prefix)
}

// ClusterOnline returns the union of every instance's online set under prefix.
func ClusterOnline(ctx context.Context, client redis.UniversalClient, prefix string) ([]domain.ID, error) {
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = defaultMirrorPrefix
	}
	var keys []string
	iter := client.Scan(ctx, 0, prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return []domain.ID{}, nil
	}
	members, err := client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("union presence sets: %w", err)
	}
	out := make([]domain.ID, 0, len(members))
	for _, raw := range members {
		if id, err := domain.ParseID(raw); err == nil {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
