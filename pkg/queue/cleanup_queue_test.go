package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, cfg CleanupConfig) (*CleanupQueue, *redis.Client) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if cfg.Stream == "" {
		cfg.Stream = "test:cleanup"
	}
	cfg.Group = "test-group"
	cfg.Consumer = "consumer-1"
	cfg.Block = 20 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	q, err := NewCleanupQueue(client, cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, client
}

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(key string, call int) error
}

func (r *recorder) handle(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[key]++
	if r.fail != nil {
		return r.fail(key, r.calls[key])
	}
	return nil
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func runQueue(t *testing.T, q *CleanupQueue, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestCleanupQueueRetriesUntilSuccess(t *testing.T) {
	q, client := newTestQueue(t, CleanupConfig{})
	rec := &recorder{fail: func(key string, call int) error {
		if call == 1 {
			return errors.New("transient")
		}
		return nil
	}}
	ctx := context.Background()
	if err := q.Enqueue(ctx, "attachments/1/a.png"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runQueue(t, q, rec.handle)

	waitFor(t, func() bool { return rec.count("attachments/1/a.png") == 2 })
	waitFor(t, func() bool {
		n, err := client.XLen(ctx, q.stream).Result()
		return err == nil && n == 0
	})
}

func TestCleanupQueueGivesUpAfterMaxRetries(t *testing.T) {
	q, client := newTestQueue(t, CleanupConfig{MaxRetries: 2})
	rec := &recorder{fail: func(string, int) error { return errors.New("down") }}
	ctx := context.Background()
	if err := q.Enqueue(ctx, "k"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runQueue(t, q, rec.handle)

	waitFor(t, func() bool {
		n, err := client.XLen(ctx, q.stream).Result()
		return err == nil && n == 0 && rec.count("k") >= 2
	})
	time.Sleep(50 * time.Millisecond)
	if got := rec.count("k"); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestCleanupQueueRejectsEmptyKey(t *testing.T) {
	q, _ := newTestQueue(t, CleanupConfig{})
	if err := q.Enqueue(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestCleanupQueueRequeueAndAckSuccess(t *testing.T) {
	q, client, ctx, msgID := newPendingMessage(t)

	if err := q.requeueAndAck(ctx, msgID, "k", 1); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}
	pending, err := client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["key"] != "k" || got.Values["attempts"] != "1" {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestCleanupQueueRequeueFailureKeepsPendingMessage(t *testing.T) {
	q, client, ctx, msgID := newPendingMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, "k", 1); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}
	pending, err := client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
	streamLen, err := client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func newPendingMessage(t *testing.T) (*CleanupQueue, *redis.Client, context.Context, string) {
	t.Helper()
	q, client := newTestQueue(t, CleanupConfig{})
	ctx := context.Background()
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.Enqueue(ctx, "k"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, client, ctx, streams[0].Messages[0].ID
}
