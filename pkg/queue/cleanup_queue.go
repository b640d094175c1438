package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CleanupConfig configures a CleanupQueue.
type CleanupConfig struct {
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
}

// CleanupQueue is a Redis stream of attachment keys whose objects should be
// deleted. Keys are retried until the handler succeeds or MaxRetries is hit.
// Entries left pending by a crashed consumer are reclaimed after ClaimIdle.
type CleanupQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	once         sync.Once
}

// Handler deletes the object stored under key.
type Handler func(ctx context.Context, key string) error

func NewCleanupQueue(client redis.UniversalClient, cfg CleanupConfig) (*CleanupQueue, error) {
	if client == nil {
		return nil, errors.New("cleanup queue requires a redis client")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "pairchat:attachments:cleanup"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "chat"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	return &CleanupQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
	}, nil
}

// Enqueue schedules key for deletion.
func (q *CleanupQueue) Enqueue(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("cleanup key required")
	}
	return q.add(ctx, q.client, key, 0)
}

func (q *CleanupQueue) add(ctx context.Context, c redis.Cmdable, key string, attempts int) error {
	return c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"key":      key,
			"attempts": strconv.Itoa(attempts),
		},
	}).Err()
}

// Run consumes the stream until ctx is cancelled.
func (q *CleanupQueue) Run(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	consumer := q.consumerBase
	for {
		if ctx.Err() != nil {
			return nil
		}
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("cleanup queue read failed", "stream", q.stream, "err", err)
				q.sleep(ctx, q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *CleanupQueue) ensureGroup(ctx context.Context) error {
	var err error
	q.once.Do(func() {
		err = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			err = nil
		}
	})
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *CleanupQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *CleanupQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	key, _ := msg.Values["key"].(string)
	if key == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	attempts := 0
	if raw, ok := msg.Values["attempts"].(string); ok {
		attempts, _ = strconv.Atoi(raw)
	}
	attempts++
	err := handler(ctx, key)
	if err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if attempts >= q.maxRetries {
		slog.Error("attachment cleanup abandoned", "key", key, "attempts", attempts, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	slog.Warn("attachment cleanup failed, retrying", "key", key, "attempts", attempts, "err", err)
	q.sleep(ctx, q.retryDelay)
	if err := q.requeueAndAck(ctx, msg.ID, key, attempts); err != nil {
		slog.Warn("attachment cleanup requeue failed", "key", key, "err", err)
	}
}

func (q *CleanupQueue) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (q *CleanupQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck moves a failed entry to the tail atomically. On error the
// original stays pending and is reclaimed later.
func (q *CleanupQueue) requeueAndAck(ctx context.Context, msgID, key string, attempts int) error {
	pipe := q.client.TxPipeline()
	if err := q.add(ctx, pipe, key, attempts); err != nil {
		return err
	}
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}
