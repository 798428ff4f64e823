package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/groundwork/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the Streams-backed queue.
type RedisOptions struct {
	Stream   string
	Group    string
	Consumer string
	Workers  int
	Count    int64
	Block    time.Duration
	// MinIdle is how long a delivered but unacknowledged message waits
	// before another consumer may claim it.
	MinIdle     time.Duration
	MaxAttempts int64
}

// DefaultRedisOptions returns sensible defaults.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Stream:      "groundwork:finalize",
		Group:       "personalization",
		Consumer:    "worker",
		Workers:     2,
		Count:       10,
		Block:       2 * time.Second,
		MinIdle:     30 * time.Second,
		MaxAttempts: 5,
	}
}

// RedisQueue is a Redis Stream read through a consumer group. Messages are
// XACKed only after the handler succeeds; failed or orphaned deliveries are
// reclaimed with XAUTOCLAIM once idle for MinIdle.
type RedisQueue struct {
	rdb    *redis.Client
	opts   RedisOptions
	logger *zap.Logger
	once   sync.Once
}

// NewRedisQueue connects to redisURL and ensures the consumer group exists.
func NewRedisQueue(ctx context.Context, redisURL string, opts RedisOptions, logger *zap.Logger) (*RedisQueue, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q := NewRedisQueueFromClient(rdb, opts, logger)
	if err := q.ensureGroup(ctx); err != nil {
		rdb.Close()
		return nil, err
	}
	return q, nil
}

// NewRedisQueueFromClient wraps an existing client. Call Consume or Publish
// only after the group exists; Consume creates it if needed.
func NewRedisQueueFromClient(rdb *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisQueue {
	def := DefaultRedisOptions()
	if opts.Stream == "" {
		opts.Stream = def.Stream
	}
	if opts.Group == "" {
		opts.Group = def.Group
	}
	if opts.Consumer == "" {
		opts.Consumer = def.Consumer
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.Count <= 0 {
		opts.Count = def.Count
	}
	if opts.Block <= 0 {
		opts.Block = def.Block
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = def.MinIdle
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	return &RedisQueue{rdb: rdb, opts: opts, logger: logger}
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.opts.Group, err)
	}
	return nil
}

// Publish appends msg to the stream.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	if msg.Attempt == 0 {
		msg.Attempt = 1
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]interface{}{
			"kind": msg.Kind,
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.opts.Stream, err)
	}
	metrics.QueueMessage(msg.Kind, "published")
	q.logger.Debug("published message",
		zap.String("id", msg.ID),
		zap.String("kind", msg.Kind),
		zap.String("owner", msg.OwnerID))
	return nil
}

// Consume runs Workers consumers in the group until ctx is done.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d", q.opts.Consumer, i)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, consumer, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (q *RedisQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.opts.Stream,
			Group:    q.opts.Group,
			Consumer: consumer,
			MinIdle:  q.opts.MinIdle,
			Start:    "0-0",
			Count:    q.opts.Count,
		}).Result()
		if err != nil && !isStopErr(err) && !errors.Is(err, redis.Nil) {
			q.logger.Warn("xautoclaim failed", zap.String("consumer", consumer), zap.Error(err))
		}
		for _, m := range claimed {
			q.deliver(ctx, handler, m, true)
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: consumer,
			Streams:  []string{q.opts.Stream, ">"},
			Count:    q.opts.Count,
			Block:    q.opts.Block,
		}).Result()
		if err != nil {
			if isStopErr(err) {
				return
			}
			if !errors.Is(err, redis.Nil) {
				q.logger.Warn("xreadgroup failed", zap.String("consumer", consumer), zap.Error(err))
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				q.deliver(ctx, handler, m, false)
			}
		}
	}
}

func (q *RedisQueue) deliver(ctx context.Context, handler Handler, xm redis.XMessage, reclaimed bool) {
	data, _ := xm.Values["data"].(string)
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		q.logger.Error("discarding undecodable message", zap.String("stream_id", xm.ID), zap.Error(err))
		q.ack(ctx, xm.ID)
		return
	}

	if reclaimed {
		retries := q.retryCount(ctx, xm.ID)
		msg.Attempt = int(retries)
		if retries > q.opts.MaxAttempts {
			metrics.QueueMessage(msg.Kind, "dead")
			q.logger.Error("dropping message after max attempts",
				zap.String("id", msg.ID),
				zap.String("kind", msg.Kind),
				zap.Int64("attempts", retries))
			q.ack(ctx, xm.ID)
			return
		}
	}

	if err := handler(ctx, msg); err != nil {
		metrics.QueueMessage(msg.Kind, "retried")
		q.logger.Warn("message handler failed, left pending",
			zap.String("id", msg.ID),
			zap.String("kind", msg.Kind),
			zap.Error(err))
		return
	}
	q.ack(ctx, xm.ID)
	metrics.QueueMessage(msg.Kind, "acked")
}

func (q *RedisQueue) ack(ctx context.Context, id string) {
	if err := q.rdb.XAck(ctx, q.opts.Stream, q.opts.Group, id).Err(); err != nil {
		q.logger.Warn("xack failed", zap.String("stream_id", id), zap.Error(err))
	}
}

func (q *RedisQueue) retryCount(ctx context.Context, id string) int64 {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.opts.Stream,
		Group:  q.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

// Depth is the number of entries not yet acknowledged by the group.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	p, err := q.rdb.XPending(ctx, q.opts.Stream, q.opts.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", q.opts.Stream, err)
	}
	lag, err := q.groupLag(ctx)
	if err != nil {
		return int(p.Count), nil
	}
	metrics.QueueDepth("redis", int(p.Count+lag))
	return int(p.Count + lag), nil
}

func (q *RedisQueue) groupLag(ctx context.Context) (int64, error) {
	groups, err := q.rdb.XInfoGroups(ctx, q.opts.Stream).Result()
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if g.Name == q.opts.Group {
			return g.Lag, nil
		}
	}
	return 0, nil
}

// Ping checks the connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (q *RedisQueue) Close() error {
	var err error
	q.once.Do(func() { err = q.rdb.Close() })
	return err
}

func isStopErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
