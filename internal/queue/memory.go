package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/groundwork/internal/metrics"
	"go.uber.org/zap"
)

// MemoryOptions configures the in-process queue.
type MemoryOptions struct {
	Capacity    int
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultMemoryOptions returns sensible defaults.
func DefaultMemoryOptions() MemoryOptions {
	return MemoryOptions{Capacity: 256, Workers: 4, MaxAttempts: 5, RetryDelay: 200 * time.Millisecond}
}

// MemoryQueue is a bounded channel with a fixed worker pool. Failed messages
// are requeued until MaxAttempts. Nothing survives a restart.
type MemoryQueue struct {
	ch     chan Message
	opts   MemoryOptions
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(opts MemoryOptions, logger *zap.Logger) *MemoryQueue {
	def := DefaultMemoryOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	return &MemoryQueue{
		ch:     make(chan Message, opts.Capacity),
		done:   make(chan struct{}),
		opts:   opts,
		logger: logger,
	}
}

// Publish enqueues msg, waiting for room until ctx is done or the queue is
// closed.
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if msg.Attempt == 0 {
		msg.Attempt = 1
	}
	select {
	case q.ch <- msg:
		metrics.QueueMessage(msg.Kind, "published")
		metrics.QueueDepth("memory", len(q.ch))
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume runs the worker pool until ctx is done, then waits for in-flight
// handlers and pending retries to return.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-q.ch:
					q.handle(ctx, handler, msg)
				}
			}
		}()
	}
	<-ctx.Done()
	q.wg.Wait()
	return nil
}

func (q *MemoryQueue) handle(ctx context.Context, handler Handler, msg Message) {
	err := handler(ctx, msg)
	if err == nil {
		metrics.QueueMessage(msg.Kind, "acked")
		return
	}
	if msg.Attempt >= q.opts.MaxAttempts {
		metrics.QueueMessage(msg.Kind, "dead")
		q.logger.Error("dropping message after max attempts",
			zap.String("id", msg.ID),
			zap.String("kind", msg.Kind),
			zap.Int("attempts", msg.Attempt),
			zap.Error(err))
		return
	}
	metrics.QueueMessage(msg.Kind, "retried")
	q.logger.Warn("message handler failed, will retry",
		zap.String("id", msg.ID),
		zap.String("kind", msg.Kind),
		zap.Int("attempt", msg.Attempt),
		zap.Error(err))

	msg.Attempt++
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		t := time.NewTimer(q.opts.RetryDelay * time.Duration(msg.Attempt-1))
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
		if err := q.Publish(ctx, msg); err != nil {
			q.logger.Warn("requeue failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}()
}

func (q *MemoryQueue) Depth(context.Context) (int, error) { return len(q.ch), nil }

// Close rejects further publishes and releases publishers waiting for room.
// Queued messages are discarded.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
