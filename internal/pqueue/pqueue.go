// Package pqueue implements the router's per-route priority buffer: eleven
// FIFO buckets (priority 0..10), highest-priority-first dequeue, with two
// starvation-prevention overrides so low-priority frames are never parked
// forever behind a high-priority flood.
package pqueue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framefabric/backend/internal/events"
	"github.com/framefabric/backend/internal/frame"
)

// Options tunes starvation prevention.
type Options struct {
	// StarvationThreshold is the number of consecutive dequeues from
	// priority > 5 after which the next dequeue must come from the lowest
	// non-empty priority <= 5 bucket.
	StarvationThreshold int
	// MaxAge forces a bucket to be served when its oldest item exceeds it,
	// regardless of priority.
	MaxAge time.Duration
}

type item struct {
	frame      *frame.FrameRef
	enqueuedAt time.Time
}

// Queue is safe for concurrent producers and consumers.
type Queue struct {
	mu      sync.Mutex
	buckets [frame.MaxPriority + 1][]item
	size    atomic.Int64

	consecutiveHigh int
	opts            Options
	bus             events.Bus

	notify chan struct{}
}

// New creates a queue. bus may be nil to disable starvation events.
func New(opts Options, bus events.Bus) *Queue {
	if opts.StarvationThreshold == 0 {
		opts.StarvationThreshold = 100
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 30 * time.Second
	}
	return &Queue{
		opts:   opts,
		bus:    bus,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue appends the frame to its priority bucket. Never blocks.
func (q *Queue) Enqueue(f *frame.FrameRef) {
	p := f.Priority
	if p < frame.MinPriority {
		p = frame.MinPriority
	}
	if p > frame.MaxPriority {
		p = frame.MaxPriority
	}

	q.mu.Lock()
	q.buckets[p] = append(q.buckets[p], item{frame: f, enqueuedAt: time.Now()})
	q.mu.Unlock()
	q.size.Add(1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until an item is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*frame.FrameRef, error) {
	for {
		if f, ok := q.tryDequeue(ctx); ok {
			return f, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// TryDequeue returns immediately; ok is false when the queue is empty.
func (q *Queue) TryDequeue(ctx context.Context) (*frame.FrameRef, bool) {
	return q.tryDequeue(ctx)
}

// Len returns the total item count across buckets.
func (q *Queue) Len() int64 {
	return q.size.Load()
}

func (q *Queue) tryDequeue(ctx context.Context) (*frame.FrameRef, bool) {
	q.mu.Lock()

	bucket, reason := q.selectBucketLocked()
	if bucket < 0 {
		q.mu.Unlock()
		return nil, false
	}

	it := q.buckets[bucket][0]
	q.buckets[bucket] = q.buckets[bucket][1:]
	if bucket > 5 {
		q.consecutiveHigh++
	} else {
		q.consecutiveHigh = 0
	}
	remaining := q.size.Add(-1)
	q.mu.Unlock()

	if remaining > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}

	if reason != "" {
		slog.Debug("[PriorityQueue] Starvation prevention fired",
			"reason", reason, "bucket", bucket, "frame_id", it.frame.FrameID)
		if q.bus != nil {
			_ = q.bus.Publish(ctx, &events.Event{
				Type:   events.EventStarvationPrevented,
				Source: "pqueue",
				Payload: map[string]interface{}{
					"reason":   reason,
					"priority": bucket,
					"frame_id": it.frame.FrameID,
					"waited":   time.Since(it.enqueuedAt).String(),
				},
			})
		}
	}
	return it.frame, true
}

// selectBucketLocked applies the starvation rules, then falls back to
// highest-priority-first. Returns -1 when all buckets are empty.
func (q *Queue) selectBucketLocked() (int, string) {
	// Rule 2: any bucket whose oldest item exceeds MaxAge wins; among
	// several, the one holding the oldest item.
	oldestBucket, oldestAt := -1, time.Time{}
	now := time.Now()
	for p := frame.MinPriority; p <= frame.MaxPriority; p++ {
		if len(q.buckets[p]) == 0 {
			continue
		}
		head := q.buckets[p][0].enqueuedAt
		if now.Sub(head) > q.opts.MaxAge && (oldestBucket < 0 || head.Before(oldestAt)) {
			oldestBucket, oldestAt = p, head
		}
	}
	if oldestBucket >= 0 {
		return oldestBucket, "max_age"
	}

	// Rule 1: after a run of high-priority service, serve the lowest
	// non-empty low bucket if one exists.
	if q.consecutiveHigh >= q.opts.StarvationThreshold {
		for p := frame.MinPriority; p <= 5; p++ {
			if len(q.buckets[p]) > 0 {
				return p, "starvation_threshold"
			}
		}
	}

	for p := frame.MaxPriority; p >= frame.MinPriority; p-- {
		if len(q.buckets[p]) > 0 {
			return p, ""
		}
	}
	return -1, ""
}
