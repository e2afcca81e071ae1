// Package store defines the stream store port used by the router and the
// processor clients, plus the Redis-backed implementation. The orchestrator
// never talks to a driver directly; everything goes through StreamStore so
// tests and alternative backends can swap in.
package store

import (
	"context"
	"errors"
	"time"
)

// Entry is one stream record: a store-assigned id plus flat string fields.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingSummary describes delivered-but-unacked entries for a group.
type PendingSummary struct {
	Count    int64
	OldestID string
	// Consumers maps consumer name to its pending count.
	Consumers map[string]int64
}

// PendingEntry is one delivered-but-unacked entry with its delivery count.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	RetryCount int64
}

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// StreamStore is a thin port over a log-structured stream with consumer
// groups. Guarantees required of any implementation: FIFO within a stream,
// per-group exclusive delivery, durable append before return.
type StreamStore interface {
	// Append appends an entry and returns its monotonically non-decreasing id.
	Append(ctx context.Context, stream string, fields map[string]interface{}) (string, error)

	// ReadGroup blocks up to block and delivers entries not yet seen by the
	// group, recording them as pending for consumer.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack marks ids as processed. Acking an unknown id is a no-op.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// CreateGroup creates a consumer group. Idempotent; startID "0" replays
	// the stream, "$" starts at the tail.
	CreateGroup(ctx context.Context, stream, group, startID string) error

	// Pending summarizes the group's delivered-but-unacked entries.
	Pending(ctx context.Context, stream, group string) (*PendingSummary, error)

	// PendingEntries lists pending entries with delivery counts.
	PendingEntries(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error)

	// AutoClaim transfers ownership of entries pending longer than minIdle
	// to consumer and returns them for reprocessing.
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)

	// Length returns the number of entries in the stream.
	Length(ctx context.Context, stream string) (int64, error)

	// Trim discards entries beyond maxLen, oldest first.
	Trim(ctx context.Context, stream string, maxLen int64) error

	// ScanStreams returns the stream keys matching pattern.
	ScanStreams(ctx context.Context, pattern string) ([]string, error)

	// ClaimOnce atomically claims key for ttl. Returns false when the key
	// was already claimed. Used for frame-id dedup at the egress side.
	ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Set, Get and Del back small control-plane blobs such as the registry
	// snapshot.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error

	// Close releases the underlying connections.
	Close() error
}
