package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis-backed stream store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisStreamStore implements StreamStore on top of Redis Streams via
// go-redis v9.
type RedisStreamStore struct {
	rdb *redis.Client
}

// NewRedisStreamStore connects to Redis and verifies connectivity with a
// ping before returning.
func NewRedisStreamStore(opts RedisOptions) (*RedisStreamStore, error) {
	if opts.PoolSize == 0 {
		opts.PoolSize = 10
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  -1, // blocking XREADGROUP manages its own deadline
		WriteTimeout: 2 * time.Second,
		PoolSize:     opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("[Store] Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisStreamStore{rdb: rdb}, nil
}

// NewRedisStreamStoreFromURL connects using a redis:// URL, the form
// configuration carries.
func NewRedisStreamStoreFromURL(url string, poolSize int) (*RedisStreamStore, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	return NewRedisStreamStore(RedisOptions{
		Addr:     parsed.Addr,
		Password: parsed.Password,
		DB:       parsed.DB,
		PoolSize: poolSize,
	})
}

// NewRedisStreamStoreFromClient wraps an existing client. Used by tests.
func NewRedisStreamStoreFromClient(rdb *redis.Client) *RedisStreamStore {
	return &RedisStreamStore{rdb: rdb}
}

// Close shuts down the underlying redis client.
func (s *RedisStreamStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStreamStore) Append(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (s *RedisStreamStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // block timeout, nothing delivered
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var entries []Entry
	for _, str := range res {
		for _, msg := range str.Messages {
			entries = append(entries, Entry{ID: msg.ID, Fields: stringValues(msg.Values)})
		}
	}
	return entries, nil
}

func (s *RedisStreamStore) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	// XACK of an unknown id returns 0, not an error.
	if err := s.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

func (s *RedisStreamStore) CreateGroup(ctx context.Context, stream, group, startID string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil // group already exists
	}
	if err != nil {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (s *RedisStreamStore) Pending(ctx context.Context, stream, group string) (*PendingSummary, error) {
	p, err := s.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil {
			return &PendingSummary{}, nil
		}
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	return &PendingSummary{
		Count:     p.Count,
		OldestID:  p.Lower,
		Consumers: p.Consumers,
	}, nil
}

func (s *RedisStreamStore) PendingEntries(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	ext, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending ext %s/%s: %w", stream, group, err)
	}

	entries := make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		entries = append(entries, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			RetryCount: p.RetryCount,
		})
	}
	return entries, nil
}

func (s *RedisStreamStore) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, Entry{ID: msg.ID, Fields: stringValues(msg.Values)})
	}
	return entries, nil
}

func (s *RedisStreamStore) Length(ctx context.Context, stream string) (int64, error) {
	n, err := s.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

func (s *RedisStreamStore) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := s.rdb.XTrimMaxLen(ctx, stream, maxLen).Err(); err != nil {
		return fmt.Errorf("xtrim %s: %w", stream, err)
	}
	return nil
}

func (s *RedisStreamStore) ScanStreams(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *RedisStreamStore) ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStreamStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStreamStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *RedisStreamStore) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

func stringValues(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if sv, ok := v.(string); ok {
			fields[k] = sv
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}
