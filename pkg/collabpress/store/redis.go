package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// sortByCreatedAt orders records by creation time, oldest first.
func sortByCreatedAt(recs []*EventRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

// DefaultKeyPrefix namespaces record keys in a shared Redis instance.
const DefaultKeyPrefix = "collabpress:event:"

// RedisConfig configures the Redis document store.
type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// KeyPrefix namespaces record keys (default: collabpress:event:).
	KeyPrefix string
	// Timeout is the per-operation timeout (default 5s).
	Timeout time.Duration
}

// RedisStore persists event records as JSON values in Redis.
//
// Create uses SET NX, so create-if-not-exists is atomic and the
// check-then-register race collapses to exactly one winner per key.
type RedisStore struct {
	config RedisConfig
	client *goredis.Client

	mu     sync.Mutex
	closed bool
}

// NewRedisStore creates a Redis document store from the given config.
// Returns an error if the URL is empty or invalid.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis store requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &RedisStore{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

func (r *RedisStore) key(canonicalKey string) string {
	return r.config.KeyPrefix + canonicalKey
}

// statusKey is the set holding canonical keys per status, kept in sync
// with the record documents for ListByStatus.
func (r *RedisStore) statusKey(status Status) string {
	return r.config.KeyPrefix + "status:" + string(status)
}

func (r *RedisStore) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Get implements DocStore.
func (r *RedisStore) Get(ctx context.Context, canonicalKey string) (*EventRecord, error) {
	if r.isClosed() {
		return nil, ErrStoreClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.key(canonicalKey)).Bytes()
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// Create implements DocStore.
func (r *RedisStore) Create(ctx context.Context, rec *EventRecord) error {
	if r.isClosed() {
		return ErrStoreClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(rec.CanonicalKey), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrRecordExists
	}

	if err := r.client.SAdd(ctx, r.statusKey(rec.Status), rec.CanonicalKey).Err(); err != nil {
		return fmt.Errorf("redis index status: %w", err)
	}
	return nil
}

// Update implements DocStore.
func (r *RedisStore) Update(ctx context.Context, rec *EventRecord) error {
	if r.isClosed() {
		return ErrStoreClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	prev, err := r.Get(ctx, rec.CanonicalKey)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(rec.CanonicalKey), data, 0)
	if prev.Status != rec.Status {
		pipe.SRem(ctx, r.statusKey(prev.Status), rec.CanonicalKey)
		pipe.SAdd(ctx, r.statusKey(rec.Status), rec.CanonicalKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis update: %w", err)
	}
	return nil
}

// Delete implements DocStore.
func (r *RedisStore) Delete(ctx context.Context, canonicalKey string) error {
	if r.isClosed() {
		return ErrStoreClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	rec, err := r.Get(ctx, canonicalKey)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(canonicalKey))
	pipe.SRem(ctx, r.statusKey(rec.Status), canonicalKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// ListByStatus implements DocStore.
func (r *RedisStore) ListByStatus(ctx context.Context, status Status) ([]*EventRecord, error) {
	if r.isClosed() {
		return nil, ErrStoreClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	keys, err := r.client.SMembers(ctx, r.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	var out []*EventRecord
	for _, k := range keys {
		rec, err := r.Get(ctx, k)
		if err == ErrNotFound {
			// Index entry outlived the record; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Status == status {
			out = append(out, rec)
		}
	}

	sortByCreatedAt(out)
	return out, nil
}

// Close implements DocStore.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
