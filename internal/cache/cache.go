// Package cache is the TTL key-value store shared by the monitor and the alert engine.
// Components receive a Cache explicitly instead of reaching for process-wide state.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("cache: backend unavailable")
)

// Cache is a typed key-value store with TTL semantics.
// A zero TTL on Set uses the cache default; a negative TTL never expires.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Redis is a JSON-encoded cache stored under a key prefix.
type Redis[V any] struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
	group      singleflight.Group
}

// NewRedis creates a cache rooted at prefix. defaultTTL applies when Set receives zero.
func NewRedis[V any](client redis.UniversalClient, prefix string, defaultTTL time.Duration) *Redis[V] {
	return &Redis[V]{client: client, prefix: prefix, defaultTTL: defaultTTL}
}

func (r *Redis[V]) key(k string) string {
	return r.prefix + ":" + k
}

// Get returns ErrNotFound for missing keys.
func (r *Redis[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, errors.Join(ErrUnavailable, err)
	}
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if ttl == 0 {
		ttl = r.defaultTTL
	}
	// Redis treats 0 as "no expiry".
	if err := r.client.Set(ctx, r.key(key), data, max(ttl, 0)).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (r *Redis[V]) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

// Keys lists live keys (without prefix) using SCAN.
func (r *Redis[V]) Keys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	pattern := r.prefix + ":*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, errors.Join(ErrUnavailable, err)
		}
		for _, k := range keys {
			out = append(out, k[len(r.prefix)+1:])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// GetOrSet returns the cached value or computes it once per key across concurrent callers.
func (r *Redis[V]) GetOrSet(ctx context.Context, key string, fn func(ctx context.Context) (V, time.Duration, error)) (V, error) {
	if v, err := r.Get(ctx, key); err == nil {
		return v, nil
	}
	type result struct {
		val V
		ttl time.Duration
	}
	res, err, _ := r.group.Do(key, func() (any, error) {
		val, ttl, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return result{val: val, ttl: ttl}, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	out := res.(result)
	// Best effort: a failed write still returns the fresh value.
	_ = r.Set(ctx, key, out.val, out.ttl)
	return out.val, nil
}

var _ Cache[int] = (*Redis[int])(nil)
