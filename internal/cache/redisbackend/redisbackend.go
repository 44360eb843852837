// Package redisbackend implements cache.PersistBackend on top of Redis,
// following the connection/ping-on-construct style used for the redis
// pub/sub bus in the reference corpus: a short dial timeout, a ping at
// construction so misconfiguration fails fast, and no retry loop beyond
// what the go-redis client already does internally.
package redisbackend

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Backend mirrors cache entries into Redis so a cold-started process can
// repopulate its in-memory caches instead of starting fully empty.
type Backend struct {
	rdb *goredis.Client
}

// New dials addr and verifies connectivity with a bounded ping.
func New(addr string) (*Backend, error) {
	if addr == "" {
		return nil, errors.New("redisbackend: addr is empty")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Backend{rdb: rdb}, nil
}

// Load fetches key; a Redis miss is reported as (nil, false, nil), not an error.
func (b *Backend) Load(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Store writes value under key with the given TTL (0 means no expiry).
func (b *Backend) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
