// A bucket is the key-value store connection that physically holds cache entries. Buckets own storage, expiry and
// eviction; everything above them only decides which keys and TTLs to use.
// Three implementations are provided: an in-memory CLOCK cache (development and tests), a Redis client for a
// remote store, and an embedded bbolt file.

package bucket

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned by Get for keys that are absent or expired.
	ErrKeyNotFound = errors.New("key was not found")
	// ErrClosed is returned by operations on a closed bucket.
	ErrClosed = errors.New("bucket is closed")
)

// Bucket is a string-keyed store with per-entry expiry. Implementations must be safe for concurrent use.
type Bucket interface {
	// Get returns the value of `key` or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores `value` under `key`. A non-positive `ttl` stores it without expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Add stores `value` only if `key` has no live value; it reports whether the value was stored.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes `key`. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with `prefix` and returns how many keys were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Keys returns the live keys starting with `prefix` in lexicographic order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Name describes a bucket in logs and metrics labels.
func Name(b Bucket) string {
	switch b.(type) {
	case *Memory:
		return string(BackendMemory)
	case *Redis:
		return string(BackendRedis)
	case *Bolt:
		return string(BackendBolt)
	case nil:
		return "none"
	default:
		return "custom"
	}
}
