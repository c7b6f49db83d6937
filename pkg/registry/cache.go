package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nobletooth/bucketcache/pkg/bucket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// keySeparator joins a cache name and an entry key into the bucket key.
const keySeparator = ":"

// ErrNoBucket is returned by operations of a cache registered without a bucket.
var ErrNoBucket = errors.New("cache has no bucket")

var operations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cache_operations_total",
	Help: "Total number of cache operations forwarded to buckets.",
}, []string{
	"op",     // get | put | put_if_absent | load | evict | keys | clear
	"status", // ok | miss | error
})

// Loader computes the value of a missing key.
type Loader func(ctx context.Context) ([]byte, error)

// Cache is a named view over a bucket. Every entry key is stored as "<name>:<key>" and written with the cache TTL.
// Bucket errors are returned as is.
type Cache struct {
	name   string
	bucket bucket.Bucket
	ttl    time.Duration
	prefix string
	loads  singleflight.Group
}

func newCache(name string, b bucket.Bucket, ttl time.Duration) *Cache {
	return &Cache{name: name, bucket: b, ttl: ttl, prefix: name + keySeparator}
}

func (c *Cache) Name() string { return c.name }

// TTL is the expiry applied to every write; 0 leaves expiry to the bucket.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Bucket returns the backing bucket.
func (c *Cache) Bucket() bucket.Bucket { return c.bucket }

func (c *Cache) bucketKey(key string) string {
	return c.prefix + key
}

// Get returns the value of `key`, or bucket.ErrKeyNotFound.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.bucket == nil {
		return nil, observe("get", ErrNoBucket)
	}
	value, err := c.bucket.Get(ctx, c.bucketKey(key))
	return value, observe("get", err)
}

// Put stores `value` under `key` with the cache TTL.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	if c.bucket == nil {
		return observe("put", ErrNoBucket)
	}
	return observe("put", c.bucket.Put(ctx, c.bucketKey(key), value, c.ttl))
}

// PutIfAbsent stores `value` only if `key` has no value; it reports whether it did.
func (c *Cache) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if c.bucket == nil {
		return false, observe("put_if_absent", ErrNoBucket)
	}
	stored, err := c.bucket.Add(ctx, c.bucketKey(key), value, c.ttl)
	return stored, observe("put_if_absent", err)
}

// GetOrLoad returns the value of `key`, calling `loader` and storing its result on a miss. Concurrent misses of the
// same key share one loader call; a loader error is returned and nothing is stored.
// The shared load outlives the cancellation of any single caller; a cancelled caller returns its context error.
func (c *Cache) GetOrLoad(ctx context.Context, key string, loader Loader) ([]byte, error) {
	value, err := c.Get(ctx, key)
	if !errors.Is(err, bucket.ErrKeyNotFound) {
		return value, err
	}
	flightCtx := context.WithoutCancel(ctx)
	loads := c.loads.DoChan(key, func() (any, error) {
		// A flight that just finished may have stored the value already.
		if value, err := c.bucket.Get(flightCtx, c.bucketKey(key)); !errors.Is(err, bucket.ErrKeyNotFound) {
			return value, err
		}
		value, err := loader(flightCtx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(flightCtx, key, value); err != nil {
			return nil, err
		}
		return value, nil
	})
	select {
	case <-ctx.Done():
		return nil, observe("load", ctx.Err())
	case result := <-loads:
		if result.Err != nil {
			return nil, observe("load", result.Err)
		}
		observe("load", nil)
		return result.Val.([]byte), nil
	}
}

// Evict removes `key`.
func (c *Cache) Evict(ctx context.Context, key string) error {
	if c.bucket == nil {
		return observe("evict", ErrNoBucket)
	}
	return observe("evict", c.bucket.Delete(ctx, c.bucketKey(key)))
}

// Keys returns the live entry keys of this cache, without the name prefix, in lexicographic order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if c.bucket == nil {
		return nil, observe("keys", ErrNoBucket)
	}
	keys, err := c.bucket.Keys(ctx, c.prefix)
	if err != nil {
		return nil, observe("keys", err)
	}
	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, c.prefix)
	}
	return keys, observe("keys", nil)
}

// Clear removes every entry of this cache. Entries of other caches sharing the bucket are kept, unless their name
// starts with this cache's name followed by the separator.
func (c *Cache) Clear(ctx context.Context) error {
	if c.bucket == nil {
		return observe("clear", ErrNoBucket)
	}
	_, err := c.bucket.DeletePrefix(ctx, c.prefix)
	return observe("clear", err)
}

// observe counts an operation outcome and returns `err` unchanged.
func observe(op string, err error) error {
	switch {
	case err == nil:
		operations.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, bucket.ErrKeyNotFound):
		operations.WithLabelValues(op, "miss").Inc()
	default:
		operations.WithLabelValues(op, "error").Inc()
	}
	return err
}
