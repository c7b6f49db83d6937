package bucket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanCount is the COUNT hint of the SCAN calls issued by DeletePrefix.
const scanCount = 512

// Redis is a Bucket living in a remote store that speaks the Redis protocol (Redis itself, or this repo's server).
type Redis struct { // Implements Bucket.
	client redis.UniversalClient
}

var _ Bucket = (*Redis)(nil)

// NewRedis connects to `redisURL` (e.g. redis://:password@localhost:6379/0) and pings it within `dialTimeout`.
func NewRedis(ctx context.Context, redisURL string, dialTimeout time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url %q: %w", redisURL, err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an already configured client; closing the bucket closes the client.
func NewRedisFromClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, expiration(ttl)).Err()
}

func (r *Redis) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration(ttl)).Result()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// DeletePrefix scans for matching keys and deletes them batch by batch; keys written concurrently may survive.
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(prefix) + "*"
	removed := 0
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			deleted, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(deleted)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// Keys collects the matching keys with SCAN; the result is a snapshot that may miss concurrent writes.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(prefix) + "*"
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	// SCAN may return a key more than once.
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// expiration maps a bucket TTL to go-redis' convention where 0 means "no expiry".
func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// escapeGlob quotes the characters that are special in Redis MATCH patterns.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '{', '}':
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// redactURL hides the password of a redis URL for logging.
func redactURL(redisURL string) string {
	parsed, err := url.Parse(redisURL)
	if err != nil {
		return "<invalid>"
	}
	return parsed.Redacted()
}
