package bucket

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"time"
)

// Backend names a Bucket implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendBolt   Backend = "bolt"
)

var (
	backendFlag      = flag.String("bucket_backend", string(BackendMemory), "Bucket backend: memory/redis/bolt")
	redisURL         = flag.String("redis_url", "redis://localhost:6379/0", "Redis URL used by the redis backend.")
	redisDialTimeout = flag.Duration("redis_dial_timeout", 5*time.Second,
		"How long to wait for the first redis ping.")
	boltPath   = flag.String("bolt_path", "./data/bucketcache.db", "Database file used by the bolt backend.")
	boltBucket = flag.String("bolt_bucket", "cache", "Bolt bucket name used by the bolt backend.")
)

// OpenFromFlags opens the bucket selected by --bucket_backend.
func OpenFromFlags(ctx context.Context) (Bucket, error) {
	return Open(ctx, Backend(*backendFlag))
}

// Open opens a bucket of the given backend, configured by the backend's flags.
func Open(ctx context.Context, backend Backend) (Bucket, error) {
	switch backend {
	case BackendMemory:
		slog.Info("Using in-memory bucket.", "capacity", *memoryCapacity, "shards", *memoryShardCount)
		return NewMemory(MemoryOptions{}), nil
	case BackendRedis:
		b, err := NewRedis(ctx, *redisURL, *redisDialTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis bucket: %w", err)
		}
		slog.Info("Using redis bucket.", "url", redactURL(*redisURL))
		return b, nil
	case BackendBolt:
		b, err := OpenBolt(*boltPath, *boltBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt bucket: %w", err)
		}
		slog.Info("Using bolt bucket.", "path", *boltPath, "bucket", *boltBucket)
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported bucket backend %q (supported: %s, %s, %s)",
			backend, BackendMemory, BackendRedis, BackendBolt)
	}
}
