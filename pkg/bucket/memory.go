package bucket

import (
	"context"
	"flag"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nobletooth/bucketcache/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoryCapacity = flag.Int("memory_capacity", 100_000,
		"The maximum number of entries per shard of the in-memory bucket.")
	memoryShardCount = flag.Int("memory_shard_count", runtime.NumCPU(),
		"The number of shards of the in-memory bucket.")
	memoryTickInterval = flag.Duration("memory_tick_interval", time.Second,
		"How often the in-memory bucket drops expired entries.")

	memoryEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bucket_memory_evictions_total",
		Help: "Total number of entries the in-memory bucket dropped for capacity or expiry.",
	})
)

// MemoryOptions configures NewMemory. Zero fields take their flag values.
type MemoryOptions struct {
	Capacity     int           // Per shard.
	ShardCount   int           // 1 disables sharding.
	TickInterval time.Duration // Reaper period.
}

func (o MemoryOptions) withDefaults() MemoryOptions {
	if o.Capacity <= 0 {
		o.Capacity = *memoryCapacity
	}
	if o.ShardCount <= 0 {
		o.ShardCount = *memoryShardCount
	}
	if o.TickInterval <= 0 {
		o.TickInterval = *memoryTickInterval
	}
	return o
}

// Memory is an in-process Bucket. Entries are dropped once expired or when a shard runs out of capacity.
type Memory struct { // Implements Bucket.
	entries clock.Layer[string, []byte]
	stop    context.CancelFunc // Stops the reapers.
	closed  atomic.Bool
}

var _ Bucket = (*Memory)(nil)

// NewMemory builds an in-memory bucket.
func NewMemory(opts MemoryOptions) *Memory {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	newShard := func() clock.Layer[string, []byte] {
		return clock.NewCache(ctx, opts.Capacity, opts.TickInterval,
			func(string, []byte) { memoryEvictions.Inc() })
	}
	var entries clock.Layer[string, []byte]
	if opts.ShardCount > 1 {
		entries = clock.NewSharded(newShard, opts.ShardCount)
	} else {
		entries = newShard()
	}
	return &Memory{entries: entries, stop: cancel}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	value, found := m.entries.Get(key)
	if !found {
		return nil, ErrKeyNotFound
	}
	return clone(value), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.entries.Add(key, clone(value), ttl)
	return nil
}

func (m *Memory) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	return m.entries.AddIfAbsent(key, clone(value), ttl), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.entries.Remove(key)
	return nil
}

func (m *Memory) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range m.entries.Keys() {
		if strings.HasPrefix(key, prefix) && m.entries.Remove(key) {
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var keys []string
	for _, key := range m.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Close drops every entry and stops the reapers. Further calls return ErrClosed.
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	m.stop()
	m.entries.Purge()
	return nil
}

func (m *Memory) check(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// clone copies `value` so callers can't mutate stored entries; nil stays nil.
func clone(value []byte) []byte {
	if value == nil {
		return nil
	}
	return append(make([]byte, 0, len(value)), value...)
}
