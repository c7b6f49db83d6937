// Every Cache serializes writers on one mutex. Sharded spreads string keys over several caches by their xxhash so
// concurrent writers of different keys rarely contend on the same lock.

package clock

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/bucketcache/pkg/utils"
)

// Sharded distributes keys over independent Layer shards. Each shard enforces its own capacity.
type Sharded[V any] struct {
	shards []Layer[string, V]
}

var _ Layer[string, int] = (*Sharded[int])(nil)

// NewSharded builds `shardCount` shards with `newShard`.
func NewSharded[V any](newShard func() Layer[string, V], shardCount int) *Sharded[V] {
	if shardCount <= 0 {
		utils.RaiseInvariant("clock", "non_positive_shard_count",
			"Invalid shard count has been given to sharded cache.", "shardCount", shardCount)
		shardCount = 1
	}
	sharded := &Sharded[V]{shards: make([]Layer[string, V], shardCount)}
	for i := range shardCount {
		sharded.shards[i] = newShard()
	}
	return sharded
}

func (s *Sharded[V]) shard(key string) Layer[string, V] {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *Sharded[V]) Get(key string) (V, bool) { return s.shard(key).Get(key) }

func (s *Sharded[V]) Add(key string, value V, ttl time.Duration) bool {
	return s.shard(key).Add(key, value, ttl)
}

func (s *Sharded[V]) AddIfAbsent(key string, value V, ttl time.Duration) bool {
	return s.shard(key).AddIfAbsent(key, value, ttl)
}

func (s *Sharded[V]) Remove(key string) bool { return s.shard(key).Remove(key) }

// Keys visits every shard; expensive on large caches.
func (s *Sharded[V]) Keys() []string {
	keys := make([]string, 0)
	for _, shard := range s.shards {
		keys = append(keys, shard.Keys()...)
	}
	return keys
}

func (s *Sharded[V]) Purge() {
	for _, shard := range s.shards {
		shard.Purge()
	}
}
