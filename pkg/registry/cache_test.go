package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nobletooth/bucketcache/pkg/bucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBucket is a map-backed Bucket that records the keys and TTLs it receives and can fail on demand.
type recordingBucket struct {
	mux     sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	err     error // Returned by every call when set.
}

var _ bucket.Bucket = (*recordingBucket)(nil)

func newRecordingBucket() *recordingBucket {
	return &recordingBucket{entries: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (b *recordingBucket) Get(_ context.Context, key string) ([]byte, error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	value, found := b.entries[key]
	if !found {
		return nil, bucket.ErrKeyNotFound
	}
	return value, nil
}

func (b *recordingBucket) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.err != nil {
		return b.err
	}
	b.entries[key], b.ttls[key] = value, ttl
	return nil
}

func (b *recordingBucket) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.err != nil {
		return false, b.err
	}
	if _, found := b.entries[key]; found {
		return false, nil
	}
	b.entries[key], b.ttls[key] = value, ttl
	return true, nil
}

func (b *recordingBucket) Delete(_ context.Context, key string) error {
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.err != nil {
		return b.err
	}
	delete(b.entries, key)
	delete(b.ttls, key)
	return nil
}

func (b *recordingBucket) DeletePrefix(_ context.Context, prefix string) (int, error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	deleted := 0
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			delete(b.entries, key)
			delete(b.ttls, key)
			deleted++
		}
	}
	return deleted, nil
}

func (b *recordingBucket) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	var keys []string
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (b *recordingBucket) Close() error { return nil }

func (b *recordingBucket) keys() []string {
	keys, _ := b.Keys(context.Background(), "")
	return keys
}

func TestCache_KeysAreScopedByName(t *testing.T) {
	b := newRecordingBucket()
	manager := NewManager(Template{Bucket: b, DefaultTTL: time.Minute}, "users", "orders")
	manager.Initialize()
	users, _ := manager.GetCache("users")
	orders, _ := manager.GetCache("orders")

	require.NoError(t, users.Put(t.Context(), "1", []byte("alice")))
	require.NoError(t, orders.Put(t.Context(), "1", []byte("book")))
	assert.ElementsMatch(t, []string{"users:1", "orders:1"}, b.keys())
	assert.Equal(t, time.Minute, b.ttls["users:1"], "Writes carry the cache TTL")

	value, err := users.Get(t.Context(), "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), value)
	value, err = orders.Get(t.Context(), "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("book"), value)

	_, err = users.Get(t.Context(), "2")
	assert.ErrorIs(t, err, bucket.ErrKeyNotFound)
}

func TestCache_PassesTTL(t *testing.T) {
	for _, testCase := range []struct {
		name string
		ttl  time.Duration
	}{
		{name: "no_expiry", ttl: 0},
		{name: "seconds", ttl: 5 * time.Second},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			b := newRecordingBucket()
			cache := newCache("c", b, testCase.ttl)
			require.NoError(t, cache.Put(t.Context(), "put", []byte("v")))
			stored, err := cache.PutIfAbsent(t.Context(), "add", []byte("v"))
			require.NoError(t, err)
			require.True(t, stored)
			assert.Equal(t, testCase.ttl, b.ttls["c:put"])
			assert.Equal(t, testCase.ttl, b.ttls["c:add"])
		})
	}
}

func TestCache_PropagatesBucketErrors(t *testing.T) {
	failure := errors.New("bucket is down")
	b := newRecordingBucket()
	b.err = failure
	cache := newCache("c", b, time.Second)

	_, err := cache.Get(t.Context(), "k")
	assert.Same(t, failure, err)
	assert.Same(t, failure, cache.Put(t.Context(), "k", []byte("v")))
	_, err = cache.PutIfAbsent(t.Context(), "k", []byte("v"))
	assert.Same(t, failure, err)
	assert.Same(t, failure, cache.Evict(t.Context(), "k"))
	assert.Same(t, failure, cache.Clear(t.Context()))
	_, err = cache.Keys(t.Context())
	assert.Same(t, failure, err)
	_, err = cache.GetOrLoad(t.Context(), "k", func(context.Context) ([]byte, error) {
		t.Fatal("Loader must not run when the bucket fails")
		return nil, nil
	})
	assert.Same(t, failure, err)
}

func TestCache_PutIfAbsent(t *testing.T) {
	cache := newCache("c", newRecordingBucket(), 0)
	stored, err := cache.PutIfAbsent(t.Context(), "k", []byte("first"))
	require.NoError(t, err)
	assert.True(t, stored)
	stored, err = cache.PutIfAbsent(t.Context(), "k", []byte("second"))
	require.NoError(t, err)
	assert.False(t, stored)
	value, err := cache.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), value)
}

func TestCache_EvictAndClear(t *testing.T) {
	b := newRecordingBucket()
	users, other := newCache("users", b, 0), newCache("usersArchive", b, 0)
	for _, key := range []string{"1", "2", "3"} {
		require.NoError(t, users.Put(t.Context(), key, []byte(key)))
	}
	require.NoError(t, other.Put(t.Context(), "1", []byte("kept")))

	require.NoError(t, users.Evict(t.Context(), "1"))
	_, err := users.Get(t.Context(), "1")
	assert.ErrorIs(t, err, bucket.ErrKeyNotFound)
	require.NoError(t, users.Evict(t.Context(), "missing"), "Evicting a missing key is not an error")

	keys, err := users.Keys(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, keys)

	require.NoError(t, users.Clear(t.Context()))
	assert.Equal(t, []string{"usersArchive:1"}, b.keys())
}

func TestCache_GetOrLoad(t *testing.T) {
	t.Run("hit_skips_loader", func(t *testing.T) {
		cache := newCache("c", newRecordingBucket(), 0)
		require.NoError(t, cache.Put(t.Context(), "k", []byte("cached")))
		value, err := cache.GetOrLoad(t.Context(), "k", func(context.Context) ([]byte, error) {
			t.Fatal("Loader must not run on a hit")
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("cached"), value)
	})
	t.Run("miss_stores_loaded_value", func(t *testing.T) {
		b := newRecordingBucket()
		cache := newCache("c", b, time.Hour)
		value, err := cache.GetOrLoad(t.Context(), "k", func(context.Context) ([]byte, error) {
			return []byte("loaded"), nil
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("loaded"), value)
		assert.Equal(t, time.Hour, b.ttls["c:k"])
		stored, err := cache.Get(t.Context(), "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("loaded"), stored)
	})
	t.Run("loader_error_stores_nothing", func(t *testing.T) {
		b := newRecordingBucket()
		cache := newCache("c", b, 0)
		failure := errors.New("origin unavailable")
		_, err := cache.GetOrLoad(t.Context(), "k", func(context.Context) ([]byte, error) {
			return nil, failure
		})
		assert.ErrorIs(t, err, failure)
		assert.Empty(t, b.keys())
	})
	t.Run("concurrent_misses_share_one_load", func(t *testing.T) {
		cache := newCache("c", newRecordingBucket(), 0)
		var calls atomic.Int32
		release := make(chan struct{})
		loader := func(context.Context) ([]byte, error) {
			calls.Add(1)
			<-release
			return []byte("v"), nil
		}

		const goroutines = 16
		var wg sync.WaitGroup
		for range goroutines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				value, err := cache.GetOrLoad(context.Background(), "k", loader)
				assert.NoError(t, err)
				assert.Equal(t, []byte("v"), value)
			}()
		}
		// Wait for the first loader call before releasing it so the others pile up behind it.
		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.Equal(t, int32(1), calls.Load())
	})
	t.Run("cancelled_caller_keeps_shared_load", func(t *testing.T) {
		cache := newCache("c", newRecordingBucket(), 0)
		var calls atomic.Int32
		release := make(chan struct{})
		loader := func(ctx context.Context) ([]byte, error) {
			calls.Add(1)
			<-release
			return []byte("v"), ctx.Err()
		}

		firstCtx, cancelFirst := context.WithCancel(context.Background())
		firstErr := make(chan error, 1)
		go func() {
			_, err := cache.GetOrLoad(firstCtx, "k", loader)
			firstErr <- err
		}()
		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

		type result struct {
			value []byte
			err   error
		}
		second := make(chan result, 1)
		go func() {
			value, err := cache.GetOrLoad(context.Background(), "k", loader)
			second <- result{value: value, err: err}
		}()
		time.Sleep(20 * time.Millisecond)

		cancelFirst()
		assert.ErrorIs(t, <-firstErr, context.Canceled)
		close(release)
		got := <-second
		require.NoError(t, got.err)
		assert.Equal(t, []byte("v"), got.value)
		assert.Equal(t, int32(1), calls.Load())
		stored, err := cache.Get(t.Context(), "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), stored)
	})
}

func TestCache_WithMemoryBucket(t *testing.T) {
	b := bucket.NewMemory(bucket.MemoryOptions{Capacity: 16, ShardCount: 1, TickInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	manager := NewManager(Template{Bucket: b, DefaultTTL: 20 * time.Millisecond})
	manager.Initialize()

	cache, found := manager.GetCache("testExpiring")
	require.True(t, found)
	require.NoError(t, cache.Put(t.Context(), "k", []byte("v")))
	value, err := cache.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	assert.Eventually(t, func() bool {
		_, err := cache.Get(t.Context(), "k")
		return errors.Is(err, bucket.ErrKeyNotFound)
	}, time.Second, 5*time.Millisecond)
}
