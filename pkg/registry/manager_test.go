package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nobletooth/bucketcache/pkg/bucket"
	"github.com/nobletooth/bucketcache/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T) bucket.Bucket {
	t.Helper()
	b := bucket.NewMemory(bucket.MemoryOptions{Capacity: 128, ShardCount: 1, TickInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func ttlOf(d time.Duration) *time.Duration { return &d }

func TestNewManager_StaticNames(t *testing.T) {
	b := newTestBucket(t)
	manager := NewManager(Template{Bucket: b, DefaultTTL: 100 * time.Millisecond}, "cache1", "cache2")
	manager.Initialize()

	assert.False(t, manager.IsDynamic())
	assert.Equal(t, []string{"cache1", "cache2"}, manager.CacheNames())
	for _, name := range []string{"cache1", "cache2"} {
		cache, found := manager.GetCache(name)
		require.True(t, found)
		assert.Equal(t, name, cache.Name())
		assert.Equal(t, 100*time.Millisecond, cache.TTL())
		assert.Same(t, b, cache.Bucket())
	}
}

func TestNewManager_DuplicateNames(t *testing.T) {
	manager := NewManager(Template{Bucket: newTestBucket(t)}, "a", "b", "a")
	manager.Initialize()
	assert.Equal(t, []string{"a", "b"}, manager.CacheNames())
}

func TestManager_StaticUnknownName(t *testing.T) {
	manager := NewManager(Template{Bucket: newTestBucket(t), DefaultTTL: time.Second}, "known")
	manager.Initialize()

	cache, found := manager.GetCache("unknown")
	assert.False(t, found)
	assert.Nil(t, cache)
	assert.Equal(t, []string{"known"}, manager.CacheNames(), "Misses must not register names")
}

func TestManager_Dynamic(t *testing.T) {
	for _, testCase := range []struct {
		name    string
		manager func(template Template) *Manager
	}{
		{
			name:    "no_names",
			manager: func(template Template) *Manager { return NewManager(template) },
		},
		{
			name:    "empty_names",
			manager: func(template Template) *Manager { return NewManager(template, []string{}...) },
		},
		{
			name:    "no_declarations",
			manager: func(template Template) *Manager { return NewManagerFromDeclarations(template) },
		},
		{
			name: "only_nil_declarations",
			manager: func(template Template) *Manager {
				return NewManagerFromDeclarations(template, nil, nil)
			},
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			b := newTestBucket(t)
			manager := testCase.manager(Template{Bucket: b, DefaultTTL: 20 * time.Millisecond})
			manager.Initialize()
			assert.True(t, manager.IsDynamic())
			assert.Empty(t, manager.CacheNames())

			cache, found := manager.GetCache("testExpiring")
			require.True(t, found)
			assert.Equal(t, "testExpiring", cache.Name())
			assert.Equal(t, 20*time.Millisecond, cache.TTL())
			assert.Same(t, b, cache.Bucket())
			assert.Equal(t, []string{"testExpiring"}, manager.CacheNames())

			again, found := manager.GetCache("testExpiring")
			require.True(t, found)
			assert.Same(t, cache, again, "Repeated lookups return the registered cache")
			assert.Equal(t, []string{"testExpiring"}, manager.CacheNames())
		})
	}
	t.Run("empty_name_is_never_created", func(t *testing.T) {
		manager := NewManager(Template{Bucket: newTestBucket(t)})
		manager.Initialize()
		_, found := manager.GetCache("")
		assert.False(t, found)
		assert.Empty(t, manager.CacheNames())
	})
}

func TestNewManagerFromDeclarations(t *testing.T) {
	defaultBucket, otherBucket := newTestBucket(t), newTestBucket(t)
	template := Template{Bucket: defaultBucket, DefaultTTL: 400 * time.Millisecond}

	t.Run("inherits_template_ttl", func(t *testing.T) {
		manager := NewManagerFromDeclarations(template, &Declaration{Name: "test"})
		manager.Initialize()
		cache, found := manager.GetCache("test")
		require.True(t, found)
		assert.Equal(t, 400*time.Millisecond, cache.TTL())
		assert.Same(t, defaultBucket, cache.Bucket())
	})
	t.Run("overrides", func(t *testing.T) {
		manager := NewManagerFromDeclarations(template,
			&Declaration{Name: "custom_bucket", Bucket: otherBucket},
			&Declaration{Name: "custom_ttl", TTL: ttlOf(time.Minute)},
			Declare("no_expiry", 0),
		)
		manager.Initialize()
		assert.False(t, manager.IsDynamic())

		cache, _ := manager.GetCache("custom_bucket")
		assert.Same(t, otherBucket, cache.Bucket())
		assert.Equal(t, 400*time.Millisecond, cache.TTL())
		cache, _ = manager.GetCache("custom_ttl")
		assert.Same(t, defaultBucket, cache.Bucket())
		assert.Equal(t, time.Minute, cache.TTL())
		cache, _ = manager.GetCache("no_expiry")
		assert.Zero(t, cache.TTL(), "Explicit zero overrides a non-zero default")
	})
	t.Run("last_declaration_wins", func(t *testing.T) {
		manager := NewManagerFromDeclarations(template,
			Declare("dup", time.Second),
			&Declaration{Name: "other"},
			nil,
			&Declaration{Name: "dup", Bucket: otherBucket, TTL: ttlOf(3 * time.Second)},
		)
		manager.Initialize()
		assert.Equal(t, []string{"dup", "other"}, manager.CacheNames())
		cache, found := manager.GetCache("dup")
		require.True(t, found)
		assert.Equal(t, 3*time.Second, cache.TTL())
		assert.Same(t, otherBucket, cache.Bucket())
	})
	t.Run("nameless_declarations_are_skipped", func(t *testing.T) {
		manager := NewManagerFromDeclarations(template, &Declaration{}, &Declaration{Name: "named"})
		manager.Initialize()
		assert.Equal(t, []string{"named"}, manager.CacheNames())
	})
	t.Run("only_nameless_declarations_stay_static", func(t *testing.T) {
		for _, manager := range []*Manager{
			NewManager(template, ""),
			NewManagerFromDeclarations(template, nil, &Declaration{}),
		} {
			manager.Initialize()
			assert.False(t, manager.IsDynamic())
			assert.Empty(t, manager.CacheNames())
			_, found := manager.GetCache("unknown")
			assert.False(t, found)
		}
	})
	t.Run("declaration_copied_at_construction", func(t *testing.T) {
		declaration := &Declaration{Name: "before"}
		manager := NewManagerFromDeclarations(template, declaration)
		declaration.Name = "after"
		manager.Initialize()
		assert.Equal(t, []string{"before"}, manager.CacheNames())
	})
}

func TestManager_DefaultTTL(t *testing.T) {
	t.Run("no_template_ttl", func(t *testing.T) {
		manager := NewManager(Template{Bucket: newTestBucket(t)}, "test")
		manager.Initialize()
		cache, _ := manager.GetCache("test")
		assert.Zero(t, cache.TTL())
	})
	t.Run("set_before_initialize", func(t *testing.T) {
		manager := NewManager(Template{Bucket: newTestBucket(t), DefaultTTL: time.Second}, "test")
		manager.SetDefaultTTL(5 * time.Second)
		manager.Initialize()
		cache, _ := manager.GetCache("test")
		assert.Equal(t, 5*time.Second, cache.TTL(), "Default TTL is read at initialization time")
	})
	t.Run("set_after_initialize", func(t *testing.T) {
		manager := NewManager(Template{Bucket: newTestBucket(t), DefaultTTL: time.Second})
		manager.Initialize()
		early, _ := manager.GetCache("early")
		manager.SetDefaultTTL(time.Minute)
		late, _ := manager.GetCache("late")
		assert.Equal(t, time.Second, early.TTL())
		assert.Equal(t, time.Minute, late.TTL())
		assert.Equal(t, time.Minute, manager.DefaultTTL())
	})
}

func TestManager_AddCache(t *testing.T) {
	defaultBucket, otherBucket := newTestBucket(t), newTestBucket(t)
	manager := NewManager(Template{Bucket: defaultBucket, DefaultTTL: time.Second}, "static")
	manager.Initialize()

	added := manager.AddCache("admin", time.Hour)
	assert.Equal(t, time.Hour, added.TTL())
	assert.Same(t, defaultBucket, added.Bucket())
	cache, found := manager.GetCache("admin")
	require.True(t, found, "Added caches are served by static managers")
	assert.Same(t, added, cache)

	replaced := manager.AddCacheWithBucket("static", time.Minute, otherBucket)
	cache, _ = manager.GetCache("static")
	assert.Same(t, replaced, cache)
	assert.Same(t, otherBucket, cache.Bucket())
	assert.Equal(t, []string{"static", "admin"}, manager.CacheNames(), "Overwrites keep the original position")

	caches := manager.Caches()
	require.Len(t, caches, 2)
	assert.Equal(t, "static", caches[0].Name())
	assert.Equal(t, "admin", caches[1].Name())
}

func TestManager_InitializeTwice(t *testing.T) {
	manager := NewManager(Template{Bucket: newTestBucket(t)}, "a")
	manager.Initialize()
	first, _ := manager.GetCache("a")
	manager.Initialize()
	second, _ := manager.GetCache("a")
	assert.Same(t, first, second)
}

func TestManager_LookupBeforeInitialize(t *testing.T) {
	if utils.IsTestMode {
		t.Skip("Invariants panic in test mode.")
	}
	before := utils.GetMetricValue("registry", "lookup_before_initialize")
	manager := NewManager(Template{Bucket: newTestBucket(t)}, "a")
	cache, found := manager.GetCache("a")
	require.True(t, found, "The manager initializes itself")
	assert.Equal(t, "a", cache.Name())
	assert.Equal(t, before+1, utils.GetMetricValue("registry", "lookup_before_initialize"))
}

func TestManager_NilBucket(t *testing.T) {
	if utils.IsTestMode {
		t.Skip("Invariants panic in test mode.")
	}
	manager := NewManager(Template{}, "orphan")
	manager.Initialize()
	cache, found := manager.GetCache("orphan")
	require.True(t, found)
	assert.ErrorIs(t, cache.Put(t.Context(), "k", []byte("v")), ErrNoBucket)
	_, err := cache.Get(t.Context(), "k")
	assert.ErrorIs(t, err, ErrNoBucket)
}

func TestManager_ConcurrentDynamicLookups(t *testing.T) {
	b := newTestBucket(t)
	manager := NewManager(Template{Bucket: b, DefaultTTL: 20 * time.Millisecond})
	manager.Initialize()

	const goroutines = 64
	results := make([]*Cache, goroutines)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			cache, found := manager.GetCache("shared")
			assert.True(t, found)
			results[i] = cache
			// Unrelated names are created concurrently as well.
			_, _ = manager.GetCache(fmt.Sprintf("own-%d", i))
		}()
	}
	close(start)
	wg.Wait()

	for _, cache := range results {
		assert.Same(t, results[0], cache, "Only one cache may be created per name")
		assert.Equal(t, 20*time.Millisecond, cache.TTL())
		assert.Same(t, b, cache.Bucket())
	}
	names := manager.CacheNames()
	assert.Len(t, names, goroutines+1)
	assert.Contains(t, names, "shared")
}
