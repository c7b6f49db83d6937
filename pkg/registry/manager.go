// The registry maps cache names to caches backed by buckets. A Manager is either static, serving exactly the names
// it was built with, or dynamic, creating a cache from its template the first time an unknown name is looked up.
// A manager built without any name is dynamic.
//
// Construction only records declarations; Initialize resolves them, in order, into live caches. A later declaration
// of a name replaces an earlier one, and a declaration without TTL takes the default TTL in effect at that point.

package registry

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nobletooth/bucketcache/pkg/bucket"
	"github.com/nobletooth/bucketcache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cache_registry_lookups_total",
	Help: "Total number of cache lookups by name.",
}, []string{"result" /* hit | miss | created */})

// Provider is the lookup side of a cache registry.
type Provider interface {
	// GetCache returns the cache registered under `name`, if any.
	GetCache(name string) (*Cache, bool)
	// CacheNames returns the known cache names in registration order.
	CacheNames() []string
}

var _ Provider = (*Manager)(nil)

// Template holds the defaults applied to caches that don't override them.
type Template struct {
	Bucket     bucket.Bucket
	DefaultTTL time.Duration
}

// Declaration describes one statically declared cache. Nil fields fall back to the manager defaults; TTL is a
// pointer so that an explicit zero (no expiry) can be told apart from "use the default".
type Declaration struct {
	Name   string
	Bucket bucket.Bucket
	TTL    *time.Duration
}

// Declare is a shorthand for a Declaration with an explicit TTL on the default bucket.
func Declare(name string, ttl time.Duration) *Declaration {
	return &Declaration{Name: name, TTL: &ttl}
}

// Manager is a name -> Cache registry. All methods are safe for concurrent use.
type Manager struct {
	declarations  []Declaration // Consumed by Initialize.
	dynamic       bool
	defaultBucket bucket.Bucket
	initOnce      sync.Once
	initialized   atomic.Bool

	mux        sync.RWMutex
	defaultTTL time.Duration
	caches     map[string]*Cache
	names      []string // Registration order of `caches`.
}

// NewManager builds a manager serving `names` with the template bucket and default TTL.
// Without names the manager is dynamic.
func NewManager(template Template, names ...string) *Manager {
	declarations := make([]*Declaration, 0, len(names))
	for _, name := range names {
		declarations = append(declarations, &Declaration{Name: name})
	}
	return NewManagerFromDeclarations(template, declarations...)
}

// NewManagerFromDeclarations builds a manager from per-cache declarations, resolved against `template`.
// Nil declarations are skipped; without any declaration the manager is dynamic. A nameless declaration still makes
// the manager static, though it registers no cache.
func NewManagerFromDeclarations(template Template, declarations ...*Declaration) *Manager {
	m := &Manager{
		defaultBucket: template.Bucket,
		defaultTTL:    template.DefaultTTL,
		caches:        make(map[string]*Cache),
	}
	declared := 0
	for _, declaration := range declarations {
		if declaration == nil {
			continue
		}
		declared++
		if declaration.Name == "" {
			slog.Warn("Skipping cache declaration without a name.")
			continue
		}
		m.declarations = append(m.declarations, *declaration)
	}
	m.dynamic = declared == 0
	return m
}

// Initialize materializes the declared caches. It must be called once before the manager serves lookups;
// later calls do nothing.
func (m *Manager) Initialize() {
	m.initOnce.Do(func() {
		m.mux.Lock()
		defer m.mux.Unlock()

		for _, declaration := range m.declarations {
			b, ttl := declaration.Bucket, m.defaultTTL
			if b == nil {
				b = m.defaultBucket
			}
			if declaration.TTL != nil {
				ttl = *declaration.TTL
			}
			m.register(newCache(declaration.Name, b, ttl))
		}
		m.declarations = nil
		m.initialized.Store(true)
		slog.Info("Cache registry initialized.", "caches", len(m.names), "dynamic", m.dynamic,
			"defaultTTL", m.defaultTTL)
	})
}

// ensureInitialized initializes managers that are used before Initialize was called.
func (m *Manager) ensureInitialized() {
	if m.initialized.Load() {
		return
	}
	utils.RaiseInvariant("registry", "lookup_before_initialize",
		"Cache registry was used before being initialized.")
	m.Initialize()
}

// GetCache returns the cache named `name`. Dynamic managers create and register unknown names; static managers
// report them as not found without side effects.
func (m *Manager) GetCache(name string) (*Cache, bool) {
	m.ensureInitialized()

	m.mux.RLock()
	cache, found := m.caches[name]
	m.mux.RUnlock()
	if found {
		lookups.WithLabelValues("hit").Inc()
		return cache, true
	}
	if !m.dynamic || name == "" {
		lookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	// Re-check under the write lock: another caller may have created it meanwhile.
	if cache, found := m.caches[name]; found {
		lookups.WithLabelValues("hit").Inc()
		return cache, true
	}
	cache = newCache(name, m.defaultBucket, m.defaultTTL)
	m.register(cache)
	lookups.WithLabelValues("created").Inc()
	slog.Debug("Created cache on first lookup.", "cache", name, "ttl", cache.ttl)
	return cache, true
}

// CacheNames returns the known cache names in registration order.
func (m *Manager) CacheNames() []string {
	m.ensureInitialized()

	m.mux.RLock()
	defer m.mux.RUnlock()
	return slices.Clone(m.names)
}

// Caches returns the live caches in registration order.
func (m *Manager) Caches() []*Cache {
	m.ensureInitialized()

	m.mux.RLock()
	defer m.mux.RUnlock()
	caches := make([]*Cache, 0, len(m.names))
	for _, name := range m.names {
		caches = append(caches, m.caches[name])
	}
	return caches
}

// AddCache registers `name` on the default bucket, replacing any cache with the same name.
func (m *Manager) AddCache(name string, ttl time.Duration) *Cache {
	return m.AddCacheWithBucket(name, ttl, m.defaultBucket)
}

// AddCacheWithBucket registers `name` on bucket `b`, replacing any cache with the same name.
func (m *Manager) AddCacheWithBucket(name string, ttl time.Duration, b bucket.Bucket) *Cache {
	m.ensureInitialized()

	cache := newCache(name, b, ttl)
	m.mux.Lock()
	defer m.mux.Unlock()
	m.register(cache)
	return cache
}

// SetDefaultTTL changes the TTL of caches created from now on. Caches that already exist keep theirs.
func (m *Manager) SetDefaultTTL(ttl time.Duration) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.defaultTTL = ttl
}

func (m *Manager) DefaultTTL() time.Duration {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.defaultTTL
}

// IsDynamic reports whether unknown names are created on lookup.
func (m *Manager) IsDynamic() bool {
	return m.dynamic
}

// register stores `cache`, keeping the first registration position of its name. Caller must hold the write lock.
func (m *Manager) register(cache *Cache) {
	if cache.bucket == nil {
		utils.RaiseInvariant("registry", "nil_bucket",
			"Registering a cache without a bucket; its operations will return ErrNoBucket.", "cache", cache.name)
	}
	if _, exists := m.caches[cache.name]; !exists {
		m.names = append(m.names, cache.name)
	}
	m.caches[cache.name] = cache
}
