package memorycache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asakaida/permgate/pkg/cache"
)

// Compile-time interface check.
var _ cache.Cache = (*Cache)(nil)

// entryOverhead approximates the bookkeeping cost of one entry in bytes.
const entryOverhead = 64

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
	size      int64
}

// Cache is an in-process LRU cache with per-entry TTL.
type Cache struct {
	mu sync.Mutex

	items     map[string]*list.Element
	evictList *list.List // front = most recent

	maxSize     int64
	defaultTTL  time.Duration
	currentSize int64

	metricsEnabled bool
	hits           atomic.Uint64
	misses         atomic.Uint64
	keysAdded      atomic.Uint64
	keysEvicted    atomic.Uint64

	now func() time.Time
}

// Config holds configuration for the memory cache.
type Config struct {
	// MaxSizeBytes is the maximum total size of cached values in bytes.
	// When this limit is exceeded, least recently used items are evicted.
	MaxSizeBytes int64

	// DefaultTTL is used when Set is called with a non-positive ttl.
	DefaultTTL time.Duration

	// EnableMetrics enables collection of cache metrics.
	EnableMetrics bool
}

// New creates a new memory cache with the given configuration.
func New(config *Config) (*Cache, error) {
	return &Cache{
		items:          make(map[string]*list.Element),
		evictList:      list.New(),
		maxSize:        config.MaxSizeBytes,
		defaultTTL:     config.DefaultTTL,
		metricsEnabled: config.EnableMetrics,
		now:            time.Now,
	}, nil
}

// Get retrieves a copy of a value from cache.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		c.recordMiss()
		return nil, false
	}

	ent := elem.Value.(*entry)
	if !ent.expiresAt.IsZero() && c.now().After(ent.expiresAt) {
		c.removeElement(elem)
		c.recordMiss()
		return nil, false
	}

	c.evictList.MoveToFront(elem)
	c.recordHit()

	return append([]byte(nil), ent.value...), true
}

// Set stores a copy of value with the given TTL.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	size := int64(entryOverhead + len(key) + len(value))
	stored := append([]byte(nil), value...)

	if elem, exists := c.items[key]; exists {
		ent := elem.Value.(*entry)
		c.currentSize += size - ent.size
		ent.value = stored
		ent.expiresAt = expiresAt
		ent.size = size
		c.evictList.MoveToFront(elem)
	} else {
		elem := c.evictList.PushFront(&entry{
			key:       key,
			value:     stored,
			expiresAt: expiresAt,
			size:      size,
		})
		c.items[key] = elem
		c.currentSize += size
		if c.metricsEnabled {
			c.keysAdded.Add(1)
		}
	}

	for c.maxSize > 0 && c.currentSize > c.maxSize && c.evictList.Len() > 0 {
		c.removeElement(c.evictList.Back())
		if c.metricsEnabled {
			c.keysEvicted.Add(1)
		}
	}

	return nil
}

// Delete removes a value from cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
	return nil
}

// DeletePrefix removes all values whose key starts with prefix.
func (c *Cache) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(elem)
		}
	}
	return nil
}

// Clear removes all entries from cache.
func (c *Cache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
	c.currentSize = 0
	return nil
}

// Close is a no-op for the memory cache.
func (c *Cache) Close() error {
	return nil
}

// Metrics returns cache statistics.
func (c *Cache) Metrics() *cache.Metrics {
	if !c.metricsEnabled {
		return &cache.Metrics{}
	}
	return &cache.Metrics{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		KeysAdded:   c.keysAdded.Load(),
		KeysEvicted: c.keysEvicted.Load(),
	}
}

// ResetMetrics resets cache statistics.
func (c *Cache) ResetMetrics() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.keysAdded.Store(0)
	c.keysEvicted.Store(0)
}

// Len returns the current number of items in cache.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Size returns the current total size in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

func (c *Cache) recordHit() {
	if c.metricsEnabled {
		c.hits.Add(1)
	}
}

func (c *Cache) recordMiss() {
	if c.metricsEnabled {
		c.misses.Add(1)
	}
}

// removeElement must be called with the lock held.
func (c *Cache) removeElement(elem *list.Element) {
	c.evictList.Remove(elem)
	ent := elem.Value.(*entry)
	delete(c.items, ent.key)
	c.currentSize -= ent.size
}
