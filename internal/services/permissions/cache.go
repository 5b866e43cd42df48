package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/asakaida/permgate/pkg/cache"
)

// Cache memoizes permissions service answers per entity type. One Cache
// serves one principal/scope pair; its lifetime is the caching scope.
//
// A Cache may be backed by a shared store so that answers survive across
// requests and instances. Readers always receive copies.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	ttl time.Duration
	now func() time.Time

	shared    cache.Cache
	namespace string
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL expires entries ttl after they were fetched. Zero keeps entries
// for the lifetime of the Cache.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithSharedStore backs the Cache with store. Keys are namespaced so that
// different principal/scope pairs never collide.
func WithSharedStore(store cache.Cache, namespace string) CacheOption {
	return func(c *Cache) {
		c.shared = store
		c.namespace = namespace
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates an empty Cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace builds the shared store namespace for a principal and scope.
// Segments are path-escaped so that "/" only ever separates them.
func Namespace(principal, scope string) string {
	return url.PathEscape(principal) + "/" + url.PathEscape(scope)
}

// PrincipalPrefix returns the key prefix covering every scope of principal.
func PrincipalPrefix(principal string) string {
	return url.PathEscape(principal) + "/"
}

// SharedKey returns the shared store key for an entity type within namespace.
func SharedKey(namespace, entityType string) string {
	return namespace + "/" + url.PathEscape(entityType)
}

// IsCached reports whether permitted actions for entityType were recorded
// and have not expired.
func (c *Cache) IsCached(entityType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(entityType) != nil
}

// Load reports whether entityType is cached, consulting the shared store on
// a local miss. A shared hit is installed locally. Undecodable shared
// records count as misses.
func (c *Cache) Load(ctx context.Context, entityType string) bool {
	if c.IsCached(entityType) {
		return true
	}
	if c.shared == nil {
		return false
	}

	raw, ok := c.shared.Get(ctx, SharedKey(c.namespace, entityType))
	if !ok {
		return false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return false
	}
	if c.expired(&e) {
		return false
	}
	e.granted = true

	c.mu.Lock()
	c.entries[entityType] = &e
	c.mu.Unlock()
	return true
}

// Put stores a complete entry for entityType, replacing any previous one.
// The local write always happens; the returned error only reports a failed
// write to the shared store.
func (c *Cache) Put(ctx context.Context, entityType string, e *Entry) error {
	stored := e.clone()
	stored.granted = true
	if stored.FetchedAt.IsZero() {
		stored.FetchedAt = c.now()
	}

	c.mu.Lock()
	c.entries[entityType] = stored
	c.mu.Unlock()

	if c.shared == nil {
		return nil
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode entry for %s: %w", entityType, err)
	}
	if err := c.shared.Set(ctx, SharedKey(c.namespace, entityType), raw, c.ttl); err != nil {
		return fmt.Errorf("write shared entry for %s: %w", entityType, err)
	}
	return nil
}

// Forget drops entityType locally and from the shared store.
func (c *Cache) Forget(ctx context.Context, entityType string) error {
	c.mu.Lock()
	delete(c.entries, entityType)
	c.mu.Unlock()

	if c.shared == nil {
		return nil
	}
	return c.shared.Delete(ctx, SharedKey(c.namespace, entityType))
}

// Reset drops every local entry. The shared store is untouched.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// AddPermissions sets the permitted actions for entityType and marks it cached.
func (c *Cache) AddPermissions(entityType string, actions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(entityType)
	e.PermittedActions = NewActionSet(actions...)
	e.granted = true
}

// PermittedActions returns the permitted actions for entityType. The second
// result is false when nothing was fetched or nothing is permitted; callers
// must treat that as no permissions.
func (c *Cache) PermittedActions(entityType string) (ActionSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[entityType]
	if e == nil || len(e.PermittedActions) == 0 {
		return nil, false
	}
	return e.PermittedActions.clone(), true
}

// AddDigitalFilters sets the per-action digital filters for entityType.
func (c *Cache) AddDigitalFilters(entityType string, filters map[string]json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(entityType).ActionDigitalFilters = cloneFilters(filters)
}

// DigitalFilters returns entityType -> action -> filter for exactly the given
// entity types. A type without filters maps to an empty map.
func (c *Cache) DigitalFilters(entityTypes []string) map[string]map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]json.RawMessage, len(entityTypes))
	for _, et := range entityTypes {
		var filters map[string]json.RawMessage
		if e := c.entries[et]; e != nil {
			filters = e.ActionDigitalFilters
		}
		out[et] = cloneFilters(filters)
	}
	return out
}

// AddCachedHeaders stores the upstream response headers for entityType.
func (c *Cache) AddCachedHeaders(entityType string, headers http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(entityType).ResponseHeaders = headers.Clone()
}

// CachedHeaders returns the upstream response headers for entityType.
func (c *Cache) CachedHeaders(entityType string) (http.Header, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[entityType]
	if e == nil || e.ResponseHeaders == nil {
		return nil, false
	}
	return e.ResponseHeaders.Clone(), true
}

// AddPortalData stores the portal payload for entityType.
func (c *Cache) AddPortalData(entityType string, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(entityType).PortalData = cloneRaw(data)
}

// PortalData returns entityType -> payload for the given entity types,
// omitting types without portal data.
func (c *Cache) PortalData(entityTypes []string) map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for _, et := range entityTypes {
		if e := c.entries[et]; e != nil && e.PortalData != nil {
			out[et] = cloneRaw(e.PortalData)
		}
	}
	return out
}

// entryLocked returns the entry for entityType, creating it if needed.
// Must hold the write lock.
func (c *Cache) entryLocked(entityType string) *Entry {
	e := c.entries[entityType]
	if e == nil {
		e = &Entry{FetchedAt: c.now()}
		c.entries[entityType] = e
	}
	return e
}

// liveLocked returns the unexpired, granted entry for entityType, dropping it
// when expired. Must hold the write lock.
func (c *Cache) liveLocked(entityType string) *Entry {
	e := c.entries[entityType]
	if e == nil {
		return nil
	}
	if c.expired(e) {
		delete(c.entries, entityType)
		return nil
	}
	if !e.granted {
		return nil
	}
	return e
}

func (c *Cache) expired(e *Entry) bool {
	return c.ttl > 0 && !c.now().Before(e.FetchedAt.Add(c.ttl))
}
