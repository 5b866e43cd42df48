package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/asakaida/permgate/pkg/cache"
	"github.com/asakaida/permgate/pkg/cache/memorycache"
)

// Collector collects and aggregates metrics for the application.
type Collector struct {
	// API metrics
	apiRequests sync.Map // map[string]*uint64 - method -> count
	apiErrors   sync.Map // map[string]*uint64 - method -> error count
	apiDuration sync.Map // map[string]*durationValue - method -> total duration in seconds

	// Upstream permissions service metrics
	upstreamRequests sync.Map // map[string]*uint64 - entity type -> count
	upstreamStatuses sync.Map // map[string]*uint64 - status label -> count
	upstreamErrors   sync.Map // map[string]*uint64 - entity type -> error count
	upstreamDuration sync.Map // map[string]*durationValue - entity type -> total duration in seconds

	// Shared permissions store (optional)
	cache cache.Cache
}

// durationValue holds duration with mutex for thread-safe updates.
type durationValue struct {
	mu           sync.Mutex
	totalSeconds float64
}

// CacheMetrics holds cache performance metrics.
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	HitRate     float64
	KeysCurrent int64
	MemoryBytes int64
	Evictions   uint64
}

// APIMetrics holds API request metrics.
type APIMetrics struct {
	RequestCounts        map[string]uint64
	ErrorCounts          map[string]uint64
	TotalDurationSeconds map[string]float64
}

// UpstreamMetrics holds permissions service call metrics.
type UpstreamMetrics struct {
	RequestCounts        map[string]uint64 // by entity type
	StatusCounts         map[string]uint64 // by status code, "error" for transport failures
	ErrorCounts          map[string]uint64 // by entity type
	TotalDurationSeconds map[string]float64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// SetCache sets the shared store whose statistics are reported.
func (c *Collector) SetCache(cache cache.Cache) {
	c.cache = cache
}

// RecordRequest records an API request.
func (c *Collector) RecordRequest(method string) {
	atomic.AddUint64(c.getOrCreateCounter(&c.apiRequests, method), 1)
}

// RecordError records an API error.
func (c *Collector) RecordError(method string) {
	atomic.AddUint64(c.getOrCreateCounter(&c.apiErrors, method), 1)
}

// RecordDuration records the duration of an API call in seconds.
func (c *Collector) RecordDuration(method string, durationSeconds float64) {
	addDuration(&c.apiDuration, method, durationSeconds)
}

// RecordUpstream records one call to the permissions service. status is
// zero when no response was received.
func (c *Collector) RecordUpstream(entityType string, status int, durationSeconds float64, failed bool) {
	atomic.AddUint64(c.getOrCreateCounter(&c.upstreamRequests, entityType), 1)
	atomic.AddUint64(c.getOrCreateCounter(&c.upstreamStatuses, StatusLabel(status)), 1)
	if failed {
		atomic.AddUint64(c.getOrCreateCounter(&c.upstreamErrors, entityType), 1)
	}
	addDuration(&c.upstreamDuration, entityType, durationSeconds)
}

// GetCacheMetrics returns current cache metrics.
func (c *Collector) GetCacheMetrics() *CacheMetrics {
	if c.cache == nil {
		return &CacheMetrics{}
	}

	metrics := c.cache.Metrics()
	if metrics == nil {
		return &CacheMetrics{}
	}

	result := &CacheMetrics{
		Hits:      metrics.Hits,
		Misses:    metrics.Misses,
		HitRate:   metrics.HitRate(),
		Evictions: metrics.KeysEvicted,
	}

	if memCache, ok := c.cache.(*memorycache.Cache); ok {
		result.KeysCurrent = int64(memCache.Len())
		result.MemoryBytes = memCache.Size()
	}

	return result
}

// GetAPIMetrics returns current API metrics.
func (c *Collector) GetAPIMetrics() *APIMetrics {
	return &APIMetrics{
		RequestCounts:        loadCounters(&c.apiRequests),
		ErrorCounts:          loadCounters(&c.apiErrors),
		TotalDurationSeconds: loadDurations(&c.apiDuration),
	}
}

// GetUpstreamMetrics returns current permissions service call metrics.
func (c *Collector) GetUpstreamMetrics() *UpstreamMetrics {
	return &UpstreamMetrics{
		RequestCounts:        loadCounters(&c.upstreamRequests),
		StatusCounts:         loadCounters(&c.upstreamStatuses),
		ErrorCounts:          loadCounters(&c.upstreamErrors),
		TotalDurationSeconds: loadDurations(&c.upstreamDuration),
	}
}

// StatusLabel renders an upstream status code as a metric label.
func StatusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

// getOrCreateCounter gets or creates a counter for the given key.
func (c *Collector) getOrCreateCounter(m *sync.Map, key string) *uint64 {
	val, _ := m.LoadOrStore(key, new(uint64))
	return val.(*uint64)
}

func addDuration(m *sync.Map, key string, seconds float64) {
	val, _ := m.LoadOrStore(key, &durationValue{})
	dv := val.(*durationValue)

	dv.mu.Lock()
	dv.totalSeconds += seconds
	dv.mu.Unlock()
}

func loadCounters(m *sync.Map) map[string]uint64 {
	out := make(map[string]uint64)
	m.Range(func(key, value interface{}) bool {
		out[key.(string)] = atomic.LoadUint64(value.(*uint64))
		return true
	})
	return out
}

func loadDurations(m *sync.Map) map[string]float64 {
	out := make(map[string]float64)
	m.Range(func(key, value interface{}) bool {
		dv := value.(*durationValue)
		dv.mu.Lock()
		out[key.(string)] = dv.totalSeconds
		dv.mu.Unlock()
		return true
	})
	return out
}
