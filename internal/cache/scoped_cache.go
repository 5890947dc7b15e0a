package cache

import (
	"container/list"
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/clock"
	"github.com/shizukutanaka/Komainu/internal/monitoring"
)

// RoleWildcard grants read access to any caller role
const RoleWildcard = "*"

// Config defines scoped cache configuration
type Config struct {
	// Hard entry cap; inserting past it evicts the least recently accessed entry
	Capacity int

	// TTL applied when Set is called with ttl <= 0
	DefaultTTL time.Duration

	// Background sweep cadence for expired entries
	SweepInterval time.Duration
}

// Stats tracks cache performance
type Stats struct {
	Hits      atomic.Uint64
	Misses    atomic.Uint64
	Sets      atomic.Uint64
	Evictions atomic.Uint64
	Expired   atomic.Uint64
}

type entry struct {
	key    string
	value  interface{}
	expiry time.Time
	roles  map[string]struct{}
}

// ScopedCache is a TTL- and role-gated key/value store with strict
// LRU-by-last-access eviction. A read by a role outside an entry's allowed
// set is indistinguishable from a miss: the caller cannot learn that
// privileged data exists for a key it is not authorized to read.
type ScopedCache struct {
	logger  *zap.Logger
	clock   clock.Clock
	config  Config
	stats   *Stats
	metrics *monitoring.Metrics

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front = most recently accessed
}

// New creates a scoped cache. metrics may be nil.
func New(logger *zap.Logger, clk clock.Clock, config Config, metrics *monitoring.Metrics) *ScopedCache {
	if config.Capacity <= 0 {
		config.Capacity = 1000
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}

	return &ScopedCache{
		logger:  logger,
		clock:   clk,
		config:  config,
		stats:   &Stats{},
		metrics: metrics,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Set stores a value with the given TTL, readable only by the listed roles.
// An empty role list or the wildcard role makes the entry readable by anyone.
func (c *ScopedCache) Set(key string, value interface{}, ttl time.Duration, allowedRoles []string) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	roles := make(map[string]struct{}, len(allowedRoles))
	for _, r := range allowedRoles {
		roles[r] = struct{}{}
	}

	c.stats.Sets.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()

	if elem, exists := c.items[key]; exists {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.expiry = now.Add(ttl)
		ent.roles = roles
		c.lru.MoveToFront(elem)
		return
	}

	if len(c.items) >= c.config.Capacity {
		// Prefer dropping an expired entry over evicting a live one
		if !c.removeOneExpiredLocked(now) {
			c.evictLRULocked()
		}
	}

	elem := c.lru.PushFront(&entry{
		key:    key,
		value:  value,
		expiry: now.Add(ttl),
		roles:  roles,
	})
	c.items[key] = elem
}

// Get returns the value for key if it is present, unexpired, and readable by
// callerRole. Every other case is a miss.
func (c *ScopedCache) Get(key string, callerRole string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		c.recordMiss()
		return nil, false
	}

	ent := elem.Value.(*entry)

	if c.clock.Now().After(ent.expiry) {
		c.removeLocked(elem)
		c.stats.Expired.Add(1)
		c.recordMiss()
		return nil, false
	}

	if !roleAllowed(ent.roles, callerRole) {
		// Unauthorized reads do not refresh recency either
		c.recordMiss()
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.stats.Hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return ent.value, true
}

func (c *ScopedCache) recordMiss() {
	c.stats.Misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}

// Invalidate removes a key. Returns true if it was present.
func (c *ScopedCache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		return false
	}
	c.removeLocked(elem)
	return true
}

// InvalidatePattern removes every key matching the regular expression and
// returns the number removed.
func (c *ScopedCache) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.items {
		if re.MatchString(key) {
			c.removeLocked(elem)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (c *ScopedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// GetStats returns current cache statistics
func (c *ScopedCache) GetStats() map[string]interface{} {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()

	return map[string]interface{}{
		"size":      size,
		"capacity":  c.config.Capacity,
		"hits":      c.stats.Hits.Load(),
		"misses":    c.stats.Misses.Load(),
		"sets":      c.stats.Sets.Load(),
		"evictions": c.stats.Evictions.Load(),
		"expired":   c.stats.Expired.Load(),
	}
}

// Run sweeps expired entries periodically until ctx is done.
func (c *ScopedCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := c.sweep()
			if removed > 0 {
				c.logger.Debug("cache sweep", zap.Int("expired_removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *ScopedCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, elem := range c.items {
		ent := elem.Value.(*entry)
		if now.After(ent.expiry) {
			c.removeLocked(elem)
			c.stats.Expired.Add(1)
			removed++
		}
	}
	return removed
}

func (c *ScopedCache) removeOneExpiredLocked(now time.Time) bool {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		ent := elem.Value.(*entry)
		if now.After(ent.expiry) {
			c.removeLocked(elem)
			c.stats.Expired.Add(1)
			return true
		}
	}
	return false
}

func (c *ScopedCache) evictLRULocked() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	c.removeLocked(elem)
	c.stats.Evictions.Add(1)
}

func (c *ScopedCache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.items, ent.key)
}

func roleAllowed(roles map[string]struct{}, callerRole string) bool {
	if len(roles) == 0 {
		return true
	}
	if _, ok := roles[RoleWildcard]; ok {
		return true
	}
	_, ok := roles[callerRole]
	return ok
}
