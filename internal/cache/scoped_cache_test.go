package cache

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/clock"
	"github.com/shizukutanaka/Komainu/internal/monitoring"
)

func createTestCache(capacity int, clk clock.Clock) *ScopedCache {
	return New(zap.NewNop(), clk, Config{
		Capacity:   capacity,
		DefaultTTL: 5 * time.Minute,
	}, nil)
}

func TestCacheSetGet(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(10, clk)

	c.Set("profile:1", "alice", time.Minute, nil)

	value, ok := c.Get("profile:1", "viewer")
	assert.True(t, ok)
	assert.Equal(t, "alice", value)

	_, ok = c.Get("missing", "viewer")
	assert.False(t, ok)
}

func TestCacheRoleScoping(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(10, clk)

	c.Set("payout:42", 1200.50, time.Minute, []string{"finance", "admin"})

	_, ok := c.Get("payout:42", "viewer")
	assert.False(t, ok, "unauthorized role must look like a miss")

	value, ok := c.Get("payout:42", "finance")
	assert.True(t, ok)
	assert.Equal(t, 1200.50, value)

	// Wildcard entries are readable by anyone
	c.Set("banner", "hello", time.Minute, []string{RoleWildcard})
	_, ok = c.Get("banner", "whoever")
	assert.True(t, ok)

	// So are entries with no role restriction at all
	c.Set("open", "data", time.Minute, []string{})
	_, ok = c.Get("open", "whoever")
	assert.True(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(10, clk)

	c.Set("session:9", "token", time.Minute, nil)

	clk.Advance(59 * time.Second)
	_, ok := c.Get("session:9", "viewer")
	assert.True(t, ok)

	clk.Advance(2 * time.Second)
	_, ok = c.Get("session:9", "viewer")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is removed on read")
}

func TestCacheZeroTTLUsesDefault(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(10, clk)

	c.Set("k", "v", 0, nil)

	clk.Advance(4 * time.Minute)
	_, ok := c.Get("k", "viewer")
	assert.True(t, ok)

	clk.Advance(2 * time.Minute)
	_, ok = c.Get("k", "viewer")
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecentlyAccessed(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(2, clk)

	c.Set("a", 1, time.Minute, nil)
	c.Set("b", 2, time.Minute, nil)

	// Touch a so b becomes least recently accessed
	_, ok := c.Get("a", "viewer")
	assert.True(t, ok)

	c.Set("c", 3, time.Minute, nil)

	_, ok = c.Get("b", "viewer")
	assert.False(t, ok, "b was least recently accessed and must be evicted")
	_, ok = c.Get("a", "viewer")
	assert.True(t, ok)
	_, ok = c.Get("c", "viewer")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCacheRoleMissDoesNotRefreshRecency(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(2, clk)

	c.Set("a", 1, time.Minute, []string{"admin"})
	c.Set("b", 2, time.Minute, nil)

	// Unauthorized read of a must not promote it
	_, ok := c.Get("a", "viewer")
	assert.False(t, ok)

	c.Set("c", 3, time.Minute, nil)

	_, ok = c.Get("a", "admin")
	assert.False(t, ok, "a stayed least recently accessed and must be evicted")
	_, ok = c.Get("b", "viewer")
	assert.True(t, ok)
}

func TestCachePrefersDroppingExpiredOverEvictingLive(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(2, clk)

	c.Set("short", 1, time.Second, nil)
	c.Set("live", 2, time.Hour, nil)

	// short is expired but live is the LRU candidate by recency
	clk.Advance(2 * time.Second)
	_, _ = c.Get("live", "viewer")
	c.Set("short2", 3, time.Hour, nil)

	_, ok := c.Get("live", "viewer")
	assert.True(t, ok, "live entry must survive when an expired one can be dropped")
	_, ok = c.Get("short", "viewer")
	assert.False(t, ok)
}

func TestCacheUpdateExistingKeyAtCapacity(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(2, clk)

	c.Set("a", 1, time.Minute, nil)
	c.Set("b", 2, time.Minute, nil)
	c.Set("a", 10, time.Minute, nil)

	assert.Equal(t, 2, c.Len(), "updating an existing key must not evict")
	value, ok := c.Get("a", "viewer")
	assert.True(t, ok)
	assert.Equal(t, 10, value)
}

func TestCacheInvalidate(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(10, clk)

	c.Set("k", "v", time.Minute, nil)
	assert.True(t, c.Invalidate("k"))
	assert.False(t, c.Invalidate("k"))

	_, ok := c.Get("k", "viewer")
	assert.False(t, ok)
}

func TestCacheInvalidatePattern(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(10, clk)

	c.Set("user:1:profile", 1, time.Minute, nil)
	c.Set("user:2:profile", 2, time.Minute, nil)
	c.Set("order:1", 3, time.Minute, nil)

	removed, err := c.InvalidatePattern(`^user:\d+:profile$`)
	assert.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, err = c.InvalidatePattern(`[invalid`)
	assert.Error(t, err)
}

func TestCacheExportsHitMissCounters(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	metrics := monitoring.NewMetrics()
	c := New(zap.NewNop(), clk, Config{Capacity: 10, DefaultTTL: time.Minute}, metrics)

	c.Set("k", "v", time.Minute, []string{"admin"})

	_, ok := c.Get("k", "admin")
	assert.True(t, ok)
	_, ok = c.Get("missing", "admin")
	assert.False(t, ok)
	// Role-denied reads count as misses on the exported series too
	_, ok = c.Get("k", "viewer")
	assert.False(t, ok)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHits))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CacheMisses))
}

func TestCacheStats(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := createTestCache(10, clk)

	c.Set("k", "v", time.Minute, nil)
	c.Get("k", "viewer")
	c.Get("missing", "viewer")

	stats := c.GetStats()
	assert.Equal(t, 1, stats["size"])
	assert.Equal(t, uint64(1), stats["hits"])
	assert.Equal(t, uint64(1), stats["misses"])
	assert.Equal(t, uint64(1), stats["sets"])
}
