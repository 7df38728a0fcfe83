package pricefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folioworks/rebalancer/internal/domain"
)

func TestCacheMergeLastWriteWins(t *testing.T) {
	cache := NewCache()

	cache.Merge([]domain.Quote{
		{Symbol: "AAA", Price: 100},
		{Symbol: "BBB", Price: 50},
	}, time.Now())

	cache.Merge([]domain.Quote{
		{Symbol: "AAA", Price: 105},
	}, time.Now())

	price, ok := cache.Price("AAA")
	require.True(t, ok)
	assert.Equal(t, 105.0, price)

	// Symbols absent from the second batch keep their prior quote
	price, ok = cache.Price("BBB")
	require.True(t, ok)
	assert.Equal(t, 50.0, price)
}

func TestCachePriceMissing(t *testing.T) {
	cache := NewCache()

	price, ok := cache.Price("NOPE")
	assert.False(t, ok)
	assert.Zero(t, price)
}

func TestCacheMergeEmptyBatchKeepsTimestamp(t *testing.T) {
	cache := NewCache()
	ts := time.Now().Add(-time.Minute)
	cache.Merge([]domain.Quote{{Symbol: "AAA", Price: 1}}, ts)

	cache.Merge(nil, time.Now())
	assert.Equal(t, ts, cache.LastUpdated())
}

func TestCacheMissing(t *testing.T) {
	cache := NewCache()
	cache.Merge([]domain.Quote{{Symbol: "AAA", Price: 1}}, time.Now())

	missing := cache.Missing([]string{"AAA", "BBB", "CCC"})
	assert.Equal(t, []string{"BBB", "CCC"}, missing)

	assert.Nil(t, cache.Missing([]string{"AAA"}))
}

func TestCacheWarmDoesNotCountAsFresh(t *testing.T) {
	cache := NewCache()
	cache.Warm([]domain.Quote{{Symbol: "AAA", Price: 99}})

	price, ok := cache.Price("AAA")
	require.True(t, ok)
	assert.Equal(t, 99.0, price)

	// Warmed data is still stale: the pull fallback must refresh it
	assert.True(t, cache.StaleSince(time.Hour))
	assert.True(t, cache.LastUpdated().IsZero())
}

func TestCacheWarmDoesNotOverwriteLiveQuotes(t *testing.T) {
	cache := NewCache()
	cache.Merge([]domain.Quote{{Symbol: "AAA", Price: 100}}, time.Now())
	cache.Warm([]domain.Quote{{Symbol: "AAA", Price: 42}, {Symbol: "BBB", Price: 7}})

	price, _ := cache.Price("AAA")
	assert.Equal(t, 100.0, price)
	price, _ = cache.Price("BBB")
	assert.Equal(t, 7.0, price)
}

func TestCacheStaleSince(t *testing.T) {
	cache := NewCache()
	assert.True(t, cache.StaleSince(time.Minute))

	cache.Merge([]domain.Quote{{Symbol: "AAA", Price: 1}}, time.Now())
	assert.False(t, cache.StaleSince(time.Minute))

	cache.Merge([]domain.Quote{{Symbol: "AAA", Price: 2}}, time.Now().Add(-2*time.Minute))
	assert.True(t, cache.StaleSince(time.Minute))
}

func TestCacheSnapshotIsCopy(t *testing.T) {
	cache := NewCache()
	cache.Merge([]domain.Quote{{Symbol: "AAA", Price: 1}}, time.Now())

	snap := cache.Snapshot()
	snap["AAA"] = domain.Quote{Symbol: "AAA", Price: 999}

	price, _ := cache.Price("AAA")
	assert.Equal(t, 1.0, price)
}
