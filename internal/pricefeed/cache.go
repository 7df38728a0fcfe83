// Package pricefeed maintains the live quote cache and the streaming
// subscription that feeds it.
package pricefeed

import (
	"sync"
	"time"

	"github.com/folioworks/rebalancer/internal/domain"
)

// Cache maps ticker symbols to their latest quote. Merges are last-write-wins
// per symbol; each slot is independently overwritten, so batches may be
// applied as they arrive.
type Cache struct {
	mu          sync.RWMutex
	quotes      map[string]domain.Quote
	lastUpdated time.Time
}

// NewCache creates an empty price cache
func NewCache() *Cache {
	return &Cache{
		quotes: make(map[string]domain.Quote),
	}
}

// Merge replaces the cached quote for every symbol in the batch and records
// the batch timestamp as last-updated
func (c *Cache) Merge(quotes []domain.Quote, timestamp time.Time) {
	if len(quotes) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, q := range quotes {
		c.quotes[q.Symbol] = q
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	c.lastUpdated = timestamp
}

// Warm seeds the cache with persisted quotes without touching the
// last-updated timestamp, so warm-started data still counts as stale and the
// pull fallback refreshes it promptly.
func (c *Cache) Warm(quotes []domain.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, q := range quotes {
		if _, ok := c.quotes[q.Symbol]; !ok {
			c.quotes[q.Symbol] = q
		}
	}
}

// Get returns the cached quote for a symbol
func (c *Cache) Get(symbol string) (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[symbol]
	return q, ok
}

// Price returns the cached price for a symbol. Satisfies the valuation
// engine's price lookup contract.
func (c *Cache) Price(symbol string) (float64, bool) {
	q, ok := c.Get(symbol)
	if !ok {
		return 0, false
	}
	return q.Price, true
}

// Snapshot returns a copy of all cached quotes
func (c *Cache) Snapshot() map[string]domain.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]domain.Quote, len(c.quotes))
	for k, v := range c.quotes {
		result[k] = v
	}
	return result
}

// Symbols returns all symbols currently covered by the cache
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	symbols := make([]string, 0, len(c.quotes))
	for s := range c.quotes {
		symbols = append(symbols, s)
	}
	return symbols
}

// Missing returns the subset of symbols with no cached quote
func (c *Cache) Missing(symbols []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var missing []string
	for _, s := range symbols {
		if _, ok := c.quotes[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// LastUpdated returns the timestamp of the most recent merge
func (c *Cache) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

// StaleSince reports whether the cache has not been updated within the given
// window. For display and pull-fallback scheduling only; correctness is never
// gated on it.
func (c *Cache) StaleSince(window time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastUpdated.IsZero() {
		return true
	}
	return time.Since(c.lastUpdated) > window
}
