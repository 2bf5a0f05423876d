// Package marketdata keeps the latest per-symbol market snapshot that risk
// assessments read, and the websocket feed that fills it.
package marketdata

import (
	"sort"
	"sync"
	"time"

	"tradeguard/internal/risk"
)

// Cache holds the latest MarketData per symbol. Entries older than maxAge
// are treated as missing, so a dead feed stops influencing assessments.
type Cache struct {
	mu     sync.RWMutex
	data   map[string]risk.MarketData
	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates a cache. A zero maxAge keeps entries forever.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		data:   make(map[string]risk.MarketData),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Update stores md for symbol, stamping it with the current time when
// UpdatedAt is unset.
func (c *Cache) Update(symbol string, md risk.MarketData) {
	if md.UpdatedAt.IsZero() {
		md.UpdatedAt = c.now().UTC()
	}
	c.mu.Lock()
	c.data[symbol] = md
	c.mu.Unlock()
}

// Get returns the fresh entry for symbol.
func (c *Cache) Get(symbol string) (risk.MarketData, bool) {
	c.mu.RLock()
	md, ok := c.data[symbol]
	c.mu.RUnlock()
	if !ok || c.stale(md, c.now()) {
		return risk.MarketData{}, false
	}
	return md, true
}

// Snapshot copies the fresh entries for symbols, or for every symbol when
// none are given.
func (c *Cache) Snapshot(symbols ...string) risk.MarketSnapshot {
	now := c.now()
	snap := make(risk.MarketSnapshot)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(symbols) == 0 {
		for s, md := range c.data {
			if !c.stale(md, now) {
				snap[s] = md
			}
		}
		return snap
	}
	for _, s := range symbols {
		if md, ok := c.data[s]; ok && !c.stale(md, now) {
			snap[s] = md
		}
	}
	return snap
}

// Symbols lists every cached symbol, fresh or not, sorted.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	symbols := make([]string, 0, len(c.data))
	for s := range c.data {
		symbols = append(symbols, s)
	}
	c.mu.RUnlock()
	sort.Strings(symbols)
	return symbols
}

func (c *Cache) stale(md risk.MarketData, now time.Time) bool {
	return c.maxAge > 0 && now.Sub(md.UpdatedAt) > c.maxAge
}
