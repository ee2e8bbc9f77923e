// Package cache keeps the in-memory bar and metrics windows the fusion
// engine serves reads from. Entries are keyed by unix second so closed
// and in-progress rows share one ordering; the Redis mirror in
// internal/snapshot uses the same keying.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/icefree/tradecat/internal/market"
	"github.com/icefree/tradecat/internal/period"
)

// WindowCache holds the rolling bar windows for every (period, symbol).
// Closed bars are keyed by their datetime, the in-progress bar by its
// period start; at most one in-progress entry exists per pair. The base
// period grows unbounded within the trading week, every other period is
// trimmed to the configured window.
type WindowCache struct {
	mu     sync.RWMutex
	base   period.Period
	window int
	bars   map[period.Period]map[string]map[int64]market.Bar
}

// NewWindowCache builds an empty cache. window bounds the non-base
// periods; zero or negative means unbounded.
func NewWindowCache(base period.Period, window int) *WindowCache {
	return &WindowCache{
		base:   base,
		window: window,
		bars:   make(map[period.Period]map[string]map[int64]market.Bar),
	}
}

func (c *WindowCache) bucket(p period.Period, symbol string) map[int64]market.Bar {
	bySym, ok := c.bars[p]
	if !ok {
		bySym = make(map[string]map[int64]market.Bar)
		c.bars[p] = bySym
	}
	m, ok := bySym[symbol]
	if !ok {
		m = make(map[int64]market.Bar)
		bySym[symbol] = m
	}
	return m
}

func barKey(b market.Bar) int64 {
	if !b.IsClosed && !b.PeriodStart.IsZero() {
		return b.PeriodStart.Unix()
	}
	return b.Datetime.Unix()
}

// Append inserts one bar. An in-progress bar first evicts every other
// in-progress entry for the pair, so the one-unclosed invariant holds
// even across restarts where restored entries were keyed differently.
func (c *WindowCache) Append(p period.Period, symbol string, b market.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.bucket(p, symbol)
	if !b.IsClosed {
		for k, old := range m {
			if !old.IsClosed {
				delete(m, k)
			}
		}
	}
	m[barKey(b)] = b
	c.trim(p, m)
}

// Replace swaps the whole window for one pair, used by warm-up loads.
func (c *WindowCache) Replace(p period.Period, symbol string, bars []market.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := make(map[int64]market.Bar, len(bars))
	for _, b := range bars {
		m[barKey(b)] = b
	}
	bySym, ok := c.bars[p]
	if !ok {
		bySym = make(map[string]map[int64]market.Bar)
		c.bars[p] = bySym
	}
	bySym[symbol] = m
	c.trim(p, m)
}

// trim drops the oldest closed entries beyond the window. The base
// period is exempt; it is bounded by the weekly reset instead.
func (c *WindowCache) trim(p period.Period, m map[int64]market.Bar) {
	if c.window <= 0 || p == c.base || len(m) <= c.window {
		return
	}
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys[:len(m)-c.window] {
		delete(m, k)
	}
}

// TrimBefore drops entries older than cutoff, used to reset the base
// window at the weekly boundary.
func (c *WindowCache) TrimBefore(p period.Period, symbol string, cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bySym, ok := c.bars[p]
	if !ok {
		return
	}
	m, ok := bySym[symbol]
	if !ok {
		return
	}
	cut := cutoff.Unix()
	for k := range m {
		if k < cut {
			delete(m, k)
		}
	}
}

// Bars returns the window for one pair in ascending key order.
func (c *WindowCache) Bars(p period.Period, symbol string) []market.Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bySym, ok := c.bars[p]
	if !ok {
		return nil
	}
	m, ok := bySym[symbol]
	if !ok || len(m) == 0 {
		return nil
	}
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]market.Bar, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// Latest returns the newest entry for one pair.
func (c *WindowCache) Latest(p period.Period, symbol string) (market.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bySym, ok := c.bars[p]
	if !ok {
		return market.Bar{}, false
	}
	m, ok := bySym[symbol]
	if !ok || len(m) == 0 {
		return market.Bar{}, false
	}
	var best int64
	first := true
	for k := range m {
		if first || k > best {
			best, first = k, false
		}
	}
	return m[best], true
}

// Unclosed returns the in-progress entry for one pair, if any.
func (c *WindowCache) Unclosed(p period.Period, symbol string) (market.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bySym, ok := c.bars[p]
	if !ok {
		return market.Bar{}, false
	}
	for _, b := range bySym[symbol] {
		if !b.IsClosed {
			return b, true
		}
	}
	return market.Bar{}, false
}

// Count returns the number of entries held for one pair.
func (c *WindowCache) Count(p period.Period, symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if bySym, ok := c.bars[p]; ok {
		return len(bySym[symbol])
	}
	return 0
}

// Symbols lists every symbol with at least one entry at period p.
func (c *WindowCache) Symbols(p period.Period) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bySym, ok := c.bars[p]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(bySym))
	for s, m := range bySym {
		if len(m) > 0 {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Clear empties the cache.
func (c *WindowCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars = make(map[period.Period]map[string]map[int64]market.Bar)
}
