package cache

import (
	"sort"
	"sync"

	"github.com/icefree/tradecat/internal/market"
	"github.com/icefree/tradecat/internal/period"
)

// MetricsWindow is the metrics counterpart of WindowCache. Same keying,
// same one-unclosed rule; every period is trimmed to the window since
// the metrics base stream is 5m and far sparser than candles.
type MetricsWindow struct {
	mu      sync.RWMutex
	window  int
	entries map[period.Period]map[string]map[int64]market.Metrics
}

// NewMetricsWindow builds an empty window; zero or negative means
// unbounded.
func NewMetricsWindow(window int) *MetricsWindow {
	return &MetricsWindow{
		window:  window,
		entries: make(map[period.Period]map[string]map[int64]market.Metrics),
	}
}

func metricsKey(m market.Metrics) int64 {
	if !m.IsClosed && !m.PeriodStart.IsZero() {
		return m.PeriodStart.Unix()
	}
	return m.Datetime.Unix()
}

func (w *MetricsWindow) bucket(p period.Period, symbol string) map[int64]market.Metrics {
	bySym, ok := w.entries[p]
	if !ok {
		bySym = make(map[string]map[int64]market.Metrics)
		w.entries[p] = bySym
	}
	m, ok := bySym[symbol]
	if !ok {
		m = make(map[int64]market.Metrics)
		bySym[symbol] = m
	}
	return m
}

// Append inserts one metrics row, evicting any other in-progress entry
// for the pair first.
func (w *MetricsWindow) Append(p period.Period, symbol string, m market.Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()

	bucket := w.bucket(p, symbol)
	if !m.IsClosed {
		for k, old := range bucket {
			if !old.IsClosed {
				delete(bucket, k)
			}
		}
	}
	bucket[metricsKey(m)] = m
	w.trim(bucket)
}

// Replace swaps the whole window for one pair.
func (w *MetricsWindow) Replace(p period.Period, symbol string, rows []market.Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()

	m := make(map[int64]market.Metrics, len(rows))
	for _, r := range rows {
		m[metricsKey(r)] = r
	}
	bySym, ok := w.entries[p]
	if !ok {
		bySym = make(map[string]map[int64]market.Metrics)
		w.entries[p] = bySym
	}
	bySym[symbol] = m
	w.trim(m)
}

func (w *MetricsWindow) trim(m map[int64]market.Metrics) {
	if w.window <= 0 || len(m) <= w.window {
		return
	}
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys[:len(m)-w.window] {
		delete(m, k)
	}
}

// Rows returns the window for one pair in ascending key order.
func (w *MetricsWindow) Rows(p period.Period, symbol string) []market.Metrics {
	w.mu.RLock()
	defer w.mu.RUnlock()

	bySym, ok := w.entries[p]
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
	out := make([]market.Metrics, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// Latest returns the newest entry for one pair.
func (w *MetricsWindow) Latest(p period.Period, symbol string) (market.Metrics, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	bySym, ok := w.entries[p]
	if !ok {
		return market.Metrics{}, false
	}
	m, ok := bySym[symbol]
	if !ok || len(m) == 0 {
		return market.Metrics{}, false
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

// Count returns the number of entries held for one pair.
func (w *MetricsWindow) Count(p period.Period, symbol string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if bySym, ok := w.entries[p]; ok {
		return len(bySym[symbol])
	}
	return 0
}
