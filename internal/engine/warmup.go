package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/icefree/tradecat/internal/market"
	"github.com/icefree/tradecat/internal/period"
	"github.com/icefree/tradecat/internal/snapshot"
	"github.com/icefree/tradecat/internal/telemetry"
)

// Warmup brings the engine to the upstream head: restore from the
// snapshot store when it passes the age and coverage gates, otherwise a
// full reload, then a serial catch-up from last_seen.
func (e *Engine) Warmup(ctx context.Context) error {
	now := e.now().UTC()
	e.weekStart = period.WeekStart(now)

	symbols, err := e.up.Symbols(ctx, e.base, e.weekStart)
	if err != nil {
		return fmt.Errorf("symbol universe: %w", err)
	}
	if len(symbols) == 0 {
		log.Warn().Msg("no symbols upstream this week, engine starts empty")
	}
	e.symbols = symbols

	if e.tryRestore(ctx, now) {
		log.Info().Time("last_seen", e.lastSeen).Int("symbols", len(symbols)).
			Msg("restored from snapshot, catching up")
		if err := e.SerialCatchup(ctx); err != nil {
			return fmt.Errorf("catch-up after restore: %w", err)
		}
		return nil
	}

	log.Info().Int("symbols", len(symbols)).Msg("full warm-up")
	if err := e.fullWarmup(ctx, now); err != nil {
		return err
	}
	if e.store != nil {
		e.store.SaveAll(ctx, e.buildDump())
	}
	return nil
}

// tryRestore loads the snapshot mirror if it passes both gates: age
// below the configured maximum and base coverage reaching back to the
// week start. A rejected restore leaves the engine empty.
func (e *Engine) tryRestore(ctx context.Context, now time.Time) bool {
	if e.store == nil {
		return false
	}
	ok, seen := e.store.IsValid(ctx, e.cfg.RestoreMaxAge(), now)
	if !ok {
		log.Info().Time("last_seen", seen).Msg("snapshot missing or stale, skipping restore")
		return false
	}
	dump, err := e.store.RestoreAll(ctx, e.symbols, e.cfg.AllPeriods())
	if err != nil {
		log.Warn().Err(err).Msg("snapshot restore failed, falling back to full warm-up")
		return false
	}
	if !restoreCovers(dump, e.base, now) {
		log.Warn().Int("needed", period.MinutesSinceWeekStart(now)).
			Msg("restored base coverage below week requirement, discarding snapshot")
		return false
	}
	e.loadDump(dump)
	return true
}

// restoreCovers checks the coverage gate: the best-covered symbol must
// hold at least as many base bars as minutes have elapsed this week.
// Partial caches that look normal but are not must never serve reads.
func restoreCovers(d *snapshot.Dump, base period.Period, now time.Time) bool {
	needed := period.MinutesSinceWeekStart(now)
	best := 0
	for _, bars := range d.Bars[base] {
		if len(bars) > best {
			best = len(bars)
		}
	}
	return best >= needed
}

// loadDump installs restored state into the caches and forming-bucket
// maps.
func (e *Engine) loadDump(d *snapshot.Dump) {
	for p, bySym := range d.Bars {
		for sym, bars := range bySym {
			e.cache.Replace(p, sym, bars)
		}
	}
	for p, bySym := range d.Unclosed {
		for sym, rec := range bySym {
			st := rec.State
			if e.unclosed[p] == nil {
				e.unclosed[p] = make(map[string]*market.UnclosedState)
				e.unclosedTS[p] = make(map[string]time.Time)
			}
			e.unclosed[p][sym] = &st
			e.unclosedTS[p][sym] = rec.LastUpdate
		}
	}
	for p, bySym := range d.Metrics {
		for sym, rows := range bySym {
			e.metrics.Replace(p, sym, rows)
			// Re-open the forming bucket from a restored unclosed row.
			if p == period.Min5 {
				continue
			}
			for _, m := range rows {
				if m.IsClosed {
					continue
				}
				st := market.NewMetricsState(m.PeriodStart, m)
				st.LastUpdate = m.Datetime
				if e.metricsState[p] == nil {
					e.metricsState[p] = make(map[string]*market.MetricsState)
				}
				e.metricsState[p][sym] = st
			}
		}
	}
	e.lastSeen = d.LastSeen
	e.metricsSeen = d.LastSeen
	for _, sym := range e.cache.Symbols(e.base) {
		if b, ok := e.cache.Latest(e.base, sym); ok {
			e.lastBaseTS[sym] = b.Datetime
		}
	}
	if !e.lastSeen.IsZero() {
		telemetry.LastSeen.Set(float64(e.lastSeen.Unix()))
	}
}

// fullWarmup loads every period window in parallel, then rebuilds the
// forming buckets from the base window.
func (e *Engine) fullWarmup(ctx context.Context, now time.Time) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, p := range e.cfg.AllPeriods() {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			var (
				bySym map[string][]market.Bar
				err   error
			)
			if p == e.base {
				bySym, err = e.up.WeekBars(ctx, e.base, e.symbols, now)
			} else {
				bySym, err = e.up.WindowBars(ctx, p, e.symbols, barLookbacks[p], now)
			}
			if err != nil {
				fail(err)
				return
			}
			mu.Lock()
			for sym, bars := range bySym {
				e.cache.Replace(p, sym, bars)
			}
			mu.Unlock()
		}()
	}

	metricsPeriods := append([]period.Period{period.Min5}, e.metricsPeriods...)
	for _, p := range metricsPeriods {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			bySym, err := e.up.MetricsWindow(ctx, p, e.symbols, metricsLookbacks[p], now)
			if err != nil {
				fail(err)
				return
			}
			mu.Lock()
			for sym, rows := range bySym {
				e.metrics.Replace(p, sym, rows)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return fmt.Errorf("warm-up load: %w", firstErr)
	}

	flushed := e.rebuildUnclosed(now)
	flushedMetrics := e.rebuildMetricsState(now)

	// Subscribers connected across the restart need the rebuilt forming
	// buckets now, not at the next live event.
	if e.store != nil {
		for _, p := range e.derived {
			e.store.PublishBatch(ctx, p, flushed[p])
		}
		for _, p := range e.metricsPeriods {
			e.store.PublishMetricsBatch(ctx, p, flushedMetrics[p])
		}
	}
	return nil
}

// rebuildUnclosed re-derives every forming bucket from the base bars in
// the current (still open) bucket of each derived period. It returns
// the flushed forming bars per period for the warm-up batch publish.
func (e *Engine) rebuildUnclosed(now time.Time) map[period.Period][]market.Bar {
	flushed := make(map[period.Period][]market.Bar)
	for _, sym := range e.cache.Symbols(e.base) {
		bars := e.cache.Bars(e.base, sym)
		if len(bars) == 0 {
			continue
		}
		last := bars[len(bars)-1].Datetime
		e.lastBaseTS[sym] = last
		if last.After(e.lastSeen) {
			e.lastSeen = last
		}

		for _, p := range e.derived {
			ps := p.Floor(now)
			var st *market.UnclosedState
			var lastTS time.Time
			for _, b := range bars {
				if b.Datetime.Before(ps) {
					continue
				}
				if st == nil {
					st = market.NewUnclosed(ps, b)
				} else {
					st.Fold(b)
				}
				lastTS = b.Datetime
			}
			if st == nil {
				continue
			}
			if e.unclosed[p] == nil {
				e.unclosed[p] = make(map[string]*market.UnclosedState)
				e.unclosedTS[p] = make(map[string]time.Time)
			}
			e.unclosed[p][sym] = st
			e.unclosedTS[p][sym] = lastTS
			ub := st.Bar(sym, lastTS, false)
			e.cache.Append(p, sym, ub)
			flushed[p] = append(flushed[p], ub)
		}
	}
	if !e.lastSeen.IsZero() {
		telemetry.LastSeen.Set(float64(e.lastSeen.Unix()))
	}
	return flushed
}

// rebuildMetricsState re-derives the forming metrics buckets from the
// 5m window. It returns the flushed forming rows per period for the
// warm-up batch publish.
func (e *Engine) rebuildMetricsState(now time.Time) map[period.Period][]market.Metrics {
	flushed := make(map[period.Period][]market.Metrics)
	for _, sym := range e.symbols {
		rows := e.metrics.Rows(period.Min5, sym)
		if len(rows) == 0 {
			continue
		}
		if last := rows[len(rows)-1].Datetime; last.After(e.metricsSeen) {
			e.metricsSeen = last
		}
		for _, p := range e.metricsPeriods {
			ps := p.Floor(now)
			var st *market.MetricsState
			for _, m := range rows {
				if m.Datetime.Before(ps) {
					continue
				}
				if st == nil {
					st = market.NewMetricsState(ps, m)
				} else {
					st.Overwrite(m)
				}
			}
			if st == nil {
				continue
			}
			if e.metricsState[p] == nil {
				e.metricsState[p] = make(map[string]*market.MetricsState)
			}
			e.metricsState[p][sym] = st
			um := st.Metrics(sym, st.LastUpdate, false)
			e.metrics.Append(p, sym, um)
			flushed[p] = append(flushed[p], um)
		}
	}
	return flushed
}
