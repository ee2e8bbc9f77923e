// Package engine fuses the base candle and metrics streams into every
// configured period: in-memory windows, Redis mirror, pub/sub fan-out.
// All derivation runs on one task; the caches are the only shared
// state.
package engine

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/icefree/tradecat/internal/cache"
	"github.com/icefree/tradecat/internal/config"
	"github.com/icefree/tradecat/internal/market"
	"github.com/icefree/tradecat/internal/period"
	"github.com/icefree/tradecat/internal/snapshot"
	"github.com/icefree/tradecat/internal/telemetry"
	"github.com/icefree/tradecat/internal/upstream"
)

// barLookbacks is the per-period warm-up depth, in buckets.
var barLookbacks = map[period.Period]int{
	period.Min1:  10080,
	period.Min5:  2016,
	period.Min15: 672,
	period.Hour1: 168,
	period.Hour4: 42,
	period.Day1:  30,
	period.Week1: 12,
}

// metricsLookbacks is the metrics warm-up depth for every period the
// sentiment pipeline runs on; the depths match the bar table, the base
// stream is 5m.
var metricsLookbacks = func() map[period.Period]int {
	m := make(map[period.Period]int, len(period.MetricsAll))
	for _, p := range period.MetricsAll {
		m[p] = barLookbacks[p]
	}
	return m
}()

// Upstream is the read surface the engine needs from the time-series
// store.
type Upstream interface {
	WindowBars(ctx context.Context, p period.Period, symbols []string, lookback int, now time.Time) (map[string][]market.Bar, error)
	WeekBars(ctx context.Context, base period.Period, symbols []string, now time.Time) (map[string][]market.Bar, error)
	CatchupSince(ctx context.Context, base period.Period, lastSeen time.Time, fn func(upstream.CandleRow) error) error
	PollSince(ctx context.Context, base period.Period, lastSeen time.Time, limit int) ([]upstream.CandleRow, error)
	FetchBar(ctx context.Context, base period.Period, symbol string, bucketTS time.Time) (market.Bar, bool, error)
	BulkRange(ctx context.Context, q sqlx.QueryerContext, base period.Period, symbols []string, from, to time.Time) ([]upstream.CandleRow, error)
	Conn(ctx context.Context) (*sqlx.Conn, error)
	MaxBucketTS(ctx context.Context, base period.Period) (time.Time, bool, error)
	Symbols(ctx context.Context, base period.Period, since time.Time) ([]string, error)
	MetricsWindow(ctx context.Context, p period.Period, symbols []string, lookback int, now time.Time) (map[string][]market.Metrics, error)
	FetchMetrics(ctx context.Context, symbol string, createTime time.Time) (market.Metrics, bool, error)
	PollMetricsSince(ctx context.Context, lastSeen time.Time, limit int) ([]upstream.MetricsRow, error)
}

// Engine owns the derivation state. It is not safe for concurrent use;
// Run drives it from a single goroutine and the read accessors go
// through the caches' own locks.
type Engine struct {
	cfg     config.Config
	base    period.Period
	derived []period.Period

	cache   *cache.WindowCache
	metrics *cache.MetricsWindow
	store   *snapshot.Store // nil in pure-memory mode
	up      Upstream

	symbols        []string
	lastSeen       time.Time
	metricsSeen    time.Time
	weekStart      time.Time
	lastBaseTS     map[string]time.Time
	unclosed       map[period.Period]map[string]*market.UnclosedState
	unclosedTS     map[period.Period]map[string]time.Time
	metricsState   map[period.Period]map[string]*market.MetricsState
	metricsPeriods []period.Period

	now func() time.Time
}

// New builds an engine. store may be nil, which degrades the engine to
// pure-memory mode: no restore, no mirror, no publish.
func New(cfg config.Config, up Upstream, store *snapshot.Store) *Engine {
	base := cfg.Base()
	derived := cfg.DerivedPeriods()

	var metricsPeriods []period.Period
	for _, p := range cfg.AllPeriods() {
		if _, ok := metricsLookbacks[p]; ok && p != period.Min5 {
			metricsPeriods = append(metricsPeriods, p)
		}
	}

	return &Engine{
		cfg:            cfg,
		base:           base,
		derived:        derived,
		cache:          cache.NewWindowCache(base, cfg.CacheWindow),
		metrics:        cache.NewMetricsWindow(cfg.MetricsWindow),
		store:          store,
		up:             up,
		lastBaseTS:     make(map[string]time.Time),
		unclosed:       make(map[period.Period]map[string]*market.UnclosedState),
		unclosedTS:     make(map[period.Period]map[string]time.Time),
		metricsState:   make(map[period.Period]map[string]*market.MetricsState),
		metricsPeriods: metricsPeriods,
		now:            time.Now,
	}
}

// ApplyBaseBar runs one closed base bar through derivation and mirrors
// the results.
func (e *Engine) ApplyBaseBar(ctx context.Context, b market.Bar) {
	e.applyBaseBar(ctx, b, true)
}

func (e *Engine) applyBaseBar(ctx context.Context, b market.Bar, mirror bool) {
	ts := b.Datetime.UTC()
	b.Datetime = ts
	b.IsClosed = true

	if prev, seen := e.lastBaseTS[b.Symbol]; seen && !ts.After(prev) {
		// First writer wins on a repeated bucket.
		if hasBarAt(e.cache.Bars(e.base, b.Symbol), ts) {
			log.Warn().Str("symbol", b.Symbol).Time("bucket_ts", ts).
				Msg("duplicate base bucket, keeping first row")
			return
		}
		// Late row for a gap we already moved past: the base cache
		// is refreshed but higher periods are not retro-adjusted.
		if err := b.Validate(); err != nil {
			log.Warn().Err(err).Str("symbol", b.Symbol).Msg("bar invariant violation upstream")
		}
		e.cache.Append(e.base, b.Symbol, b)
		if mirror && e.store != nil {
			e.store.AppendBars(ctx, e.base, b.Symbol, []market.Bar{b})
			e.store.PublishBar(ctx, e.base, b)
		}
		telemetry.BaseBars.Inc()
		return
	}

	if err := b.Validate(); err != nil {
		log.Warn().Err(err).Str("symbol", b.Symbol).Time("bucket_ts", ts).
			Msg("bar invariant violation upstream")
	}

	e.rollWeek(ts)
	e.cache.Append(e.base, b.Symbol, b)
	e.lastBaseTS[b.Symbol] = ts
	if ts.After(e.lastSeen) {
		e.lastSeen = ts
		telemetry.LastSeen.Set(float64(ts.Unix()))
	}
	telemetry.BaseBars.Inc()

	if mirror && e.store != nil {
		e.store.AppendBars(ctx, e.base, b.Symbol, []market.Bar{b})
		e.store.PublishBar(ctx, e.base, b)
	}

	for _, p := range e.derived {
		e.updateUnclosed(ctx, p, b, mirror)
	}
}

// updateUnclosed folds one base bar into the forming bucket of period
// p, closing and reopening on a period_start change.
func (e *Engine) updateUnclosed(ctx context.Context, p period.Period, b market.Bar, mirror bool) {
	sym := b.Symbol
	ts := b.Datetime
	ps := p.Floor(ts)

	states := e.unclosed[p]
	if states == nil {
		states = make(map[string]*market.UnclosedState)
		e.unclosed[p] = states
	}
	stamps := e.unclosedTS[p]
	if stamps == nil {
		stamps = make(map[string]time.Time)
		e.unclosedTS[p] = stamps
	}

	st := states[sym]
	switch {
	case st == nil:
		st = market.NewUnclosed(ps, b)
		states[sym] = st
	case ps.After(st.PeriodStart):
		closed := st.Bar(sym, st.PeriodStart, true)
		e.cache.Append(p, sym, closed)
		telemetry.ClosedBars.WithLabelValues(p.String()).Inc()
		if mirror && e.store != nil {
			e.store.AppendBars(ctx, p, sym, []market.Bar{closed})
			e.store.PublishBar(ctx, p, closed)
		}
		st = market.NewUnclosed(ps, b)
		states[sym] = st
	case ps.Before(st.PeriodStart):
		// Late base row from an already-closed bucket; higher
		// periods are not retro-adjusted.
		return
	default:
		st.Fold(b)
	}
	stamps[sym] = ts

	e.flushUnclosed(ctx, p, sym, mirror)
}

// flushUnclosed pushes the forming bucket into the cache and mirror
// with datetime set to the last base timestamp folded in.
func (e *Engine) flushUnclosed(ctx context.Context, p period.Period, sym string, mirror bool) {
	st := e.unclosed[p][sym]
	if st == nil {
		return
	}
	ub := st.Bar(sym, e.unclosedTS[p][sym], false)
	e.cache.Append(p, sym, ub)
	if mirror && e.store != nil {
		e.store.SaveUnclosed(ctx, p, sym, snapshot.UnclosedRecord{State: *st, LastUpdate: ub.Datetime})
		e.store.PublishBar(ctx, p, ub)
	}
}

// ApplyMetrics runs one 5m metrics sample through the metrics pipeline.
func (e *Engine) ApplyMetrics(ctx context.Context, m market.Metrics) {
	ts := m.Datetime.UTC()
	m.Datetime = ts
	m.IsClosed = true

	e.metrics.Append(period.Min5, m.Symbol, m)
	if ts.After(e.metricsSeen) {
		e.metricsSeen = ts
	}
	telemetry.MetricsSamples.Inc()

	if e.store != nil {
		e.store.SaveMetrics(ctx, period.Min5, m.Symbol, []market.Metrics{m})
		e.store.PublishMetrics(ctx, period.Min5, m)
	}

	for _, p := range e.metricsPeriods {
		e.updateMetricsState(ctx, p, m)
	}
}

// updateMetricsState applies last-writer-wins derivation for one
// higher metrics period.
func (e *Engine) updateMetricsState(ctx context.Context, p period.Period, m market.Metrics) {
	sym := m.Symbol
	ps := p.Floor(m.Datetime)

	states := e.metricsState[p]
	if states == nil {
		states = make(map[string]*market.MetricsState)
		e.metricsState[p] = states
	}

	st := states[sym]
	switch {
	case st == nil:
		st = market.NewMetricsState(ps, m)
		states[sym] = st
	case ps.After(st.PeriodStart):
		closed := st.Metrics(sym, st.PeriodStart, true)
		e.metrics.Append(p, sym, closed)
		if e.store != nil {
			e.store.SaveMetrics(ctx, p, sym, []market.Metrics{closed})
			e.store.PublishMetrics(ctx, p, closed)
		}
		st = market.NewMetricsState(ps, m)
		states[sym] = st
	case ps.Before(st.PeriodStart):
		return
	default:
		st.Overwrite(m)
	}

	flush := st.Metrics(sym, st.LastUpdate, false)
	e.metrics.Append(p, sym, flush)
	if e.store != nil {
		e.store.SaveMetrics(ctx, p, sym, []market.Metrics{flush})
		e.store.PublishMetrics(ctx, p, flush)
	}
}

// rollWeek resets the base window when the trading week turns over.
func (e *Engine) rollWeek(ts time.Time) {
	ws := period.WeekStart(ts)
	if !ws.After(e.weekStart) {
		return
	}
	if !e.weekStart.IsZero() {
		for _, sym := range e.cache.Symbols(e.base) {
			e.cache.TrimBefore(e.base, sym, ws)
		}
		log.Info().Time("week_start", ws).Msg("base window reset at week boundary")
	}
	e.weekStart = ws
}

// Bars returns the current window for one pair, ascending.
func (e *Engine) Bars(p period.Period, symbol string) []market.Bar {
	return e.cache.Bars(p, symbol)
}

// LatestBar returns the newest entry for one pair.
func (e *Engine) LatestBar(p period.Period, symbol string) (market.Bar, bool) {
	return e.cache.Latest(p, symbol)
}

// MetricsRows returns the current metrics window for one pair.
func (e *Engine) MetricsRows(p period.Period, symbol string) []market.Metrics {
	return e.metrics.Rows(p, symbol)
}

// LatestMetrics returns the newest metrics entry for one pair.
func (e *Engine) LatestMetrics(p period.Period, symbol string) (market.Metrics, bool) {
	return e.metrics.Latest(p, symbol)
}

// LastSeen returns the engine's high-water mark.
func (e *Engine) LastSeen() time.Time { return e.lastSeen }

// LoadSymbols fills the symbol universe without a full warm-up, for
// one-shot jobs like the catchup command.
func (e *Engine) LoadSymbols(ctx context.Context) error {
	now := e.now().UTC()
	symbols, err := e.up.Symbols(ctx, e.base, period.WeekStart(now))
	if err != nil {
		return err
	}
	e.symbols = symbols
	return nil
}

// Symbols returns the warm-up symbol universe.
func (e *Engine) Symbols() []string { return e.symbols }

func hasBarAt(bars []market.Bar, ts time.Time) bool {
	key := ts.Unix()
	for _, b := range bars {
		if b.IsClosed && b.Datetime.Unix() == key {
			return true
		}
	}
	return false
}

// buildDump collects the full engine state for SaveAll.
func (e *Engine) buildDump() snapshot.Dump {
	d := snapshot.Dump{
		Bars:     make(map[period.Period]map[string][]market.Bar),
		Unclosed: make(map[period.Period]map[string]snapshot.UnclosedRecord),
		Metrics:  make(map[period.Period]map[string][]market.Metrics),
		LastSeen: e.lastSeen,
	}
	for _, p := range e.cfg.AllPeriods() {
		for _, sym := range e.cache.Symbols(p) {
			bars := e.cache.Bars(p, sym)
			if len(bars) == 0 {
				continue
			}
			if d.Bars[p] == nil {
				d.Bars[p] = make(map[string][]market.Bar)
			}
			d.Bars[p][sym] = bars
		}
	}
	for p, states := range e.unclosed {
		for sym, st := range states {
			if st == nil {
				continue
			}
			if d.Unclosed[p] == nil {
				d.Unclosed[p] = make(map[string]snapshot.UnclosedRecord)
			}
			d.Unclosed[p][sym] = snapshot.UnclosedRecord{State: *st, LastUpdate: e.unclosedTS[p][sym]}
		}
	}
	for _, p := range append([]period.Period{period.Min5}, e.metricsPeriods...) {
		for _, sym := range e.symbols {
			rows := e.metrics.Rows(p, sym)
			if len(rows) == 0 {
				continue
			}
			if d.Metrics[p] == nil {
				d.Metrics[p] = make(map[string][]market.Metrics)
			}
			d.Metrics[p][sym] = rows
		}
	}
	return d
}
