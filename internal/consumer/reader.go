// Package consumer is the read side of the snapshot mirror: other
// services embed it to pull candle and metrics windows out of Redis
// without touching the upstream store. The upstream fallback is
// optional and rate-limited so a cold cache cannot stampede the
// database.
package consumer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/icefree/tradecat/internal/market"
	"github.com/icefree/tradecat/internal/period"
	"github.com/icefree/tradecat/internal/snapshot"
	"github.com/icefree/tradecat/internal/upstream"
)

// Fallback is the upstream read surface used when the cache is empty.
type Fallback interface {
	WindowBars(ctx context.Context, p period.Period, symbols []string, lookback int, now time.Time) (map[string][]market.Bar, error)
}

// Reader reads the mirrored windows. Safe for concurrent use.
type Reader struct {
	rdb      *redis.Client
	fallback Fallback
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewReader connects to the snapshot Redis. fallback may be nil, which
// disables the database path entirely.
func NewReader(ctx context.Context, url string, fallback Fallback) (*Reader, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("snapshot store unreachable: %w", err)
	}
	return newReader(rdb, fallback), nil
}

func newReader(rdb *redis.Client, fallback Fallback) *Reader {
	return &Reader{
		rdb:      rdb,
		fallback: fallback,
		// One DB fallback per 2s with a small burst; enough for a cold
		// start, harmless during an outage.
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		now:     time.Now,
	}
}

// Close releases the client.
func (r *Reader) Close() error { return r.rdb.Close() }

// Window returns the last limit bars for one pair, ascending. With
// onlyClosed the forming bar is filtered out first.
func (r *Reader) Window(ctx context.Context, symbol string, p period.Period, limit int, onlyClosed bool) ([]market.Bar, error) {
	raw, err := r.rdb.HGetAll(ctx, snapshot.BarsKey(p, symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("read window %s %s: %w", p, symbol, err)
	}
	bars, err := decodeHash(symbol, raw)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 && r.fallback != nil {
		return r.windowFromUpstream(ctx, symbol, p, limit, onlyClosed)
	}
	return tailWindow(bars, limit, onlyClosed), nil
}

// WindowForAll reads many pairs in one pipelined round trip. Symbols
// with an empty hash fall back individually.
func (r *Reader) WindowForAll(ctx context.Context, symbols []string, p period.Period, limit int, onlyClosed bool) (map[string][]market.Bar, error) {
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	pipe := r.rdb.Pipeline()
	for _, sym := range symbols {
		cmds[sym] = pipe.HGetAll(ctx, snapshot.BarsKey(p, sym))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("batch window read: %w", err)
	}

	out := make(map[string][]market.Bar, len(symbols))
	var missing []string
	for _, sym := range symbols {
		bars, err := decodeHash(sym, cmds[sym].Val())
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			missing = append(missing, sym)
			continue
		}
		out[sym] = tailWindow(bars, limit, onlyClosed)
	}
	for _, sym := range missing {
		bars, err := r.Window(ctx, sym, p, limit, onlyClosed)
		if err != nil {
			log.Debug().Err(err).Str("symbol", sym).Msg("batch fallback read failed")
			continue
		}
		if len(bars) > 0 {
			out[sym] = bars
		}
	}
	return out, nil
}

// Latest returns the newest bar for one pair.
func (r *Reader) Latest(ctx context.Context, symbol string, p period.Period) (market.Bar, bool, error) {
	bars, err := r.Window(ctx, symbol, p, 1, false)
	if err != nil || len(bars) == 0 {
		return market.Bar{}, false, err
	}
	return bars[len(bars)-1], true, nil
}

// MetricsWindow returns the last limit metrics rows for one pair.
func (r *Reader) MetricsWindow(ctx context.Context, symbol string, p period.Period, limit int) ([]market.Metrics, error) {
	raw, err := r.rdb.HGetAll(ctx, snapshot.MetricsKey(p, symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("read metrics %s %s: %w", p, symbol, err)
	}
	type keyed struct {
		ts time.Time
		m  market.Metrics
	}
	rows := make([]keyed, 0, len(raw))
	for _, val := range raw {
		m, err := snapshot.DecodeMetrics(symbol, []byte(val))
		if err != nil {
			return nil, err
		}
		rows = append(rows, keyed{sortTime(m.Datetime, m.PeriodStart, m.IsClosed), m})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ts.Before(rows[j].ts) })
	out := make([]market.Metrics, len(rows))
	for i, k := range rows {
		out[i] = k.m
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Symbols scans the mirror for every symbol present at period p.
func (r *Reader) Symbols(ctx context.Context, p period.Period) ([]string, error) {
	prefix := snapshot.BarsKey(p, "")
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, prefix+"*", 500).Result()
		if err != nil {
			return nil, fmt.Errorf("scan symbols: %w", err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(out)
	return out, nil
}

// Status summarises mirror freshness for health checks.
type Status struct {
	LastSeen    time.Time
	LastSeenAge time.Duration
	KeyCount    int64
}

// Status reads the high-water mark and the key population under the
// service prefix.
func (r *Reader) Status(ctx context.Context) (Status, error) {
	var st Status
	raw, err := r.rdb.HGet(ctx, snapshot.MetaKey(), "last_seen").Result()
	if err != nil && err != redis.Nil {
		return st, fmt.Errorf("read last_seen: %w", err)
	}
	if err == nil {
		var secs float64
		if _, convErr := fmt.Sscanf(raw, "%f", &secs); convErr == nil {
			st.LastSeen = time.Unix(0, int64(secs*1e9)).UTC()
			st.LastSeenAge = r.now().Sub(st.LastSeen)
		}
	}

	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, snapshot.Prefix+":*", 1000).Result()
		if err != nil {
			return st, fmt.Errorf("scan keys: %w", err)
		}
		st.KeyCount += int64(len(keys))
		if next == 0 {
			break
		}
		cursor = next
	}
	return st, nil
}

// windowFromUpstream serves a cache miss from the database, if the
// limiter allows it.
func (r *Reader) windowFromUpstream(ctx context.Context, symbol string, p period.Period, limit int, onlyClosed bool) ([]market.Bar, error) {
	if !r.limiter.Allow() {
		log.Debug().Str("symbol", symbol).Msg("upstream fallback throttled")
		return nil, nil
	}
	lookback := limit
	if lookback <= 0 {
		lookback = 500
	}
	bySym, err := r.fallback.WindowBars(ctx, p, []string{symbol}, lookback, r.now())
	if err != nil {
		return nil, fmt.Errorf("upstream fallback: %w", err)
	}
	return tailWindow(bySym[symbol], limit, onlyClosed), nil
}

func decodeHash(symbol string, raw map[string]string) ([]market.Bar, error) {
	type keyed struct {
		ts time.Time
		b  market.Bar
	}
	rows := make([]keyed, 0, len(raw))
	for _, val := range raw {
		b, err := snapshot.DecodeBar(symbol, []byte(val))
		if err != nil {
			return nil, err
		}
		rows = append(rows, keyed{sortTime(b.Datetime, b.PeriodStart, b.IsClosed), b})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ts.Before(rows[j].ts) })
	out := make([]market.Bar, len(rows))
	for i, k := range rows {
		out[i] = k.b
	}
	return out, nil
}

// sortTime matches the writer's hash keying: forming entries sort at
// their bucket start.
func sortTime(datetime, periodStart time.Time, closed bool) time.Time {
	if !closed && !periodStart.IsZero() {
		return periodStart
	}
	return datetime
}

// tailWindow applies the closed filter and the limit, keeping the
// newest entries.
func tailWindow(bars []market.Bar, limit int, onlyClosed bool) []market.Bar {
	if onlyClosed {
		filtered := bars[:0:0]
		for _, b := range bars {
			if b.IsClosed {
				filtered = append(filtered, b)
			}
		}
		bars = filtered
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars
}

var _ Fallback = (*upstream.Reader)(nil)
