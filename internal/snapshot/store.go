package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/icefree/tradecat/internal/market"
	"github.com/icefree/tradecat/internal/period"
	"github.com/icefree/tradecat/internal/telemetry"
)

// Prefix namespaces every key this service writes.
const Prefix = "kfuser"

// ttls is the per-period hash expiry, refreshed on every write.
var ttls = map[period.Period]time.Duration{
	period.Min1:  24 * time.Hour,
	period.Min5:  3 * 24 * time.Hour,
	period.Min15: 7 * 24 * time.Hour,
	period.Hour1: 30 * 24 * time.Hour,
	period.Hour4: 60 * 24 * time.Hour,
	period.Day1:  365 * 24 * time.Hour,
	period.Week1: 365 * 24 * time.Hour,
}

// TTLFor returns the hash expiry used for period p.
func TTLFor(p period.Period) time.Duration { return ttls[p] }

// MetaKey is the hash holding engine-level state (last_seen).
func MetaKey() string { return Prefix + ":meta" }

// BarsKey addresses the closed-bar hash for one (period, symbol).
func BarsKey(p period.Period, symbol string) string {
	return fmt.Sprintf("%s:hc:%s:%s", Prefix, p, symbol)
}

// UnclosedKey addresses the in-progress state hash for one pair.
func UnclosedKey(p period.Period, symbol string) string {
	return fmt.Sprintf("%s:unclosed:%s:%s", Prefix, p, symbol)
}

// MetricsKey addresses the metrics hash for one pair.
func MetricsKey(p period.Period, symbol string) string {
	return fmt.Sprintf("%s:metrics:%s:%s", Prefix, p, symbol)
}

// BarChannel names the pub/sub channel for one pair's candle updates.
func BarChannel(symbol string, p period.Period) string {
	return fmt.Sprintf("kline:%s:%s", symbol, p)
}

// MetricsChannel names the pub/sub channel for one pair's metrics updates.
func MetricsChannel(symbol string, p period.Period) string {
	return fmt.Sprintf("metrics:%s:%s", symbol, p)
}

// UnclosedRecord pairs an in-progress state with the last base
// timestamp folded into it.
type UnclosedRecord struct {
	State      market.UnclosedState
	LastUpdate time.Time
}

// Dump is the full engine state moved to or from the store in one shot.
type Dump struct {
	Bars     map[period.Period]map[string][]market.Bar
	Unclosed map[period.Period]map[string]UnclosedRecord
	Metrics  map[period.Period]map[string][]market.Metrics
	LastSeen time.Time
}

// Store is the Redis mirror. All write and publish methods are
// best-effort and return nothing; reads return errors so warm-up can
// decide between restore and full reload.
type Store struct {
	rdb     *redis.Client
	pub     *redis.Client
	breaker *gobreaker.CircuitBreaker
}

// NewStore connects to the snapshot Redis. The pub/sub path gets its
// own client so a slow subscriber can never stall mirror writes. A
// failed ping is returned to the caller, which degrades the engine to
// pure-memory mode.
func NewStore(ctx context.Context, url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pub := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("snapshot store unreachable: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "snapshot-store",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("snapshot breaker state change")
		},
	})

	return &Store{rdb: rdb, pub: pub, breaker: breaker}, nil
}

// NewStoreWithClients wires pre-built clients, used by tests.
func NewStoreWithClients(rdb, pub *redis.Client) *Store {
	return &Store{
		rdb: rdb,
		pub: pub,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "snapshot-store",
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Close releases both clients.
func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return err
	}
	return s.pub.Close()
}

// guard runs one best-effort store call through the breaker.
func (s *Store) guard(op string, fn func() error) {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		telemetry.SnapshotDrops.Inc()
		log.Debug().Err(err).Str("op", op).Msg("snapshot call dropped")
	}
}

// SaveBars replaces the closed-bar hash for one pair with the last
// maxLen bars by key and resets the TTL.
func (s *Store) SaveBars(ctx context.Context, p period.Period, symbol string, bars []market.Bar, maxLen int) {
	if len(bars) == 0 {
		return
	}
	if maxLen > 0 && len(bars) > maxLen {
		bars = bars[len(bars)-maxLen:]
	}
	fields, err := encodeBarFields(bars)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Str("period", p.String()).Msg("encode bars")
		return
	}
	key := BarsKey(p, symbol)
	s.guard("save_bars", func() error {
		pipe := s.rdb.Pipeline()
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttls[p])
		_, err := pipe.Exec(ctx)
		return err
	})
}

// AppendBars upserts bars into the hash without clearing it.
func (s *Store) AppendBars(ctx context.Context, p period.Period, symbol string, bars []market.Bar) {
	if len(bars) == 0 {
		return
	}
	fields, err := encodeBarFields(bars)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Str("period", p.String()).Msg("encode bars")
		return
	}
	key := BarsKey(p, symbol)
	s.guard("append_bars", func() error {
		pipe := s.rdb.Pipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttls[p])
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LoadBars reads the whole hash for one pair, ascending by key.
func (s *Store) LoadBars(ctx context.Context, p period.Period, symbol string) ([]market.Bar, error) {
	raw, err := s.rdb.HGetAll(ctx, BarsKey(p, symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("load bars %s %s: %w", p, symbol, err)
	}
	return decodeBarFields(symbol, raw)
}

// SaveUnclosed mirrors the in-progress state for one pair.
func (s *Store) SaveUnclosed(ctx context.Context, p period.Period, symbol string, rec UnclosedRecord) {
	key := UnclosedKey(p, symbol)
	fields := unclosedFields(rec)
	s.guard("save_unclosed", func() error {
		pipe := s.rdb.Pipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttls[p])
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LoadUnclosed reads the mirrored in-progress state; ok is false when
// the key is absent.
func (s *Store) LoadUnclosed(ctx context.Context, p period.Period, symbol string) (UnclosedRecord, bool, error) {
	raw, err := s.rdb.HGetAll(ctx, UnclosedKey(p, symbol)).Result()
	if err != nil {
		return UnclosedRecord{}, false, fmt.Errorf("load unclosed %s %s: %w", p, symbol, err)
	}
	if len(raw) == 0 {
		return UnclosedRecord{}, false, nil
	}
	rec, err := parseUnclosed(raw)
	if err != nil {
		return UnclosedRecord{}, false, err
	}
	return rec, true, nil
}

// SaveMetrics upserts metrics rows into the pair's hash. Rows merge
// with what is already there; trimming is the reader's concern.
func (s *Store) SaveMetrics(ctx context.Context, p period.Period, symbol string, rows []market.Metrics) {
	if len(rows) == 0 {
		return
	}
	fields, err := encodeMetricsFields(rows)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Str("period", p.String()).Msg("encode metrics")
		return
	}
	key := MetricsKey(p, symbol)
	s.guard("save_metrics", func() error {
		pipe := s.rdb.Pipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttls[p])
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LoadMetrics reads the metrics hash for one pair, ascending by key.
func (s *Store) LoadMetrics(ctx context.Context, p period.Period, symbol string) ([]market.Metrics, error) {
	raw, err := s.rdb.HGetAll(ctx, MetricsKey(p, symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("load metrics %s %s: %w", p, symbol, err)
	}
	return decodeMetricsFields(symbol, raw)
}

// SetLastSeen advances the durable high-water mark.
func (s *Store) SetLastSeen(ctx context.Context, ts time.Time) {
	s.guard("set_last_seen", func() error {
		return s.rdb.HSet(ctx, MetaKey(), "last_seen",
			strconv.FormatFloat(float64(ts.UnixNano())/1e9, 'f', -1, 64)).Err()
	})
}

// LastSeen reads the durable high-water mark; ok is false when unset.
func (s *Store) LastSeen(ctx context.Context) (time.Time, bool, error) {
	raw, err := s.rdb.HGet(ctx, MetaKey(), "last_seen").Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load last_seen: %w", err)
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last_seen %q: %w", raw, err)
	}
	return time.Unix(0, int64(secs*1e9)).UTC(), true, nil
}

// IsValid reports whether a restore is worth attempting: last_seen
// exists and is younger than maxAge.
func (s *Store) IsValid(ctx context.Context, maxAge time.Duration, now time.Time) (bool, time.Time) {
	seen, ok, err := s.LastSeen(ctx)
	if err != nil || !ok {
		return false, time.Time{}
	}
	if now.Sub(seen) >= maxAge {
		return false, seen
	}
	return true, seen
}

// SaveAll pipelines the whole engine state in one round trip; called
// once at the end of warm-up.
func (s *Store) SaveAll(ctx context.Context, d Dump) {
	s.guard("save_all", func() error {
		pipe := s.rdb.Pipeline()
		for p, bySym := range d.Bars {
			for sym, bars := range bySym {
				fields, err := encodeBarFields(bars)
				if err != nil {
					return err
				}
				key := BarsKey(p, sym)
				pipe.Del(ctx, key)
				if len(fields) > 0 {
					pipe.HSet(ctx, key, fields)
					pipe.Expire(ctx, key, ttls[p])
				}
			}
		}
		for p, bySym := range d.Unclosed {
			for sym, rec := range bySym {
				key := UnclosedKey(p, sym)
				pipe.HSet(ctx, key, unclosedFields(rec))
				pipe.Expire(ctx, key, ttls[p])
			}
		}
		for p, bySym := range d.Metrics {
			for sym, rows := range bySym {
				fields, err := encodeMetricsFields(rows)
				if err != nil {
					return err
				}
				if len(fields) == 0 {
					continue
				}
				key := MetricsKey(p, sym)
				pipe.HSet(ctx, key, fields)
				pipe.Expire(ctx, key, ttls[p])
			}
		}
		if !d.LastSeen.IsZero() {
			pipe.HSet(ctx, MetaKey(), "last_seen",
				strconv.FormatFloat(float64(d.LastSeen.UnixNano())/1e9, 'f', -1, 64))
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RestoreAll reads back everything SaveAll wrote for the given
// universe. Unlike writes this is not best-effort: warm-up needs to
// know whether the restore succeeded.
func (s *Store) RestoreAll(ctx context.Context, symbols []string, periods []period.Period) (*Dump, error) {
	d := &Dump{
		Bars:     make(map[period.Period]map[string][]market.Bar),
		Unclosed: make(map[period.Period]map[string]UnclosedRecord),
		Metrics:  make(map[period.Period]map[string][]market.Metrics),
	}
	if seen, ok, err := s.LastSeen(ctx); err != nil {
		return nil, err
	} else if ok {
		d.LastSeen = seen
	}

	for _, p := range periods {
		barCmds := make(map[string]*redis.StringStringMapCmd, len(symbols))
		uncCmds := make(map[string]*redis.StringStringMapCmd, len(symbols))
		metCmds := make(map[string]*redis.StringStringMapCmd, len(symbols))

		pipe := s.rdb.Pipeline()
		for _, sym := range symbols {
			barCmds[sym] = pipe.HGetAll(ctx, BarsKey(p, sym))
			uncCmds[sym] = pipe.HGetAll(ctx, UnclosedKey(p, sym))
			metCmds[sym] = pipe.HGetAll(ctx, MetricsKey(p, sym))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("restore %s: %w", p, err)
		}

		for _, sym := range symbols {
			if raw := barCmds[sym].Val(); len(raw) > 0 {
				bars, err := decodeBarFields(sym, raw)
				if err != nil {
					return nil, err
				}
				if d.Bars[p] == nil {
					d.Bars[p] = make(map[string][]market.Bar)
				}
				d.Bars[p][sym] = bars
			}
			if raw := uncCmds[sym].Val(); len(raw) > 0 {
				rec, err := parseUnclosed(raw)
				if err != nil {
					return nil, err
				}
				if d.Unclosed[p] == nil {
					d.Unclosed[p] = make(map[string]UnclosedRecord)
				}
				d.Unclosed[p][sym] = rec
			}
			if raw := metCmds[sym].Val(); len(raw) > 0 {
				rows, err := decodeMetricsFields(sym, raw)
				if err != nil {
					return nil, err
				}
				if d.Metrics[p] == nil {
					d.Metrics[p] = make(map[string][]market.Metrics)
				}
				d.Metrics[p][sym] = rows
			}
		}
	}
	return d, nil
}

// barPayload is the JSON shape pushed on the candle channels.
type barPayload struct {
	Symbol              string  `json:"symbol"`
	Period              string  `json:"period"`
	Datetime            string  `json:"datetime"`
	Open                float64 `json:"open"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	Close               float64 `json:"close"`
	Volume              float64 `json:"volume"`
	QuoteVolume         float64 `json:"quote_volume"`
	TradeCount          int64   `json:"trade_count"`
	TakerBuyVolume      float64 `json:"taker_buy_volume"`
	TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume"`
	IsClosed            bool    `json:"is_closed"`
	TS                  int64   `json:"ts"`
}

type metricsPayload struct {
	Symbol                       string  `json:"symbol"`
	Period                       string  `json:"period"`
	Datetime                     string  `json:"datetime"`
	OpenInterest                 float64 `json:"open_interest"`
	OpenInterestValue            float64 `json:"open_interest_value"`
	CountToptraderLongShortRatio float64 `json:"count_toptrader_long_short_ratio"`
	ToptraderLongShortRatio      float64 `json:"toptrader_long_short_ratio"`
	LongShortRatio               float64 `json:"long_short_ratio"`
	TakerLongShortVolRatio       float64 `json:"taker_long_short_vol_ratio"`
	IsClosed                     bool    `json:"is_closed"`
	TS                           int64   `json:"ts"`
}

// PublishBar pushes one bar update on its channel.
func (s *Store) PublishBar(ctx context.Context, p period.Period, b market.Bar) {
	payload, err := json.Marshal(barPayload{
		Symbol:              b.Symbol,
		Period:              p.String(),
		Datetime:            b.Datetime.UTC().Format(time.RFC3339),
		Open:                b.Open,
		High:                b.High,
		Low:                 b.Low,
		Close:               b.Close,
		Volume:              b.Volume,
		QuoteVolume:         b.QuoteVolume,
		TradeCount:          b.TradeCount,
		TakerBuyVolume:      b.TakerBuyVolume,
		TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
		IsClosed:            b.IsClosed,
		TS:                  time.Now().Unix(),
	})
	if err != nil {
		return
	}
	s.guard("publish_bar", func() error {
		if err := s.pub.Publish(ctx, BarChannel(b.Symbol, p), string(payload)).Err(); err != nil {
			return err
		}
		telemetry.Publishes.Inc()
		return nil
	})
}

// PublishBatch pushes many bar updates through one pipeline.
func (s *Store) PublishBatch(ctx context.Context, p period.Period, bars []market.Bar) {
	if len(bars) == 0 {
		return
	}
	now := time.Now().Unix()
	s.guard("publish_batch", func() error {
		pipe := s.pub.Pipeline()
		for _, b := range bars {
			payload, err := json.Marshal(barPayload{
				Symbol:              b.Symbol,
				Period:              p.String(),
				Datetime:            b.Datetime.UTC().Format(time.RFC3339),
				Open:                b.Open,
				High:                b.High,
				Low:                 b.Low,
				Close:               b.Close,
				Volume:              b.Volume,
				QuoteVolume:         b.QuoteVolume,
				TradeCount:          b.TradeCount,
				TakerBuyVolume:      b.TakerBuyVolume,
				TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
				IsClosed:            b.IsClosed,
				TS:                  now,
			})
			if err != nil {
				return err
			}
			pipe.Publish(ctx, BarChannel(b.Symbol, p), string(payload))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		telemetry.Publishes.Add(float64(len(bars)))
		return nil
	})
}

// PublishMetrics pushes one metrics update on its channel.
func (s *Store) PublishMetrics(ctx context.Context, p period.Period, m market.Metrics) {
	payload, err := json.Marshal(metricsPayload{
		Symbol:                       m.Symbol,
		Period:                       p.String(),
		Datetime:                     m.Datetime.UTC().Format(time.RFC3339),
		OpenInterest:                 m.OpenInterest,
		OpenInterestValue:            m.OpenInterestValue,
		CountToptraderLongShortRatio: m.CountToptraderLongShortRatio,
		ToptraderLongShortRatio:      m.ToptraderLongShortRatio,
		LongShortRatio:               m.LongShortRatio,
		TakerLongShortVolRatio:       m.TakerLongShortVolRatio,
		IsClosed:                     m.IsClosed,
		TS:                           time.Now().Unix(),
	})
	if err != nil {
		return
	}
	s.guard("publish_metrics", func() error {
		if err := s.pub.Publish(ctx, MetricsChannel(m.Symbol, p), string(payload)).Err(); err != nil {
			return err
		}
		telemetry.Publishes.Inc()
		return nil
	})
}

// PublishMetricsBatch pushes many metrics updates through one pipeline.
func (s *Store) PublishMetricsBatch(ctx context.Context, p period.Period, rows []market.Metrics) {
	if len(rows) == 0 {
		return
	}
	now := time.Now().Unix()
	s.guard("publish_metrics_batch", func() error {
		pipe := s.pub.Pipeline()
		for _, m := range rows {
			payload, err := json.Marshal(metricsPayload{
				Symbol:                       m.Symbol,
				Period:                       p.String(),
				Datetime:                     m.Datetime.UTC().Format(time.RFC3339),
				OpenInterest:                 m.OpenInterest,
				OpenInterestValue:            m.OpenInterestValue,
				CountToptraderLongShortRatio: m.CountToptraderLongShortRatio,
				ToptraderLongShortRatio:      m.ToptraderLongShortRatio,
				LongShortRatio:               m.LongShortRatio,
				TakerLongShortVolRatio:       m.TakerLongShortVolRatio,
				IsClosed:                     m.IsClosed,
				TS:                           now,
			})
			if err != nil {
				return err
			}
			pipe.Publish(ctx, MetricsChannel(m.Symbol, p), string(payload))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		telemetry.Publishes.Add(float64(len(rows)))
		return nil
	})
}

func encodeBarFields(bars []market.Bar) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(bars))
	for _, b := range bars {
		raw, err := EncodeBar(b)
		if err != nil {
			return nil, err
		}
		key := b.Datetime.Unix()
		if !b.IsClosed && !b.PeriodStart.IsZero() {
			key = b.PeriodStart.Unix()
		}
		fields[strconv.FormatInt(key, 10)] = raw
	}
	return fields, nil
}

func decodeBarFields(symbol string, raw map[string]string) ([]market.Bar, error) {
	type keyed struct {
		k int64
		b market.Bar
	}
	rows := make([]keyed, 0, len(raw))
	for field, val := range raw {
		k, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad hash field %q: %w", field, err)
		}
		b, err := DecodeBar(symbol, []byte(val))
		if err != nil {
			return nil, err
		}
		rows = append(rows, keyed{k, b})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].k < rows[j].k })
	out := make([]market.Bar, len(rows))
	for i, r := range rows {
		out[i] = r.b
	}
	return out, nil
}

func encodeMetricsFields(rows []market.Metrics) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(rows))
	for _, m := range rows {
		raw, err := EncodeMetrics(m)
		if err != nil {
			return nil, err
		}
		key := m.Datetime.Unix()
		if !m.IsClosed && !m.PeriodStart.IsZero() {
			key = m.PeriodStart.Unix()
		}
		fields[strconv.FormatInt(key, 10)] = raw
	}
	return fields, nil
}

func decodeMetricsFields(symbol string, raw map[string]string) ([]market.Metrics, error) {
	type keyed struct {
		k int64
		m market.Metrics
	}
	rows := make([]keyed, 0, len(raw))
	for field, val := range raw {
		k, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad hash field %q: %w", field, err)
		}
		m, err := DecodeMetrics(symbol, []byte(val))
		if err != nil {
			return nil, err
		}
		rows = append(rows, keyed{k, m})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].k < rows[j].k })
	out := make([]market.Metrics, len(rows))
	for i, r := range rows {
		out[i] = r.m
	}
	return out, nil
}

func unclosedFields(rec UnclosedRecord) map[string]interface{} {
	return map[string]interface{}{
		"period_start":           rec.State.PeriodStart.Unix(),
		"open":                   rec.State.Open,
		"high":                   rec.State.High,
		"low":                    rec.State.Low,
		"close":                  rec.State.Close,
		"volume":                 rec.State.Volume,
		"quote_volume":           rec.State.QuoteVolume,
		"trade_count":            rec.State.TradeCount,
		"taker_buy_volume":       rec.State.TakerBuyVolume,
		"taker_buy_quote_volume": rec.State.TakerBuyQuoteVolume,
		"last_update":            rec.LastUpdate.Unix(),
	}
}

func parseUnclosed(raw map[string]string) (UnclosedRecord, error) {
	var rec UnclosedRecord
	getF := func(field string) (float64, error) {
		v, ok := raw[field]
		if !ok {
			return 0, fmt.Errorf("unclosed hash missing %q", field)
		}
		return strconv.ParseFloat(v, 64)
	}
	getI := func(field string) (int64, error) {
		v, ok := raw[field]
		if !ok {
			return 0, fmt.Errorf("unclosed hash missing %q", field)
		}
		return strconv.ParseInt(v, 10, 64)
	}

	ps, err := getI("period_start")
	if err != nil {
		return rec, err
	}
	rec.State.PeriodStart = time.Unix(ps, 0).UTC()
	if rec.State.Open, err = getF("open"); err != nil {
		return rec, err
	}
	if rec.State.High, err = getF("high"); err != nil {
		return rec, err
	}
	if rec.State.Low, err = getF("low"); err != nil {
		return rec, err
	}
	if rec.State.Close, err = getF("close"); err != nil {
		return rec, err
	}
	if rec.State.Volume, err = getF("volume"); err != nil {
		return rec, err
	}
	if rec.State.QuoteVolume, err = getF("quote_volume"); err != nil {
		return rec, err
	}
	if rec.State.TradeCount, err = getI("trade_count"); err != nil {
		return rec, err
	}
	if rec.State.TakerBuyVolume, err = getF("taker_buy_volume"); err != nil {
		return rec, err
	}
	if rec.State.TakerBuyQuoteVolume, err = getF("taker_buy_quote_volume"); err != nil {
		return rec, err
	}
	lu, err := getI("last_update")
	if err != nil {
		return rec, err
	}
	rec.LastUpdate = time.Unix(lu, 0).UTC()
	return rec, nil
}
