// Package snapshot mirrors the in-memory windows into Redis and fans
// out bar and metrics updates over pub/sub. Every write is best-effort:
// the memory cache stays authoritative, a failed call is logged at
// debug and dropped.
package snapshot

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/icefree/tradecat/internal/market"
)

// wireBar is the hash-value encoding of one bar: a string-keyed msgpack
// map. The key names are the wire contract shared with every consumer;
// ps is present but nil on closed bars.
type wireBar struct {
	T    int64   `msgpack:"t"`
	O    float64 `msgpack:"o"`
	H    float64 `msgpack:"h"`
	L    float64 `msgpack:"l"`
	C    float64 `msgpack:"c"`
	V    float64 `msgpack:"v"`
	QV   float64 `msgpack:"qv"`
	TC   int64   `msgpack:"tc"`
	TBV  float64 `msgpack:"tbv"`
	TBQV float64 `msgpack:"tbqv"`
	X    bool    `msgpack:"x"`
	PS   *int64  `msgpack:"ps"`
}

// wireMetrics is the analogous encoding of one metrics record.
type wireMetrics struct {
	T     int64   `msgpack:"t"`
	OI    float64 `msgpack:"oi"`
	OIV   float64 `msgpack:"oiv"`
	CTLSR float64 `msgpack:"ctlsr"`
	TLSR  float64 `msgpack:"tlsr"`
	LSR   float64 `msgpack:"lsr"`
	TLSVR float64 `msgpack:"tlsvr"`
	X     bool    `msgpack:"x"`
	PS    *int64  `msgpack:"ps"`
}

// EncodeBar serialises a bar for the hash mirror.
func EncodeBar(b market.Bar) ([]byte, error) {
	w := wireBar{
		T:    b.Datetime.Unix(),
		O:    b.Open,
		H:    b.High,
		L:    b.Low,
		C:    b.Close,
		V:    b.Volume,
		QV:   b.QuoteVolume,
		TC:   b.TradeCount,
		TBV:  b.TakerBuyVolume,
		TBQV: b.TakerBuyQuoteVolume,
		X:    b.IsClosed,
	}
	if !b.PeriodStart.IsZero() {
		ps := b.PeriodStart.Unix()
		w.PS = &ps
	}
	return msgpack.Marshal(&w)
}

// DecodeBar is the inverse of EncodeBar. The symbol is not on the wire;
// it comes from the hash key.
func DecodeBar(symbol string, raw []byte) (market.Bar, error) {
	var w wireBar
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		return market.Bar{}, fmt.Errorf("decode bar: %w", err)
	}
	b := market.Bar{
		Symbol:              symbol,
		Datetime:            time.Unix(w.T, 0).UTC(),
		Open:                w.O,
		High:                w.H,
		Low:                 w.L,
		Close:               w.C,
		Volume:              w.V,
		QuoteVolume:         w.QV,
		TradeCount:          w.TC,
		TakerBuyVolume:      w.TBV,
		TakerBuyQuoteVolume: w.TBQV,
		IsClosed:            w.X,
	}
	if w.PS != nil {
		b.PeriodStart = time.Unix(*w.PS, 0).UTC()
	}
	return b, nil
}

// EncodeMetrics serialises a metrics record for the hash mirror.
func EncodeMetrics(m market.Metrics) ([]byte, error) {
	w := wireMetrics{
		T:     m.Datetime.Unix(),
		OI:    m.OpenInterest,
		OIV:   m.OpenInterestValue,
		CTLSR: m.CountToptraderLongShortRatio,
		TLSR:  m.ToptraderLongShortRatio,
		LSR:   m.LongShortRatio,
		TLSVR: m.TakerLongShortVolRatio,
		X:     m.IsClosed,
	}
	if !m.PeriodStart.IsZero() {
		ps := m.PeriodStart.Unix()
		w.PS = &ps
	}
	return msgpack.Marshal(&w)
}

// DecodeMetrics is the inverse of EncodeMetrics.
func DecodeMetrics(symbol string, raw []byte) (market.Metrics, error) {
	var w wireMetrics
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		return market.Metrics{}, fmt.Errorf("decode metrics: %w", err)
	}
	m := market.Metrics{
		Symbol:                       symbol,
		Datetime:                     time.Unix(w.T, 0).UTC(),
		OpenInterest:                 w.OI,
		OpenInterestValue:            w.OIV,
		CountToptraderLongShortRatio: w.CTLSR,
		ToptraderLongShortRatio:      w.TLSR,
		LongShortRatio:               w.LSR,
		TakerLongShortVolRatio:       w.TLSVR,
		IsClosed:                     w.X,
	}
	if w.PS != nil {
		m.PeriodStart = time.Unix(*w.PS, 0).UTC()
	}
	return m, nil
}
