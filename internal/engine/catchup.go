package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/icefree/tradecat/internal/market"
	"github.com/icefree/tradecat/internal/telemetry"
	"github.com/icefree/tradecat/internal/upstream"
)

// SerialCatchup streams every closed base row after last_seen through
// the normal derivation, in (bucket_ts, symbol) order. Mirror writes
// are batched into one SaveAll at the end instead of per row.
func (e *Engine) SerialCatchup(ctx context.Context) error {
	from := e.lastSeen
	n := 0
	err := e.up.CatchupSince(ctx, e.base, from, func(row upstream.CandleRow) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.applyBaseBar(ctx, row.Bar(), false)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("serial catch-up: %w", err)
	}
	telemetry.CatchupRows.Add(float64(n))
	log.Info().Int("rows", n).Time("from", from).Time("to", e.lastSeen).
		Msg("serial catch-up done")
	if n > 0 && e.store != nil {
		e.store.SaveAll(ctx, e.buildDump())
	}
	return nil
}

// timeSegment is one half-open (From, To] slice of the catch-up range.
type timeSegment struct {
	From, To time.Time
}

// buildSegments splits (from, to] into fixed-width segments, oldest
// first. The last segment is shorter when the range does not divide
// evenly.
func buildSegments(from, to time.Time, width time.Duration) []timeSegment {
	if !to.After(from) || width <= 0 {
		return nil
	}
	var out []timeSegment
	for cur := from; cur.Before(to); {
		end := cur.Add(width)
		if end.After(to) {
			end = to
		}
		out = append(out, timeSegment{From: cur, To: end})
		cur = end
	}
	return out
}

// buildBatches splits the symbol universe into fixed-size batches.
func buildBatches(symbols []string, size int) [][]string {
	if size <= 0 {
		size = len(symbols)
	}
	var out [][]string
	for i := 0; i < len(symbols); i += size {
		end := i + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[i:end])
	}
	return out
}

// ParallelCatchup replays (from, now] with a worker pool: time segments
// crossed with symbol batches, each shard read on a dedicated
// connection, results merged and applied in (bucket_ts, symbol) order
// on the calling task. A failed shard contributes nothing but does not
// abort the job.
func (e *Engine) ParallelCatchup(ctx context.Context, from time.Time) error {
	now := e.now().UTC()
	segments := buildSegments(from, now, e.cfg.SegmentWidth())
	batches := buildBatches(e.symbols, e.cfg.Parallel.SymbolBatchSize)
	if len(segments) == 0 || len(batches) == 0 {
		return nil
	}

	type shard struct {
		seg   timeSegment
		batch []string
	}
	shards := make([]shard, 0, len(segments)*len(batches))
	for _, seg := range segments {
		for _, b := range batches {
			shards = append(shards, shard{seg: seg, batch: b})
		}
	}

	workers := e.cfg.Parallel.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(shards) {
		workers = len(shards)
	}
	log.Info().Int("shards", len(shards)).Int("workers", workers).
		Time("from", from).Msg("parallel catch-up start")

	results := make([][]upstream.CandleRow, len(shards))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var q sqlx.QueryerContext
			conn, err := e.up.Conn(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("catch-up worker using shared pool")
			} else {
				defer conn.Close()
				q = conn
			}
			for i := range jobs {
				s := shards[i]
				rows, err := e.up.BulkRange(ctx, q, e.base, s.batch, s.seg.From, s.seg.To)
				if err != nil {
					log.Error().Err(err).
						Time("from", s.seg.From).Time("to", s.seg.To).
						Msg("catch-up shard failed, skipping")
					continue
				}
				results[i] = rows
			}
		}()
	}
	for i := range shards {
		select {
		case jobs <- i:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	total := 0
	for _, rows := range results {
		total += len(rows)
	}
	merged := make([]upstream.CandleRow, 0, total)
	for _, rows := range results {
		merged = append(merged, rows...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].BucketTS.Equal(merged[j].BucketTS) {
			return merged[i].BucketTS.Before(merged[j].BucketTS)
		}
		return merged[i].Symbol < merged[j].Symbol
	})

	for _, row := range merged {
		e.applyBaseBar(ctx, row.Bar(), false)
	}
	telemetry.CatchupRows.Add(float64(len(merged)))
	log.Info().Int("rows", len(merged)).Time("last_seen", e.lastSeen).
		Msg("parallel catch-up done")

	if len(merged) > 0 && e.store != nil {
		e.store.SaveAll(ctx, e.buildDump())
		// One batch publish per period with the freshest bar per pair.
		for _, p := range e.cfg.AllPeriods() {
			var latest []market.Bar
			for _, sym := range e.cache.Symbols(p) {
				if b, ok := e.cache.Latest(p, sym); ok {
					latest = append(latest, b)
				}
			}
			e.store.PublishBatch(ctx, p, latest)
		}
	}
	return nil
}
