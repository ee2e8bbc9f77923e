package engine

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/icefree/tradecat/internal/telemetry"
	"github.com/icefree/tradecat/internal/upstream"
)

// pollBatchLimit caps one poll pass; a full batch means more rows are
// waiting and the pass repeats immediately.
const pollBatchLimit = 5000

// Run warms the engine up and then follows the upstream head until the
// context is cancelled: LISTEN/NOTIFY when available, polling
// otherwise.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Warmup(ctx); err != nil {
		return err
	}

	if e.cfg.PollFallback {
		log.Info().Dur("interval", e.cfg.PollEvery()).Msg("running in poll mode")
		return e.runPoll(ctx)
	}

	l, err := upstream.NewListener(e.cfg.UpstreamURL,
		e.cfg.NotifyChannelCandles, e.cfg.NotifyChannelMetrics)
	if err != nil {
		log.Warn().Err(err).Msg("listener unavailable, falling back to polling")
		return e.runPoll(ctx)
	}
	defer l.Close()
	return e.runListen(ctx, l)
}

// runListen drives derivation off notifications, polling only while
// the listen connection is down.
func (e *Engine) runListen(ctx context.Context, l *upstream.Listener) error {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	fallback := time.NewTicker(e.cfg.PollEvery())
	defer fallback.Stop()

	log.Info().Str("candles", e.cfg.NotifyChannelCandles).
		Str("metrics", e.cfg.NotifyChannelMetrics).Msg("listening for updates")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event loop stopping")
			return nil

		case raw := <-l.Notify():
			if raw == nil {
				// Reconnected; a poll pass covers whatever was
				// missed while the link was down.
				e.pollPass(ctx)
				continue
			}
			e.handleRaw(ctx, raw)
			e.drain(ctx, l)

		case <-ping.C:
			if err := l.Ping(); err != nil {
				log.Warn().Err(err).Msg("listener ping failed")
			}

		case <-fallback.C:
			if !l.Connected() {
				e.pollPass(ctx)
			}
		}
	}
}

// drain consumes queued notifications without blocking, keeping
// per-notification latency flat under bursts.
func (e *Engine) drain(ctx context.Context, l *upstream.Listener) {
	for {
		select {
		case raw := <-l.Notify():
			if raw == nil {
				e.pollPass(ctx)
				return
			}
			e.handleRaw(ctx, raw)
		default:
			return
		}
	}
}

func (e *Engine) handleRaw(ctx context.Context, raw *pq.Notification) {
	if n, ok := upstream.Decode(raw); ok {
		e.handleNotification(ctx, n)
	}
}

// pollPass pulls everything newer than the high-water marks, repeating
// while full batches come back. Errors leave the marks untouched; the
// next pass retries the same range.
func (e *Engine) runPoll(ctx context.Context) error {
	if e.lastSeen.IsZero() {
		if head, ok, err := e.up.MaxBucketTS(ctx, e.base); err != nil {
			log.Warn().Err(err).Msg("seeding last_seen failed")
		} else if ok {
			e.lastSeen = head
			e.metricsSeen = head
			log.Info().Time("last_seen", head).Msg("seeded last_seen from upstream head")
		}
	}

	ticker := time.NewTicker(e.cfg.PollEvery())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("poll loop stopping")
			return nil
		case <-ticker.C:
			e.pollPass(ctx)
		}
	}
}

func (e *Engine) pollPass(ctx context.Context) {
	for {
		rows, err := e.up.PollSince(ctx, e.base, e.lastSeen, pollBatchLimit)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("poll batch failed, will retry")
			}
			break
		}
		for _, row := range rows {
			e.ApplyBaseBar(ctx, row.Bar())
		}
		if e.store != nil && len(rows) > 0 {
			e.store.SetLastSeen(ctx, e.lastSeen)
		}
		if len(rows) < pollBatchLimit {
			break
		}
	}

	for {
		rows, err := e.up.PollMetricsSince(ctx, e.metricsSeen, pollBatchLimit)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("metrics poll failed, will retry")
			}
			return
		}
		for _, row := range rows {
			e.ApplyMetrics(ctx, row.Metrics())
		}
		if len(rows) < pollBatchLimit {
			return
		}
	}
}

// handleNotification re-reads the referenced row and runs it through
// derivation; the payload itself is only a wake signal.
func (e *Engine) handleNotification(ctx context.Context, n upstream.Notification) {
	telemetry.Notifications.WithLabelValues(n.Channel).Inc()

	switch n.Channel {
	case e.cfg.NotifyChannelCandles:
		if !n.IsClosed {
			return
		}
		b, ok, err := e.up.FetchBar(ctx, e.base, n.Symbol, n.TS)
		if err != nil {
			log.Warn().Err(err).Str("symbol", n.Symbol).Msg("notified bar fetch failed")
			return
		}
		if !ok {
			log.Debug().Str("symbol", n.Symbol).Time("bucket_ts", n.TS).
				Msg("notified bar not visible yet")
			return
		}
		e.ApplyBaseBar(ctx, b)
		if e.store != nil {
			e.store.SetLastSeen(ctx, e.lastSeen)
		}

	case e.cfg.NotifyChannelMetrics:
		m, ok, err := e.up.FetchMetrics(ctx, n.Symbol, n.TS)
		if err != nil {
			log.Warn().Err(err).Str("symbol", n.Symbol).Msg("notified metrics fetch failed")
			return
		}
		if !ok {
			return
		}
		e.ApplyMetrics(ctx, m)

	default:
		log.Debug().Str("channel", n.Channel).Msg("notification on unknown channel")
	}
}
