// Package telemetry registers the service's Prometheus metrics on the
// default registry, exposed by internal/httpapi.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BaseBars counts base-period bars run through derivation.
	BaseBars = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kfuser_base_bars_total",
		Help: "Base-period bars applied to the derivation pipeline.",
	})

	// ClosedBars counts derived bars closed, per period.
	ClosedBars = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kfuser_closed_bars_total",
		Help: "Derived bars closed and appended to the window cache.",
	}, []string{"period"})

	// MetricsSamples counts 5m metrics samples applied.
	MetricsSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kfuser_metrics_samples_total",
		Help: "Futures-sentiment samples applied to the pipeline.",
	})

	// Publishes counts pub/sub messages pushed.
	Publishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kfuser_publishes_total",
		Help: "Pub/sub updates pushed to the snapshot store.",
	})

	// SnapshotDrops counts best-effort snapshot calls that failed.
	SnapshotDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kfuser_snapshot_drops_total",
		Help: "Snapshot-store calls dropped after an error.",
	})

	// CatchupRows counts rows replayed by catch-up, serial or parallel.
	CatchupRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kfuser_catchup_rows_total",
		Help: "Base rows replayed while catching up to the upstream head.",
	})

	// Notifications counts wake signals received, per channel.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kfuser_notifications_total",
		Help: "LISTEN/NOTIFY wake signals received.",
	}, []string{"channel"})

	// LastSeen tracks the engine high-water mark as a unix timestamp.
	LastSeen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kfuser_last_seen_timestamp_seconds",
		Help: "Newest base bucket_ts the engine has applied.",
	})
)
