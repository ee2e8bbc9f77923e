// Package config loads the service configuration from YAML with
// environment overrides for deploy-time wiring.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/icefree/tradecat/internal/period"
)

// Parallel tunes the sharded catch-up engine.
type Parallel struct {
	Workers          int `yaml:"workers"`
	TimeSegmentHours int `yaml:"time_segment_hours"`
	SymbolBatchSize  int `yaml:"symbol_batch_size"`
}

// Config is the full service configuration.
type Config struct {
	UpstreamURL string `yaml:"upstream_url"`
	SnapshotURL string `yaml:"snapshot_url"`
	ExchangeTag string `yaml:"exchange_tag"`

	BasePeriod    string   `yaml:"base_period"`
	Periods       []string `yaml:"periods"`
	CacheWindow   int      `yaml:"cache_window"`
	MetricsWindow int      `yaml:"metrics_window"`

	PollIntervalSeconds        float64 `yaml:"poll_interval"`
	PollFallback               bool    `yaml:"poll_fallback"`
	SnapshotRestoreMaxAgeHours int     `yaml:"snapshot_restore_max_age_hours"`

	Parallel Parallel `yaml:"parallel"`

	NotifyChannelCandles string `yaml:"notify_channel_candles"`
	NotifyChannelMetrics string `yaml:"notify_channel_metrics"`

	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	workers := runtime.GOMAXPROCS(0)
	if workers > 8 {
		workers = 8
	}
	return Config{
		ExchangeTag:                "binance",
		BasePeriod:                 "1m",
		Periods:                    []string{"1m", "5m", "15m", "1h", "4h", "1d", "1w"},
		CacheWindow:                500,
		MetricsWindow:              240,
		PollIntervalSeconds:        1,
		SnapshotRestoreMaxAgeHours: 168,
		Parallel: Parallel{
			Workers:          workers,
			TimeSegmentHours: 6,
			SymbolBatchSize:  70,
		},
		NotifyChannelCandles: "candle_1m_update",
		NotifyChannelMetrics: "metrics_5m_update",
		LogLevel:             "info",
	}
}

// Load reads path (optional), overlays environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.UpstreamURL, "DATABASE_URL")
	setStr(&c.SnapshotURL, "REDIS_URL")
	setStr(&c.ExchangeTag, "EXCHANGE_IN_DB")
	setStr(&c.NotifyChannelCandles, "NOTIFY_CHANNEL")
	setStr(&c.NotifyChannelMetrics, "NOTIFY_CHANNEL_METRICS")
	setStr(&c.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("CACHE_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CacheWindow = n
		}
	}
	if v := os.Getenv("METRICS_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MetricsWindow = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.PollIntervalSeconds = f
		}
	}
	if v := os.Getenv("POLL_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.PollFallback = b
		}
	}
	if v := os.Getenv("REDIS_RESTORE_MAX_AGE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SnapshotRestoreMaxAgeHours = n
		}
	}
}

// Validate checks the options that have no safe default.
func (c Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required")
	}
	base, err := period.Parse(c.BasePeriod)
	if err != nil {
		return fmt.Errorf("base_period: %w", err)
	}
	if len(c.Periods) == 0 {
		return fmt.Errorf("periods must not be empty")
	}
	seenBase := false
	for _, s := range c.Periods {
		p, err := period.Parse(s)
		if err != nil {
			return fmt.Errorf("periods: %w", err)
		}
		if p == base {
			seenBase = true
		}
		if p.Duration() < base.Duration() {
			return fmt.Errorf("period %s is smaller than base %s", p, base)
		}
	}
	if !seenBase {
		return fmt.Errorf("periods must include base %s", base)
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

// Base returns the parsed base period.
func (c Config) Base() period.Period {
	p, _ := period.Parse(c.BasePeriod)
	return p
}

// AllPeriods returns the parsed period list in configured order.
func (c Config) AllPeriods() []period.Period {
	out := make([]period.Period, 0, len(c.Periods))
	for _, s := range c.Periods {
		p, _ := period.Parse(s)
		out = append(out, p)
	}
	return out
}

// DerivedPeriods returns every configured period except the base.
func (c Config) DerivedPeriods() []period.Period {
	base := c.Base()
	out := make([]period.Period, 0, len(c.Periods)-1)
	for _, p := range c.AllPeriods() {
		if p != base {
			out = append(out, p)
		}
	}
	return out
}

// PollEvery returns the poll cadence as a duration.
func (c Config) PollEvery() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// RestoreMaxAge returns the snapshot age gate as a duration.
func (c Config) RestoreMaxAge() time.Duration {
	return time.Duration(c.SnapshotRestoreMaxAgeHours) * time.Hour
}

// SegmentWidth returns the catch-up time-segment width.
func (c Config) SegmentWidth() time.Duration {
	return time.Duration(c.Parallel.TimeSegmentHours) * time.Hour
}
