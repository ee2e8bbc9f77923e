// kfuser fuses the upstream 1m candle and 5m futures-metrics streams
// into every configured period and serves them through Redis.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/icefree/tradecat/internal/config"
	"github.com/icefree/tradecat/internal/consumer"
	"github.com/icefree/tradecat/internal/engine"
	"github.com/icefree/tradecat/internal/httpapi"
	"github.com/icefree/tradecat/internal/period"
	"github.com/icefree/tradecat/internal/snapshot"
	"github.com/icefree/tradecat/internal/upstream"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "kfuser",
		Short:         "Multi-period candle and futures-sentiment fusion engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	root.AddCommand(runCmd(), catchupCmd(), exportCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (config.Config, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly})
	}
	log.Logger = log.With().Str("instance", uuid.NewString()[:8]).Logger()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	return cfg, ctx, cancel, nil
}

// openStores connects upstream (fatal on failure) and the snapshot
// store (nil on failure: pure-memory mode).
func openStores(ctx context.Context, cfg config.Config) (*upstream.Reader, *snapshot.Store, error) {
	up, err := upstream.NewReader(ctx, cfg.UpstreamURL, cfg.ExchangeTag)
	if err != nil {
		return nil, nil, err
	}
	var store *snapshot.Store
	if cfg.SnapshotURL != "" {
		store, err = snapshot.NewStore(ctx, cfg.SnapshotURL)
		if err != nil {
			log.Warn().Err(err).Msg("snapshot store unavailable, running in pure-memory mode")
			store = nil
		}
	} else {
		log.Info().Msg("no snapshot_url configured, mirror and pub/sub disabled")
	}
	return up, store, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Warm up and follow the upstream head",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			up, store, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer up.Close()
			if store != nil {
				defer store.Close()
			}

			eng := engine.New(cfg, up, store)

			if cfg.HTTPAddr != "" {
				srv := httpapi.New(cfg.HTTPAddr, eng)
				go func() {
					if err := srv.Run(ctx); err != nil {
						log.Error().Err(err).Msg("http listener failed")
					}
				}()
			}

			return eng.Run(ctx)
		},
	}
}

func catchupCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "Replay a gap with the sharded parallel engine and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			up, store, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer up.Close()
			if store != nil {
				defer store.Close()
			}

			eng := engine.New(cfg, up, store)
			if err := eng.LoadSymbols(ctx); err != nil {
				return err
			}

			from := time.Now().UTC().Add(-since)
			if since == 0 {
				if store == nil {
					return fmt.Errorf("no snapshot store and no --since, nothing to replay from")
				}
				seen, ok, err := store.LastSeen(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no last_seen in snapshot store, pass --since")
				}
				from = seen
			}
			return eng.ParallelCatchup(ctx, from)
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "replay this far back instead of from last_seen")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		symbol  string
		periodS string
		limit   int
		out     string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump the cached window for one symbol as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			if cfg.SnapshotURL == "" {
				return fmt.Errorf("export reads the snapshot store; snapshot_url is not set")
			}
			p, err := period.Parse(periodS)
			if err != nil {
				return err
			}

			reader, err := consumer.NewReader(ctx, cfg.SnapshotURL, nil)
			if err != nil {
				return err
			}
			defer reader.Close()

			bars, err := reader.Window(ctx, symbol, p, limit, false)
			if err != nil {
				return err
			}

			w := os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			cw := csv.NewWriter(w)
			if err := cw.Write([]string{
				"datetime", "open", "high", "low", "close", "volume",
				"quote_volume", "trade_count", "taker_buy_volume",
				"taker_buy_quote_volume", "is_closed",
			}); err != nil {
				return err
			}
			f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
			for _, b := range bars {
				if err := cw.Write([]string{
					b.Datetime.UTC().Format(time.RFC3339),
					f(b.Open), f(b.High), f(b.Low), f(b.Close), f(b.Volume),
					f(b.QuoteVolume), strconv.FormatInt(b.TradeCount, 10),
					f(b.TakerBuyVolume), f(b.TakerBuyQuoteVolume),
					strconv.FormatBool(b.IsClosed),
				}); err != nil {
					return err
				}
			}
			cw.Flush()
			log.Info().Int("rows", len(bars)).Str("symbol", symbol).Str("period", p.String()).
				Msg("export done")
			return cw.Error()
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to export")
	cmd.Flags().StringVar(&periodS, "period", "1m", "candle period")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum rows, newest kept")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	cmd.MarkFlagRequired("symbol")
	return cmd
}
