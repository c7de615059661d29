package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/monitor"
	"github.com/omiiii21/crypto-market-microstructure/internal/pipeline"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/cold"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/hot"
	"github.com/omiiii21/crypto-market-microstructure/internal/telemetry"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue/binance"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue/okx"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every stage in one process",
		Long:  "Streams market data, derives metrics, detects anomalies and writes both stores.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, "pipeline", pipeline.AllStages())
		},
	}
	addPipelineFlags(cmd)
	return cmd
}

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the raw-data plane only",
		Long:  "Streams market data and owns the book/ticker/gap/health projections; metrics and alerts are left to their own processes.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, "ingest", pipeline.Stages{Raw: true})
		},
	}
	addPipelineFlags(cmd)
	return cmd
}

func newMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Run the metrics plane only",
		Long:  "Derives spread/depth/imbalance/basis metrics with rolling z-scores and owns their projections.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, "metrics", pipeline.Stages{Metrics: true})
		},
	}
	addPipelineFlags(cmd)
	return cmd
}

func newDetectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run the alert plane only",
		Long:  "Evaluates metric samples against thresholds and owns the alert lifecycle, its projections and notifications.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, "detect", pipeline.Stages{Alerts: true})
		},
	}
	addPipelineFlags(cmd)
	return cmd
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().String("listen", "", "Monitor listen address (overrides features.yaml)")
	cmd.Flags().String("venues", "", "Comma-separated venue subset (default: all enabled)")
	cmd.Flags().String("spool-dir", "data/spool", "Directory for the cold-store fallback spool")
}

// runPipeline is the shared body of run/ingest/metrics/detect: load config,
// open both stores, assemble the pipeline and the monitor, then block until
// a signal or an unrecoverable storage failure.
func runPipeline(cmd *cobra.Command, name string, stages pipeline.Stages) error {
	configDir, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = cfg.LogLevel
	}
	applyLogLevel(level)

	subset, _ := cmd.Flags().GetString("venues")
	adapters, err := buildAdapters(cfg, subset)
	if err != nil {
		return err
	}

	store, err := hot.NewRedis(cfg.RedisURL, hotOptions(cfg.Features))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := pingStore(store); err != nil {
		return exitWith(exitDependency, fmt.Errorf("redis unreachable: %w", err))
	}

	db, err := cold.Open(cold.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return exitWith(exitDependency, fmt.Errorf("postgres unreachable: %w", err))
	}
	defer db.Close()

	spoolDir, _ := cmd.Flags().GetString("spool-dir")
	spool, err := cold.NewSpool(spoolDir)
	if err != nil {
		return exitWith(exitDependency, err)
	}

	tel := telemetry.NewRegistry()
	p, err := pipeline.New(pipeline.Options{
		Adapters:    adapters,
		Features:    cfg.Features,
		Alerts:      cfg.Alerts,
		Instruments: cfg.Instruments,
		HotStore:    store,
		Flusher:     cold.NewWriter(db, cold.DefaultConfig(cfg.DatabaseURL).QueryTimeout),
		Spool:       spool,
		Stages:      stages,
		Name:        name,
		Telemetry:   tel,
	})
	if err != nil {
		return err
	}

	listen, _ := cmd.Flags().GetString("listen")
	if listen == "" {
		listen = cfg.Features.Monitor.ListenAddr
	}
	mon := monitor.NewServer(monitor.Config{ListenAddr: listen}, adapters, store, tel, clock.System())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monErr := make(chan error, 1)
	go func() { monErr <- mon.Start() }()

	pipeErr := make(chan error, 1)
	go func() { pipeErr <- p.Run(runCtx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var monFailure error
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case monFailure = <-monErr:
		log.Error().Err(monFailure).Msg("monitor server failed, shutting down")
	case err := <-pipeErr:
		// The pipeline only stops on its own when persistence is beyond
		// saving.
		shutdownMonitor(mon)
		if err != nil {
			return exitWith(exitStorage, err)
		}
		return errors.New("pipeline stopped unexpectedly")
	}
	cancel()

	if err := <-pipeErr; err != nil {
		shutdownMonitor(mon)
		return exitWith(exitStorage, err)
	}
	shutdownMonitor(mon)
	if monFailure != nil {
		return monFailure
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func shutdownMonitor(mon *monitor.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mon.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("monitor shutdown error")
	}
}

func pingStore(store hot.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return store.Ping(ctx)
}

func hotOptions(f *config.FeaturesConfig) hot.Options {
	return hot.Options{
		StateTTL:     f.HotStore.StateTTL(),
		ZScoreTTL:    f.HotStore.ZScoreTTL(),
		ZScoreWindow: f.ZScore.WindowSize,
	}
}

// buildAdapters constructs one adapter per enabled venue, optionally narrowed
// to a comma-separated subset. Venue names without an adapter refuse startup.
func buildAdapters(cfg *config.Config, subset string) ([]venue.Adapter, error) {
	want := map[string]bool{}
	for _, v := range strings.Split(subset, ",") {
		if v = strings.TrimSpace(strings.ToLower(v)); v != "" {
			want[v] = true
		}
	}

	var adapters []venue.Adapter
	for name, vc := range cfg.Venues.Venues {
		if !vc.Enabled {
			continue
		}
		if len(want) > 0 && !want[name] {
			continue
		}
		switch name {
		case "binance":
			a, err := binance.New(binance.Options{
				Venue:        vc,
				Instruments:  cfg.Instruments,
				GapThreshold: cfg.Features.Gaps.GapThreshold(),
			})
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		case "okx":
			a, err := okx.New(okx.Options{
				Venue:        vc,
				Instruments:  cfg.Instruments,
				GapThreshold: cfg.Features.Gaps.GapThreshold(),
			})
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		default:
			return nil, fmt.Errorf("venue %q has no adapter", name)
		}
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no enabled venues matched %q", subset)
	}
	sort.Slice(adapters, func(i, j int) bool { return adapters[i].Venue() < adapters[j].Venue() })
	return adapters, nil
}
