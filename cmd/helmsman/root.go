package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/cache"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/exchange"
	"github.com/quantfold/helmsman/internal/executor"
	"github.com/quantfold/helmsman/internal/governor"
	"github.com/quantfold/helmsman/internal/metrics"
	"github.com/quantfold/helmsman/internal/oracle"
	"github.com/quantfold/helmsman/internal/regime"
	"github.com/quantfold/helmsman/internal/scheduler"
	"github.com/quantfold/helmsman/internal/scorekeeper"
	"github.com/quantfold/helmsman/internal/signals"
	"github.com/quantfold/helmsman/internal/tripwire"
)

// errInterrupted maps a SIGINT shutdown to exit code 130.
var errInterrupted = errors.New("interrupted")

var (
	configPath string

	flagGoverned bool
	flagSync     bool
	flagPaper    bool
)

var rootCmd = &cobra.Command{
	Use:           "helmsman",
	Short:         "Governed trading agent for Hyperliquid",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	startCmd.Flags().BoolVar(&flagGoverned, "governed", false, "enable LLM-governed plan reviews")
	startCmd.Flags().BoolVar(&flagSync, "sync", false, "run a single tick and exit")
	startCmd.Flags().Bool("async", true, "run the scheduler loop (default)")
	startCmd.Flags().BoolVar(&flagPaper, "paper", false, "trade against the in-memory paper venue")

	rootCmd.AddCommand(startCmd, statusCmd, govPlanCmd, govRegimeCmd, govTripwireCmd, govMetricsCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the agent loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sched, cleanup, err := buildStack(ctx, cfg, flagGoverned, flagPaper)
		if err != nil {
			return err
		}
		defer cleanup()

		if flagSync {
			sched.Tick(ctx)
			return nil
		}
		if err := sched.Run(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return errInterrupted
		}
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	config.InitLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// buildStack wires the full agent. The returned cleanup closes the
// cache and stops the metrics server.
func buildStack(ctx context.Context, cfg *config.Config, governed, paper bool) (*scheduler.Scheduler, func(), error) {
	log := config.NewLogger("main")

	store, err := cache.Open(cfg.Signals.CacheDBPath, time.Duration(cfg.Signals.SweepIntervalSeconds)*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("open signal cache: %w", err)
	}

	var ex exchange.Exchange
	if paper {
		ex = exchange.NewMockExchange(100_000)
		log.Warn().Msg("Paper venue active, no real orders will be placed")
	} else {
		ex = exchange.NewHyperliquid(cfg.Hyperliquid)
	}

	registry := account.NewRegistry()
	hydrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := registry.Hydrate(hydrateCtx, ex); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("hydrate asset registry: %w", err)
	}

	var providers []signals.Provider
	for name, pcfg := range cfg.Signals.Providers {
		switch name {
		case "hyperliquid":
			providers = append(providers, signals.NewHyperliquidProvider(ex, store, pcfg))
		case "coingecko":
			if pcfg.Enabled {
				providers = append(providers, signals.NewCoinGeckoProvider(store, pcfg))
			}
		case "feargreed":
			// degrades to a neutral reading when disabled
			providers = append(providers, signals.NewFearGreedProvider(store, pcfg))
		case "unlocks":
			providers = append(providers, signals.NewUnlocksProvider(store, pcfg))
		case "macro":
			providers = append(providers, signals.NewMacroProvider(store, pcfg))
		default:
			log.Warn().Str("provider", name).Msg("Unknown provider in config, ignoring")
		}
	}

	var orc oracle.Oracle
	if governed {
		orc = oracle.New(cfg.LLM)
	} else {
		orc = ungoverned{}
		log.Info().Msg("Running ungoverned: plan reviews disabled, tripwires and execution active")
	}

	sk := scorekeeper.New(cfg.Governance.CompletedPlansFile)
	exec := executor.New(ex, registry, cfg.Risk)
	exec.SetRecorder(sk)

	sched := scheduler.New(cfg, scheduler.Deps{
		Monitor:  account.NewMonitor(ex, registry),
		Signals:  signals.NewOrchestrator(cfg.Signals, providers...),
		Detector: regime.NewDetector(orc, cfg.Governance),
		Oracle:   orc,
		Governor: governor.New(cfg.Governance),
		Tripwire: tripwire.New(cfg.Governance),
		Executor: exec,
		Scores:   sk,
	})

	var srv *metrics.Server
	if cfg.Observability.EnableMetrics {
		srv = metrics.NewServer(cfg.Observability.PrometheusPort, config.NewLogger("metrics"))
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	cleanup := func() {
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		store.Close()
	}
	return sched, cleanup, nil
}
