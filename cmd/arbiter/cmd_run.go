package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantarb/arbiter/internal/arbiter"
	"github.com/quantarb/arbiter/internal/config"
	"github.com/quantarb/arbiter/internal/correlation"
	"github.com/quantarb/arbiter/internal/ev"
	"github.com/quantarb/arbiter/internal/httpapi"
	"github.com/quantarb/arbiter/internal/ledger"
	"github.com/quantarb/arbiter/internal/locks"
	"github.com/quantarb/arbiter/internal/metrics"
	"github.com/quantarb/arbiter/internal/persistence"
	"github.com/quantarb/arbiter/internal/persistence/postgres"
	"github.com/quantarb/arbiter/internal/regime"
	"github.com/quantarb/arbiter/internal/risk"
	"github.com/quantarb/arbiter/internal/scan"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the arbitration service",
		Long:  "Start the evaluation-cycle runner and the monitoring API, composing the regime classifier, signal arbiter and decision ledger.",
		RunE:  runService,
	}
}

// runService is the composition root: every shared tracker and store is
// constructed here and injected explicitly, never reached as a global.
func runService(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
		cfg.HTTP.ListenAddr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	classifier := regime.NewClassifier(cfg.Regime, func(_, _, to, reason string) {
		m.RegimeTransitions.WithLabelValues(to, reason).Inc()
	})

	var hot ledger.DedupIndex
	if cfg.Ledger.RedisAddr != "" {
		hot, err = ledger.NewRedisIndex(ctx, cfg.Ledger.RedisAddr, cfg.Ledger.RedisDB, 48*time.Hour)
		if err != nil {
			log.Warn().Err(err).Msg("redis dedup index unavailable, continuing without it")
			hot = nil
		}
	}

	led, err := ledger.Open(cfg.Ledger.Root, cfg.Ledger.AuthKey, versionFingerprints(), hot)
	if err != nil {
		return fmt.Errorf("open decision ledger: %w", err)
	}
	defer led.Close()

	var mirror persistence.DecisionRepo
	if cfg.Mirror.Enabled && cfg.Mirror.DSN != "" {
		repo, err := postgres.Connect(cfg.Mirror.DSN, 5*time.Second)
		if err != nil {
			log.Warn().Err(err).Msg("decision mirror unavailable, continuing without it")
		} else {
			mirror = persistence.NewBreakerRepo(repo)
		}
	}

	hub := httpapi.NewHub()
	server := httpapi.NewServer(cfg.HTTP.ListenAddr, classifier, led, mirror, m, registry, hub)

	arb := arbiter.New(
		cfg.Arbiter,
		cfg.Regime,
		classifier,
		ev.NewEngine(cfg.Arbiter, ev.NewHistory()),
		correlation.NewTracker(250, 20),
		locks.NewManager(cfg.Arbiter.LockTimeout),
		risk.NewTracker(cfg.Arbiter.CapitalUSD, cfg.Arbiter.FamilyBudgets),
		led,
		arbiter.Options{Mirror: mirror, Metrics: m, Sink: hub.Publish},
	)

	source, err := scan.NewFileSource(cfg.Scan.SpoolDir)
	if err != nil {
		return err
	}
	runner := scan.NewRunner(cfg.Scan, source, arb, nil)

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start() }()
	go func() { errCh <- runner.Run(ctx) }()

	log.Info().Str("version", version).Str("ledger_tip", led.LastHash()).
		Msg("arbitration service started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("service component failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}

// versionFingerprints stamps every ledger entry with the code versions that
// produced it, so forensic replays know which model wrote what.
func versionFingerprints() map[string]string {
	return map[string]string{
		"app":  appName + "/" + version,
		"go":   runtime.Version(),
		"host": hostname(),
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
