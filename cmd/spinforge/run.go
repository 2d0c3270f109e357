package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spinforge/spinforge/pkg/admin"
	"github.com/spinforge/spinforge/pkg/config"
	"github.com/spinforge/spinforge/pkg/events"
	"github.com/spinforge/spinforge/pkg/executor"
	"github.com/spinforge/spinforge/pkg/ledger"
	"github.com/spinforge/spinforge/pkg/log"
	"github.com/spinforge/spinforge/pkg/reconciler"
	"github.com/spinforge/spinforge/pkg/router"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/validator"
	"github.com/spinforge/spinforge/pkg/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the delivery engine",
	Long: `Run the delivery worker, proxy router, reconciliation jobs, and the
admin surface as one process. Multiple processes may run against the same
database; they coordinate entirely through it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		broker := events.NewBroker()

		rt := router.New(store, cfg.Router, cfg.StickyTTL())

		var exec executor.Executor
		var faults *executor.FaultInjector
		if cfg.ExecutorURL != "" {
			exec = executor.NewHTTPExecutor(cfg.ExecutorURL, cfg.ExecutorTimeout())
		} else {
			exec = executor.Static{}
		}
		if cfg.Dev {
			faults = executor.NewFaultInjector(exec)
			exec = faults
		}

		eng := ledger.NewEngine(store, ledger.Config{
			SplitSize:         cfg.SplitSize,
			MaxAttempts:       cfg.MaxAttempts,
			InstantThreshold:  instantThreshold(cfg),
			ForceTaskDelivery: cfg.ForceTaskDelivery,
			RefundEnabled:     cfg.RefundEnabled,
		}, broker)

		w := worker.New(store, rt, exec, eng, broker, worker.Config{
			BatchSize:       cfg.BatchSize,
			MaxConcurrent:   cfg.MaxConcurrent,
			CycleInterval:   cfg.CycleInterval(),
			OrphanThreshold: cfg.OrphanThreshold(),
			ExecutorTimeout: cfg.ExecutorTimeout(),
		})

		rec := reconciler.NewReconciler(store, reconciler.Config{
			ReconciliationCron: cfg.ReconciliationCron,
			VelocityCron:       cfg.VelocityCron,
			VelocityThreshold:  cfg.VelocityThreshold,
		}, broker)

		v := validator.New(store, cfg.OrphanThreshold())
		adminServer := admin.New(cfg.AdminAddr, store, w, rt, v, faults, broker, cfg.OrphanThreshold())

		w.Start()
		if err := rec.Start(); err != nil {
			w.Stop()
			return err
		}
		adminServer.Start()

		log.Logger.Info().Str("worker_id", w.ID()).Msg("Spinforge running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("Shutting down")

		// Teardown is the reverse of init.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := adminServer.Stop(shutdownCtx); err != nil {
			log.Logger.Error().Err(err).Msg("Admin server shutdown failed")
		}
		rec.Stop()
		w.Stop()
		broker.Close()
		return nil
	},
}

// instantThreshold disables the instant path outside dev: production
// orders always go through tasks.
func instantThreshold(cfg config.Config) int {
	if cfg.Dev {
		return cfg.InstantThreshold
	}
	return 0
}

// openStore connects to Postgres, or falls back to the in-memory store in
// dev when no database is configured.
func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.DatabaseURL == "" {
		if !cfg.Dev {
			return nil, fmt.Errorf("database URL is required outside dev mode")
		}
		log.Logger.Warn().Msg("No database configured, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(ctx, cfg.DatabaseURL)
}
