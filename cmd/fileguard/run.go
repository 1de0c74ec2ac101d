package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lucid-vigil/fileguard/pkg/api"
	"github.com/lucid-vigil/fileguard/pkg/monitors/sweep"
	"github.com/lucid-vigil/fileguard/pkg/monitors/watch"
	"github.com/lucid-vigil/fileguard/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the detector: scheduled sweeps, live watch and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Info().Msg("fileguard starting...")
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIPort=%s, DataDir=%s", cfg.LogLevel, cfg.APIPort, cfg.DataDir)

	a, err := newApp(true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := sweep.New(cfg.Sweep, a.engine, a.checker(), a.bus, log.Logger)
	watcher := watch.New(cfg.Watch, a.engine, a.checker(), log.Logger)

	sched := scheduler.NewScheduler(cfg, log.Logger)
	sched.RegisterMonitor(sweeper)
	sched.RegisterMonitor(watcher)
	sched.Start(ctx)

	server := api.NewServer(a.engine, a.alerts, []api.StatusReporter{sweeper, watcher}, log.Logger)
	if r, ok := a.auditReader(); ok {
		server.WithAudit(r)
	}
	apiErr := make(chan error, 1)
	go func() { apiErr <- server.ListenAndServe(ctx, cfg.APIPort) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal, shutting down gracefully...")
	case err := <-apiErr:
		if err != nil {
			log.Error().Err(err).Msg("API server failed")
		}
		stop()
	}

	sched.Wait()
	if err := a.close(); err != nil {
		log.Error().Err(err).Msg("Final checkpoint failed")
		return err
	}
	log.Info().Msg("fileguard stopped.")
	return nil
}
