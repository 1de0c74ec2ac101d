package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lucid-vigil/fileguard/pkg/audit"
	"github.com/lucid-vigil/fileguard/pkg/config"
	"github.com/lucid-vigil/fileguard/pkg/engine"
	"github.com/lucid-vigil/fileguard/pkg/events"
	"github.com/lucid-vigil/fileguard/pkg/heuristics"
	"github.com/lucid-vigil/fileguard/pkg/logger"
	"github.com/lucid-vigil/fileguard/pkg/monitors/sweep"
	"github.com/lucid-vigil/fileguard/pkg/profile"
	"github.com/lucid-vigil/fileguard/pkg/reputation"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fileguard",
	Short: "Host file-activity anomaly detector",
	Long: `fileguard learns what ordinary files look like on this host and flags
files that deviate from that baseline, combining file metadata, a content
heuristic and hash reputation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger.InitLogger(cfg.LogLevel, cfg.LogFormat)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., $HOME/.fileguard, /etc/fileguard)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(auditCmd)
}

// app is the wired engine plus its optional event plumbing.
type app struct {
	engine  *engine.Engine
	sink    audit.Sink
	scanner *heuristics.Scanner
	bus     *events.EventBus
	dedup   *events.EventDeduplicator
	alerts  *events.AlertLog
}

// newApp wires the engine from cfg. withEvents starts the event bus and
// the alert log subscribed to it.
func newApp(withEvents bool) (*app, error) {
	store, err := profile.NewStore(cfg.ProfilePath, log.Logger)
	if err != nil {
		return nil, err
	}
	sink, err := audit.Open(cfg.Audit.Driver, cfg.Audit.Path, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit sink: %w", err)
	}
	scanner, err := heuristics.NewScanner(nil, log.Logger)
	if err != nil {
		return nil, err
	}

	a := &app{sink: sink, scanner: scanner}
	opts := engine.Options{
		Store:     store,
		ModelPath: cfg.ModelPath,
		Cache:     reputation.NewFromConfig(cfg.Reputation, log.Logger),
		Training:  cfg.Training,
		Sink:      sink,
		Logger:    log.Logger,
	}
	if withEvents {
		a.bus = events.NewEventBus(log.Logger, cfg.Events.BufferSize)
		a.bus.SetRateLimit(cfg.Events.RateLimitPerMinute, cfg.Events.RateLimitBurst)
		a.dedup = events.NewEventDeduplicator(cfg.Events.DedupWindow)
		a.alerts = events.NewAlertLog(a.dedup, 100, log.Logger)
		a.bus.Subscribe(a.alerts)
		a.bus.Start(context.Background())
		opts.Publisher = a.bus
	}

	a.engine, err = engine.New(opts)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	return a, nil
}

// checker returns the heuristic scanner when sweeps should use it.
func (a *app) checker() sweep.Checker {
	if !cfg.Sweep.Heuristics {
		return nil
	}
	return a.scanner
}

// auditReader returns the sink when it can list stored entries.
func (a *app) auditReader() (audit.Reader, bool) {
	r, ok := a.sink.(audit.Reader)
	return r, ok
}

func (a *app) close() error {
	err := a.engine.Close()
	if a.bus != nil {
		a.bus.Stop()
	}
	if a.dedup != nil {
		a.dedup.Stop()
	}
	return err
}
