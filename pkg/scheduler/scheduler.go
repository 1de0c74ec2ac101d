package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/fileguard/pkg/config"
)

// Monitor defines the interface for any monitor that can be scheduled.
type Monitor interface {
	Name() string
	Run(ctx context.Context)
}

// MonitorFunc adapts a function to Monitor.
type MonitorFunc struct {
	name string
	fn   func(ctx context.Context)
}

// NewMonitorFunc wraps fn as a monitor called name.
func NewMonitorFunc(name string, fn func(ctx context.Context)) *MonitorFunc {
	return &MonitorFunc{name: name, fn: fn}
}

func (m *MonitorFunc) Name() string            { return m.name }
func (m *MonitorFunc) Run(ctx context.Context) { m.fn(ctx) }

// Scheduler manages the registration and execution of various monitors.
// A monitor with an interval runs immediately and then on every tick; a
// monitor without one runs once and is expected to block until shutdown.
type Scheduler struct {
	monitors []Monitor
	config   *config.Config
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewScheduler creates and returns a new Scheduler instance.
func NewScheduler(cfg *config.Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		config: cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// RegisterMonitor adds a monitor to the scheduler's list.
func (s *Scheduler) RegisterMonitor(m Monitor) {
	s.monitors = append(s.monitors, m)
	s.logger.Info().Msgf("Monitor '%s' registered.", m.Name())
}

// Start launches all enabled monitors with their configured intervals.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("Scheduler starting...")

	for _, mon := range s.monitors {
		monitorConfig, ok := s.config.GetMonitorConfig(mon.Name())
		if !ok || !monitorConfig.Enabled {
			s.logger.Info().Msgf("Monitor '%s' is disabled or not configured, skipping.", mon.Name())
			continue
		}

		if monitorConfig.Interval == "" {
			s.logger.Info().Msgf("Starting monitor '%s'", mon.Name())
			s.wg.Add(1)
			go func(m Monitor) {
				defer s.wg.Done()
				m.Run(ctx)
			}(mon)
			continue
		}

		duration, err := time.ParseDuration(monitorConfig.Interval)
		if err != nil || duration <= 0 {
			s.logger.Error().Err(err).Msgf("Invalid interval for monitor '%s', skipping.", mon.Name())
			continue
		}

		s.logger.Info().Msgf("Starting monitor '%s' with interval %s", mon.Name(), duration)
		s.wg.Add(1)
		go s.runMonitor(ctx, mon, duration)
	}

	s.logger.Info().Msg("All configured monitors started.")
}

// Wait blocks until every started monitor has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runMonitor(ctx context.Context, m Monitor, interval time.Duration) {
	defer s.wg.Done()

	s.logger.Debug().Msgf("Running monitor '%s' for the first time.", m.Name())
	m.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logger.Debug().Msgf("Running monitor '%s'.", m.Name())
			m.Run(ctx)
		case <-ctx.Done():
			s.logger.Info().Msgf("Monitor '%s' received shutdown signal.", m.Name())
			return
		}
	}
}
