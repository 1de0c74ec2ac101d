package base

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is a snapshot of a monitor's bookkeeping.
type Status struct {
	Name      string                 `json:"name"`
	Runs      int                    `json:"runs"`
	LastRun   time.Time              `json:"last_run,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// BaseMonitor carries the logging and status tracking every file monitor
// shares. It is safe for concurrent use.
type BaseMonitor struct {
	name      string
	runs      int
	lastRun   time.Time
	lastError error
	metrics   map[string]interface{}
	logger    zerolog.Logger
	mu        sync.Mutex
}

// NewBaseMonitor creates a BaseMonitor whose logger carries the monitor name.
func NewBaseMonitor(name string, logger zerolog.Logger) *BaseMonitor {
	return &BaseMonitor{
		name:    name,
		logger:  logger.With().Str("monitor", name).Logger(),
		metrics: make(map[string]interface{}),
	}
}

// Name returns the monitor's name.
func (b *BaseMonitor) Name() string {
	return b.name
}

// Logger returns the monitor-scoped logger.
func (b *BaseMonitor) Logger() *zerolog.Logger {
	return &b.logger
}

// RecordRun notes a finished run and its outcome.
func (b *BaseMonitor) RecordRun(started time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs++
	b.lastRun = started
	b.lastError = err
}

// GetLastError returns the error of the most recent run.
func (b *BaseMonitor) GetLastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

// UpdateMetrics sets a metric value.
func (b *BaseMonitor) UpdateMetrics(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics[key] = value
}

// Status returns a copy of the monitor's bookkeeping.
func (b *BaseMonitor) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		Name:    b.name,
		Runs:    b.runs,
		LastRun: b.lastRun,
		Metrics: make(map[string]interface{}, len(b.metrics)),
	}
	if b.lastError != nil {
		s.LastError = b.lastError.Error()
	}
	for k, v := range b.metrics {
		s.Metrics[k] = v
	}
	return s
}
