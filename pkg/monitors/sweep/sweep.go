// Package sweep walks configured directories and runs every regular file
// through the engine.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/errgroup"

	"github.com/lucid-vigil/fileguard/pkg/config"
	"github.com/lucid-vigil/fileguard/pkg/engine"
	"github.com/lucid-vigil/fileguard/pkg/events"
	"github.com/lucid-vigil/fileguard/pkg/metrics"
	"github.com/lucid-vigil/fileguard/pkg/monitors/base"
)

// Name is the scheduler name of the sweep monitor.
const Name = "directory_sweep"

const progressEvery = 100

// Engine is the part of *engine.Engine a sweep drives.
type Engine interface {
	Register(ctx context.Context, path string, suspicious bool) (*engine.RegisterResult, error)
	Predict(ctx context.Context, path string, suspicious bool) (engine.Prediction, error)
	Checkpoint() error
}

// Checker decides the suspicion flag for a file.
type Checker interface {
	Suspicious(path string) bool
}

// Summary describes one finished sweep.
type Summary struct {
	Roots      []string            `json:"roots"`
	Processed  int64               `json:"processed"`
	Failed     int64               `json:"failed"`
	Anomalies  []engine.Prediction `json:"anomalies,omitempty"`
	Duration   time.Duration       `json:"duration"`
	Cancelled  bool                `json:"cancelled"`
	Checkpoint error               `json:"-"`
}

// Monitor is the directory sweep.
type Monitor struct {
	*base.BaseMonitor
	engine    Engine
	checker   Checker
	publisher events.Publisher
	roots     []string
	exclude   []string
	workers   int
}

// New creates a sweep over cfg.Directories. checker and publisher may be nil.
func New(cfg config.SweepConfig, eng Engine, checker Checker, publisher events.Publisher, logger zerolog.Logger) *Monitor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Monitor{
		BaseMonitor: base.NewBaseMonitor(Name, logger),
		engine:      eng,
		checker:     checker,
		publisher:   publisher,
		roots:       cfg.Directories,
		exclude:     cfg.ExcludePaths,
		workers:     workers,
	}
}

// Run sweeps the configured roots.
func (m *Monitor) Run(ctx context.Context) {
	if len(m.roots) == 0 {
		m.Logger().Debug().Msg("No sweep directories configured")
		return
	}
	m.Sweep(ctx, m.roots...)
}

// Sweep registers and scores every regular file under roots, then
// checkpoints the engine. Cancelling ctx stops new files from being issued;
// files already in flight finish.
func (m *Monitor) Sweep(ctx context.Context, roots ...string) Summary {
	started := time.Now()
	logger := m.Logger()
	logger.Info().Strs("roots", roots).Int("workers", m.workers).Msg("Sweep starting")

	var (
		processed atomic.Int64
		failed    atomic.Int64
		mu        sync.Mutex
		anomalies []engine.Prediction
	)

	var g errgroup.Group
	g.SetLimit(m.workers)
	work := context.WithoutCancel(ctx)

	for _, root := range roots {
		if ctx.Err() != nil {
			break
		}
		m.logDiskUsage(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				if path == root {
					return err
				}
				logger.Debug().Err(err).Str("path", path).Msg("Skipping unreadable entry")
				return nil
			}
			if m.excluded(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			g.Go(func() error {
				p, ok := m.process(work, path)
				if !ok {
					failed.Add(1)
					return nil
				}
				if p.Anomalous {
					mu.Lock()
					anomalies = append(anomalies, p)
					mu.Unlock()
				}
				if n := processed.Add(1); n%progressEvery == 0 {
					logger.Info().Int64("processed", n).Msg("Sweep progress")
				}
				return nil
			})
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Err(err).Str("root", root).Msg("Sweep root unreadable")
		}
	}
	_ = g.Wait()

	summary := Summary{
		Roots:     roots,
		Processed: processed.Load(),
		Failed:    failed.Load(),
		Anomalies: anomalies,
		Duration:  time.Since(started),
		Cancelled: ctx.Err() != nil,
	}
	summary.Checkpoint = m.engine.Checkpoint()

	m.UpdateMetrics("processed", summary.Processed)
	m.UpdateMetrics("failed", summary.Failed)
	m.UpdateMetrics("anomalies", len(summary.Anomalies))
	m.RecordRun(started, summary.Checkpoint)

	logger.Info().
		Int64("processed", summary.Processed).
		Int64("failed", summary.Failed).
		Int("anomalies", len(summary.Anomalies)).
		Dur("took", summary.Duration).
		Bool("cancelled", summary.Cancelled).
		Msg("Sweep completed")

	if m.publisher != nil {
		err := m.publisher.Publish(work, events.Event{
			Type:        events.EventSweepCompleted,
			Source:      Name,
			Target:      strings.Join(roots, ","),
			Severity:    "info",
			Description: fmt.Sprintf("swept %d files, %d anomalous", summary.Processed, len(summary.Anomalies)),
			Data: map[string]interface{}{
				"processed": summary.Processed,
				"failed":    summary.Failed,
				"anomalies": len(summary.Anomalies),
			},
		})
		if err != nil {
			logger.Debug().Err(err).Msg("Sweep event not published")
		}
	}
	return summary
}

// process registers then scores one file. ok is false when the file could
// not be registered.
func (m *Monitor) process(ctx context.Context, path string) (engine.Prediction, bool) {
	suspicious := m.checker != nil && m.checker.Suspicious(path)
	if _, err := m.engine.Register(ctx, path, suspicious); err != nil {
		m.Logger().Debug().Err(err).Str("path", path).Msg("Skipping file")
		metrics.RecordMonitorFile(Name, "failed")
		return engine.Prediction{}, false
	}
	p, err := m.engine.Predict(ctx, path, suspicious)
	if err != nil {
		m.Logger().Debug().Err(err).Str("path", path).Msg("Prediction failed")
		metrics.RecordMonitorFile(Name, "registered")
		return engine.Prediction{Path: path}, true
	}
	if p.Anomalous {
		metrics.RecordMonitorFile(Name, "anomalous")
	} else {
		metrics.RecordMonitorFile(Name, "registered")
	}
	return p, true
}

func (m *Monitor) excluded(path string) bool {
	for _, prefix := range m.exclude {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (m *Monitor) logDiskUsage(root string) {
	usage, err := disk.Usage(root)
	if err != nil {
		m.Logger().Debug().Err(err).Str("root", root).Msg("Disk usage unavailable")
		return
	}
	m.Logger().Info().
		Str("root", root).
		Str("fstype", usage.Fstype).
		Uint64("used_bytes", usage.Used).
		Float64("used_percent", usage.UsedPercent).
		Msg("Sweeping filesystem")
}
