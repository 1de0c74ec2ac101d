// Package watch registers files as they are created or written, using
// fsnotify on the configured paths.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lucid-vigil/fileguard/pkg/config"
	"github.com/lucid-vigil/fileguard/pkg/metrics"
	"github.com/lucid-vigil/fileguard/pkg/monitors/base"
	"github.com/lucid-vigil/fileguard/pkg/monitors/sweep"
)

// Name is the scheduler name of the watch monitor.
const Name = "file_watch"

// DefaultSettle is how long a path must stay quiet before it is registered.
const DefaultSettle = time.Second

const queueSize = 256

// Monitor watches directories and feeds changed files to the engine.
// Events for one path restart its settle timer; the file is registered by a
// worker once the timer fires, so it is read after the writer is done.
type Monitor struct {
	*base.BaseMonitor
	engine  sweep.Engine
	checker sweep.Checker
	paths   []string
	exclude []string
	settle  time.Duration
	workers int

	mu      sync.Mutex
	pending map[string]*time.Timer
	running bool
	ready   chan struct{}
}

// New creates a watch over cfg.Paths. checker may be nil.
func New(cfg config.WatchConfig, eng sweep.Engine, checker sweep.Checker, logger zerolog.Logger) *Monitor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	return &Monitor{
		BaseMonitor: base.NewBaseMonitor(Name, logger),
		engine:      eng,
		checker:     checker,
		paths:       cfg.Paths,
		exclude:     cfg.ExcludePaths,
		settle:      DefaultSettle,
		workers:     workers,
		pending:     make(map[string]*time.Timer),
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the watcher is installed.
func (m *Monitor) Ready() <-chan struct{} {
	return m.ready
}

// Run blocks until ctx is cancelled. Only one Run is active at a time;
// further calls return immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	started := time.Now()
	logger := m.Logger()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create fsnotify watcher.")
		m.RecordRun(started, err)
		return
	}
	defer watcher.Close()

	runCtx, cancel := context.WithCancel(ctx)
	queue := make(chan string, queueSize)
	var g errgroup.Group
	for i := 0; i < m.workers; i++ {
		g.Go(func() error {
			m.drain(runCtx, queue)
			return nil
		})
	}
	defer func() {
		cancel()
		m.stopPending()
		_ = g.Wait()
	}()

	for _, path := range m.paths {
		if err := watcher.Add(path); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("Failed to add path to watcher.")
			continue
		}
		logger.Info().Str("path", path).Int("workers", m.workers).Msg("Watching path")
	}
	m.markReady()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				m.RecordRun(started, nil)
				return
			}
			m.handle(runCtx, watcher, event, queue)
		case err, ok := <-watcher.Errors:
			if !ok {
				m.RecordRun(started, nil)
				return
			}
			logger.Warn().Err(err).Msg("Filesystem watcher error.")
		case <-ctx.Done():
			logger.Info().Msg("File watch stopped")
			m.RecordRun(started, nil)
			return
		}
	}
}

func (m *Monitor) markReady() {
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
}

func (m *Monitor) handle(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event, queue chan<- string) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if Noise(event.Name) || m.excluded(event.Name) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		m.Logger().Debug().Err(err).Str("file", event.Name).Msg("File vanished before registration")
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := watcher.Add(event.Name); err != nil {
				m.Logger().Debug().Err(err).Str("path", event.Name).Msg("Could not watch new directory")
			}
		}
		return
	}
	if !info.Mode().IsRegular() {
		return
	}
	m.schedule(ctx, event.Name, queue)
}

// schedule (re)starts the settle timer for path. When it fires without a
// newer event, path is queued for a worker.
func (m *Monitor) schedule(ctx context.Context, path string, queue chan<- string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.pending[path]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(m.settle, func() {
		m.mu.Lock()
		current := m.pending[path] == t
		if current {
			delete(m.pending, path)
		}
		m.mu.Unlock()
		if !current {
			return
		}
		select {
		case queue <- path:
		case <-ctx.Done():
		}
	})
	m.pending[path] = t
}

func (m *Monitor) stopPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, t := range m.pending {
		t.Stop()
		delete(m.pending, path)
	}
}

func (m *Monitor) drain(ctx context.Context, queue <-chan string) {
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-queue:
			m.process(work, path)
		}
	}
}

// process registers then scores one settled file.
func (m *Monitor) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		m.Logger().Debug().Err(err).Str("file", path).Msg("File gone before registration")
		return
	}

	suspicious := m.checker != nil && m.checker.Suspicious(path)
	if _, err := m.engine.Register(ctx, path, suspicious); err != nil {
		m.Logger().Debug().Err(err).Str("file", path).Msg("Skipping file")
		metrics.RecordMonitorFile(Name, "failed")
		return
	}
	p, err := m.engine.Predict(ctx, path, suspicious)
	switch {
	case err != nil:
		m.Logger().Debug().Err(err).Str("file", path).Msg("Prediction failed")
		metrics.RecordMonitorFile(Name, "registered")
	case p.Anomalous:
		metrics.RecordMonitorFile(Name, "anomalous")
	default:
		metrics.RecordMonitorFile(Name, "registered")
	}
}

func (m *Monitor) excluded(path string) bool {
	for _, prefix := range m.exclude {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Noise reports editor and log churn that is never registered.
func Noise(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, "~") ||
		strings.HasPrefix(name, ".#") ||
		strings.HasSuffix(name, ".log")
}
