package sweep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/fileguard/pkg/config"
	"github.com/lucid-vigil/fileguard/pkg/engine"
	"github.com/lucid-vigil/fileguard/pkg/events"
	"github.com/lucid-vigil/fileguard/pkg/heuristics"
	"github.com/lucid-vigil/fileguard/pkg/profile"
	"github.com/lucid-vigil/fileguard/pkg/testutil"
)

type stubEngine struct {
	mu          sync.Mutex
	registered  map[string]bool
	checkpoints int
	failOn      string
}

func newStubEngine() *stubEngine {
	return &stubEngine{registered: make(map[string]bool)}
}

func (s *stubEngine) Register(_ context.Context, path string, suspicious bool) (*engine.RegisterResult, error) {
	if s.failOn != "" && strings.HasSuffix(path, s.failOn) {
		return nil, errors.New("vanished")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered[path] = suspicious
	return &engine.RegisterResult{Path: path}, nil
}

func (s *stubEngine) Predict(_ context.Context, path string, suspicious bool) (engine.Prediction, error) {
	if suspicious {
		return engine.Prediction{Path: path, Anomalous: true, Reason: engine.ReasonAnomalous, Score: 0.8}, nil
	}
	return engine.Prediction{Path: path, Reason: engine.ReasonConsistent, Score: 0.3}, nil
}

func (s *stubEngine) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints++
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func fixtureTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	testutil.WriteFiles(t, root, map[string]string{
		"a.txt":            "alpha",
		"docs/b.txt":       "bravo",
		"docs/deep/c.conf": "charlie=1",
		"tmp/payload.sh":   "#!/bin/sh\nnc -lvp 4444\n",
		"cache/skip.bin":   "ignored",
	})
	require.NoError(t, os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")))
	return root
}

func TestSweep_RegistersAndScores(t *testing.T) {
	root := fixtureTree(t)
	eng := newStubEngine()
	pub := &recorder{}
	scanner, err := heuristics.NewScanner(nil, zerolog.Nop())
	require.NoError(t, err)

	m := New(config.SweepConfig{
		Workers:      2,
		ExcludePaths: []string{filepath.Join(root, "cache")},
	}, eng, scanner, pub, zerolog.Nop())

	summary := m.Sweep(context.Background(), root)

	assert.Equal(t, int64(4), summary.Processed)
	assert.Equal(t, int64(0), summary.Failed)
	assert.False(t, summary.Cancelled)
	assert.NoError(t, summary.Checkpoint)
	require.Len(t, summary.Anomalies, 1)
	assert.Equal(t, filepath.Join(root, "tmp", "payload.sh"), summary.Anomalies[0].Path)

	assert.Len(t, eng.registered, 4)
	assert.True(t, eng.registered[filepath.Join(root, "tmp", "payload.sh")])
	assert.False(t, eng.registered[filepath.Join(root, "a.txt")])
	assert.NotContains(t, eng.registered, filepath.Join(root, "cache", "skip.bin"))
	assert.NotContains(t, eng.registered, filepath.Join(root, "link.txt"))
	assert.Equal(t, 1, eng.checkpoints)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventSweepCompleted, pub.events[0].Type)
	assert.Equal(t, int64(4), pub.events[0].Data["processed"])

	status := m.Status()
	assert.Equal(t, 1, status.Runs)
	assert.Equal(t, int64(4), status.Metrics["processed"])
}

func TestSweep_CountsFailures(t *testing.T) {
	root := fixtureTree(t)
	eng := newStubEngine()
	eng.failOn = "b.txt"

	m := New(config.SweepConfig{Workers: 1}, eng, nil, nil, zerolog.Nop())
	summary := m.Sweep(context.Background(), root)

	assert.Equal(t, int64(4), summary.Processed)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Empty(t, summary.Anomalies)
}

func TestSweep_MissingRoot(t *testing.T) {
	eng := newStubEngine()
	capture, logger := testutil.NewLogCapture()
	m := New(config.SweepConfig{}, eng, nil, nil, logger)

	summary := m.Sweep(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, int64(0), summary.Processed)
	assert.Equal(t, 1, eng.checkpoints)
	assert.True(t, capture.Contains("Sweep root unreadable"))
}

func TestSweep_Cancelled(t *testing.T) {
	root := fixtureTree(t)
	eng := newStubEngine()
	m := New(config.SweepConfig{}, eng, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary := m.Sweep(ctx, root)

	assert.True(t, summary.Cancelled)
	assert.Equal(t, int64(0), summary.Processed)
	assert.Equal(t, 1, eng.checkpoints)
}

func TestSweep_ProgressLogging(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTypicalFiles(t, root, 205)
	capture, logger := testutil.NewLogCapture()

	m := New(config.SweepConfig{Workers: 4}, newStubEngine(), nil, nil, logger)
	summary := m.Sweep(context.Background(), root)

	assert.Equal(t, int64(205), summary.Processed)
	assert.Equal(t, 2, strings.Count(capture.String(), "Sweep progress"))
	assert.True(t, capture.Contains(`"monitor":"directory_sweep"`))
}

func TestSweep_WithEngine(t *testing.T) {
	dir := t.TempDir()
	store, err := newStore(t, dir)
	require.NoError(t, err)
	eng, err := engine.New(engine.Options{
		Store:    store,
		Training: config.TrainingConfig{MinSamples: 10, RetrainInterval: 5},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	root := filepath.Join(dir, "docs")
	testutil.WriteTypicalFiles(t, root, 12)
	m := New(config.SweepConfig{Workers: 3}, eng, nil, nil, zerolog.Nop())
	summary := m.Sweep(context.Background(), root)

	assert.Equal(t, int64(12), summary.Processed)
	stats := eng.Stats()
	assert.Equal(t, uint64(12), stats.TotalFilesProcessed)
	assert.True(t, stats.ModelLoaded)
	_, err = os.Stat(store.Path())
	assert.NoError(t, err)
}

func TestMonitorSuite(t *testing.T) {
	root := fixtureTree(t)
	m := New(config.SweepConfig{Directories: []string{root}}, newStubEngine(), nil, nil, zerolog.Nop())
	testutil.NewMonitorTestSuite(t, m).RunBasicTests()
}

func newStore(t *testing.T, dir string) (*profile.Store, error) {
	t.Helper()
	return profile.NewStore(filepath.Join(dir, "profile.json"), zerolog.Nop())
}
