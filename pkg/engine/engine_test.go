package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/fileguard/pkg/config"
	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
	"github.com/lucid-vigil/fileguard/pkg/events"
	"github.com/lucid-vigil/fileguard/pkg/features"
	"github.com/lucid-vigil/fileguard/pkg/model"
	"github.com/lucid-vigil/fileguard/pkg/profile"
	"github.com/lucid-vigil/fileguard/pkg/reputation"
	"github.com/lucid-vigil/fileguard/pkg/testutil"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	dir       string
	store     *profile.Store
	modelPath string
	pub       *recordingPublisher
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := profile.NewStore(filepath.Join(dir, "state", "profile.json"), zerolog.Nop())
	require.NoError(t, err)
	return &fixture{
		dir:       dir,
		store:     store,
		modelPath: filepath.Join(dir, "state", "model.zst"),
		pub:       &recordingPublisher{},
		clock:     time.Now().Add(time.Hour),
	}
}

func (f *fixture) open(t *testing.T, training config.TrainingConfig, cache *reputation.Cache) *Engine {
	t.Helper()
	e, err := New(Options{
		Store:     f.store,
		ModelPath: f.modelPath,
		Cache:     cache,
		Training:  training,
		Publisher: f.pub,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return f.clock },
	})
	require.NoError(t, err)
	return e
}

func defaultTraining() config.TrainingConfig {
	return config.TrainingConfig{
		MinSamples:      100,
		RetrainInterval: 50,
		Trees:           100,
		SampleSize:      256,
		Seed:            42,
		Threshold:       0.5,
	}
}

func registerAll(t *testing.T, e *Engine, paths []string) {
	t.Helper()
	for _, p := range paths {
		_, err := e.Register(context.Background(), p, false)
		require.NoError(t, err)
	}
}

func TestEngine_TypicalWorkload(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, defaultTraining(), nil)
	paths := testutil.WriteTypicalFiles(t, filepath.Join(f.dir, "docs"), 150)

	registerAll(t, e, paths[:99])
	assert.False(t, e.Stats().ModelLoaded)

	res, err := e.Register(context.Background(), paths[99], false)
	require.NoError(t, err)
	assert.True(t, res.Trained)
	assert.Equal(t, uint64(100), res.TotalFilesProcessed)

	registerAll(t, e, paths[100:])

	stats := e.Stats()
	assert.Equal(t, uint64(150), stats.TotalFilesProcessed)
	assert.Equal(t, uint64(150), stats.LastTrainedCount)
	assert.Equal(t, 150, stats.TrainingSamples)
	assert.Equal(t, 2, stats.Trainings)
	assert.Equal(t, 1, stats.Retrains)
	assert.True(t, stats.ModelLoaded)
	assert.Equal(t, 1, stats.Extensions)
	assert.Equal(t, 1, stats.Directories)
	assert.Len(t, f.pub.ofType(events.EventModelTrained), 2)

	pred, err := e.Predict(context.Background(), paths[75], false)
	require.NoError(t, err)
	assert.False(t, pred.Anomalous)
	assert.Equal(t, ReasonConsistent, pred.Reason)
	assert.Less(t, pred.Score, 0.5)

	// Prediction does not feed the profile.
	assert.Equal(t, 150, e.Stats().TrainingSamples)

	_, err = os.Stat(f.modelPath)
	assert.NoError(t, err)
}

func TestEngine_AnomalousFile(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, defaultTraining(), nil)
	registerAll(t, e, testutil.WriteTypicalFiles(t, filepath.Join(f.dir, "docs"), 150))

	payload := testutil.WriteFiles(t, filepath.Join(f.dir, "tmp"), map[string]string{
		"payload.sh": "#!/bin/sh\nnc -lvp 4444 -e /bin/sh\n",
	})["payload.sh"]

	pred, err := e.Predict(context.Background(), payload, true)
	require.NoError(t, err)
	assert.True(t, pred.Anomalous)
	assert.Equal(t, ReasonAnomalous, pred.Reason)
	assert.Greater(t, pred.Score, 0.5)

	anomalies := f.pub.ofType(events.EventFileAnomaly)
	require.Len(t, anomalies, 1)
	assert.Equal(t, payload, anomalies[0].Target)
}

func TestEngine_FailSafePrediction(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, defaultTraining(), nil)

	pred, err := e.Predict(context.Background(), filepath.Join(f.dir, "does-not-exist"), true)
	require.NoError(t, err)
	assert.False(t, pred.Anomalous)
	assert.Equal(t, ReasonInsufficientData, pred.Reason)

	registerAll(t, e, testutil.WriteTypicalFiles(t, filepath.Join(f.dir, "docs"), 99))
	pred, err = e.Predict(context.Background(), filepath.Join(f.dir, "docs", "note-001.txt"), false)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientData, pred.Reason)
}

func TestEngine_RegisterMissingFile(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, defaultTraining(), nil)

	_, err := e.Register(context.Background(), filepath.Join(f.dir, "gone.txt"), false)
	assert.ErrorIs(t, err, ferrors.ErrFileAccess)
	assert.Equal(t, uint64(0), e.Stats().TotalFilesProcessed)
}

func TestEngine_RetrainGating(t *testing.T) {
	f := newFixture(t)
	training := defaultTraining()
	training.MinSamples = 10
	training.RetrainInterval = 5
	e := f.open(t, training, nil)
	paths := testutil.WriteTypicalFiles(t, filepath.Join(f.dir, "docs"), 20)

	registerAll(t, e, paths[:9])
	assert.Equal(t, 0, e.Stats().Trainings)

	registerAll(t, e, paths[9:10])
	assert.Equal(t, 1, e.Stats().Trainings)

	registerAll(t, e, paths[10:14])
	assert.Equal(t, 1, e.Stats().Trainings)
	assert.Equal(t, uint64(4), e.Stats().SinceTraining)

	trained, err := e.MaybeRetrain()
	require.NoError(t, err)
	assert.False(t, trained)

	registerAll(t, e, paths[14:15])
	stats := e.Stats()
	assert.Equal(t, 2, stats.Trainings)
	assert.Equal(t, 1, stats.Retrains)
	assert.Equal(t, uint64(15), stats.LastTrainedCount)
	assert.Zero(t, stats.SinceTraining)
}

func TestEngine_FailedTrainingKeepsModel(t *testing.T) {
	f := newFixture(t)
	training := defaultTraining()
	training.MinSamples = 10
	training.RetrainInterval = 5
	e := f.open(t, training, nil)
	paths := testutil.WriteTypicalFiles(t, filepath.Join(f.dir, "docs"), 20)
	registerAll(t, e, paths[:10])

	before := e.model.Load()
	require.NotNil(t, before)

	e.mu.Lock()
	e.profile.TrainingSamples = append(e.profile.TrainingSamples, []float64{1, 2, 3})
	e.mu.Unlock()

	registerAll(t, e, paths[10:15])

	assert.Same(t, before, e.model.Load())
	stats := e.Stats()
	assert.Equal(t, 1, stats.Trainings)
	assert.Equal(t, 1, stats.TrainingFailures)
	assert.Equal(t, uint64(10), stats.LastTrainedCount)
	assert.Len(t, f.pub.ofType(events.EventTrainingFailed), 1)

	// The failed attempt is not repeated until another interval passes.
	trained, err := e.MaybeRetrain()
	assert.NoError(t, err)
	assert.False(t, trained)
	assert.Equal(t, 1, e.Stats().TrainingFailures)

	registerAll(t, e, paths[15:20])
	assert.Equal(t, 2, e.Stats().TrainingFailures)

	_, err = e.Predict(context.Background(), paths[3], false)
	assert.NoError(t, err)
}

func TestEngine_PersistenceRoundTrip(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, defaultTraining(), nil)
	paths := testutil.WriteTypicalFiles(t, filepath.Join(f.dir, "docs"), 100)
	registerAll(t, e, paths)
	require.NoError(t, e.Close())

	reopened := f.open(t, defaultTraining(), nil)
	stats := reopened.Stats()
	assert.Equal(t, uint64(100), stats.TotalFilesProcessed)
	assert.Equal(t, uint64(100), stats.LastTrainedCount)
	assert.Equal(t, 100, stats.TrainingSamples)
	assert.True(t, stats.ModelLoaded)
	assert.Equal(t, 0, stats.Trainings)

	pred, err := reopened.Predict(context.Background(), paths[50], false)
	require.NoError(t, err)
	assert.Equal(t, ReasonConsistent, pred.Reason)
}

func TestEngine_BootstrapsMissingModel(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, defaultTraining(), nil)
	registerAll(t, e, testutil.WriteTypicalFiles(t, filepath.Join(f.dir, "docs"), 100))
	require.NoError(t, e.Close())
	require.NoError(t, os.Remove(f.modelPath))

	reopened := f.open(t, defaultTraining(), nil)
	stats := reopened.Stats()
	assert.True(t, stats.ModelLoaded)
	assert.Equal(t, 1, stats.Trainings)
}

func TestEngine_CorruptModelIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.modelPath), 0o755))
	require.NoError(t, os.WriteFile(f.modelPath, []byte("not a model"), 0o644))

	e := f.open(t, defaultTraining(), nil)
	assert.False(t, e.Stats().ModelLoaded)
}

func TestEngine_MalformedModelReplacedByBootstrap(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, defaultTraining(), nil)
	paths := testutil.WriteTypicalFiles(t, filepath.Join(f.dir, "docs"), 100)
	registerAll(t, e, paths)
	require.NoError(t, e.Close())

	leaf := &model.Node{Size: 1}
	bad := &model.Forest{
		Trees:      []*model.Node{{Feature: 42, Split: 1, Left: leaf, Right: leaf}},
		SampleSize: 2,
		Dim:        features.Dimension,
		Threshold:  0.5,
	}
	require.NoError(t, model.Save(f.modelPath, bad))

	reopened := f.open(t, defaultTraining(), nil)
	stats := reopened.Stats()
	assert.True(t, stats.ModelLoaded)
	assert.Equal(t, 1, stats.Trainings)

	p, err := reopened.Predict(context.Background(), paths[10], false)
	require.NoError(t, err)
	assert.NotEqual(t, ReasonInsufficientData, p.Reason)
}

func TestEngine_ReputationCachedAcrossRestarts(t *testing.T) {
	f := newFixture(t)
	server := testutil.NewFakeReputationServer(t, "key")
	path := testutil.WriteFiles(t, filepath.Join(f.dir, "dl"), map[string]string{
		"invoice.exe": "MZ not really a binary",
	})["invoice.exe"]
	hash, err := features.HashFile(path)
	require.NoError(t, err)
	server.SetReport(hash, testutil.Report{Malicious: 30, Suspicious: 10, Harmless: 5, Undetected: 25})

	repCfg := config.ReputationConfig{
		Enabled:           true,
		APIKey:            "key",
		BaseURL:           server.URL,
		Timeout:           2 * time.Second,
		ProbeAddress:      server.Address(),
		ProbeTimeout:      time.Second,
		RequestsPerMinute: 600,
		Burst:             10,
	}

	e := f.open(t, defaultTraining(), reputation.NewFromConfig(repCfg, zerolog.Nop()))
	res, err := e.Register(context.Background(), path, false)
	require.NoError(t, err)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, uint32(40), res.Verdict.Positives)
	assert.Equal(t, uint32(70), res.Verdict.Total)
	assert.Equal(t, 40.0, res.Vector[features.IdxReputationPositives])
	assert.Equal(t, 70.0, res.Vector[features.IdxReputationTotal])
	assert.Equal(t, 1.0, res.Vector[features.IdxExtensionRisk])

	_, err = e.Register(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, 1, server.Requests(hash))

	hits := f.pub.ofType(events.EventReputationHit)
	require.Len(t, hits, 2)
	assert.Equal(t, path, hits[0].Target)
	require.NoError(t, e.Close())

	reopened := f.open(t, defaultTraining(), reputation.NewFromConfig(repCfg, zerolog.Nop()))
	res, err = reopened.Register(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(40), res.Verdict.Positives)
	assert.Equal(t, 1, server.Requests(hash))
}

func TestEngine_Reset(t *testing.T) {
	f := newFixture(t)
	training := defaultTraining()
	training.MinSamples = 10
	training.RetrainInterval = 5
	e := f.open(t, training, nil)
	registerAll(t, e, testutil.WriteTypicalFiles(t, filepath.Join(f.dir, "docs"), 10))
	require.True(t, e.Stats().ModelLoaded)

	require.NoError(t, e.Reset())
	stats := e.Stats()
	assert.Equal(t, uint64(0), stats.TotalFilesProcessed)
	assert.Equal(t, 0, stats.TrainingSamples)
	assert.False(t, stats.ModelLoaded)
	_, err := os.Stat(f.modelPath)
	assert.True(t, os.IsNotExist(err))

	pred, err := e.Predict(context.Background(), filepath.Join(f.dir, "docs", "note-001.txt"), false)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientData, pred.Reason)
}

func TestEngine_ConcurrentRegistration(t *testing.T) {
	f := newFixture(t)
	training := defaultTraining()
	training.MinSamples = 20
	training.RetrainInterval = 10
	e := f.open(t, training, nil)
	paths := testutil.WriteTypicalFiles(t, filepath.Join(f.dir, "docs"), 80)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(paths); i += 4 {
				_, err := e.Register(context.Background(), paths[i], false)
				assert.NoError(t, err)
				_, err = e.Predict(context.Background(), paths[i], false)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	stats := e.Stats()
	assert.Equal(t, uint64(80), stats.TotalFilesProcessed)
	assert.Equal(t, 80, stats.TrainingSamples)
	assert.Equal(t, 7, stats.Trainings)
	assert.Equal(t, uint64(80), stats.LastTrainedCount)
}

func TestEngine_RequiresStore(t *testing.T) {
	_, err := New(Options{Logger: zerolog.Nop()})
	assert.Error(t, err)
}
