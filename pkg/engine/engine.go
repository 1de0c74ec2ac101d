// Package engine ties the profile, reputation cache, feature extractor and
// outlier model together behind Register and Predict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/fileguard/pkg/audit"
	"github.com/lucid-vigil/fileguard/pkg/config"
	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
	"github.com/lucid-vigil/fileguard/pkg/events"
	"github.com/lucid-vigil/fileguard/pkg/features"
	"github.com/lucid-vigil/fileguard/pkg/metrics"
	"github.com/lucid-vigil/fileguard/pkg/model"
	"github.com/lucid-vigil/fileguard/pkg/profile"
	"github.com/lucid-vigil/fileguard/pkg/reputation"
)

const component = "engine"

// Fixed prediction reasons.
const (
	ReasonInsufficientData = "insufficient data"
	ReasonAnomalous        = "anomalous relative to learned baseline"
	ReasonConsistent       = "consistent with learned baseline"
)

// Options configures an Engine. Store is required; everything else has a
// usable default.
type Options struct {
	Store     *profile.Store
	ModelPath string // empty disables model persistence
	Cache     *reputation.Cache
	Trainer   model.Trainer
	Training  config.TrainingConfig
	Sink      audit.Sink
	Publisher events.Publisher
	Errors    *ferrors.ErrorHandler
	Logger    zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// RegisterResult describes one registered file.
type RegisterResult struct {
	Path                string              `json:"path"`
	Hash                string              `json:"hash,omitempty"`
	Vector              features.Vector     `json:"vector"`
	Verdict             *reputation.Verdict `json:"verdict,omitempty"`
	TotalFilesProcessed uint64              `json:"total_files_processed"`
	Trained             bool                `json:"trained"`
}

// Prediction is the verdict for one file.
type Prediction struct {
	Path      string  `json:"path"`
	Anomalous bool    `json:"anomalous"`
	Reason    string  `json:"reason"`
	Score     float64 `json:"score,omitempty"`
}

// Stats is a point-in-time summary of the engine state.
type Stats struct {
	TotalFilesProcessed uint64                `json:"total_files_processed"`
	LastTrainedCount    uint64                `json:"last_trained_count"`
	SinceTraining       uint64                `json:"since_training"`
	TrainingSamples     int                   `json:"training_samples"`
	Extensions          int                   `json:"extensions"`
	Directories         int                   `json:"directories"`
	Reputation          reputation.CacheStats `json:"reputation"`
	ModelLoaded         bool                  `json:"model_loaded"`
	ModelTrainedAt      *time.Time            `json:"model_trained_at,omitempty"`
	Trainings           int                   `json:"trainings"`
	Retrains            int                   `json:"retrains"`
	TrainingFailures    int                   `json:"training_failures"`
	Errors              ferrors.ErrorStats    `json:"errors"`
}

type current struct {
	m model.Model
}

// Engine is safe for concurrent use. Profile mutations are serialized by
// one mutex; extraction (hashing and reputation lookups) runs outside it.
// The model is swapped atomically so Predict never sees a partial model.
type Engine struct {
	mu          sync.Mutex
	profile     *profile.Profile
	lastAttempt uint64
	trainings   int
	retrains    int
	failures    int

	model  atomic.Pointer[current]
	saveMu sync.Mutex

	store     *profile.Store
	modelPath string
	cache     *reputation.Cache
	extractor *features.Extractor
	trainer   model.Trainer
	policy    config.TrainingConfig
	sink      audit.Sink
	publisher events.Publisher
	errs      *ferrors.ErrorHandler
	logger    zerolog.Logger
	now       func() time.Time
}

// New loads the persisted profile and model. A corrupt profile starts
// empty and an unreadable model leaves the engine without one; neither is
// an error.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: profile store is required")
	}
	logger := opts.Logger.With().Str("component", component).Logger()

	policy := opts.Training
	if policy.MinSamples <= 0 {
		policy.MinSamples = 100
	}
	if policy.RetrainInterval <= 0 {
		policy.RetrainInterval = 50
	}

	e := &Engine{
		store:     opts.Store,
		modelPath: opts.ModelPath,
		cache:     opts.Cache,
		trainer:   opts.Trainer,
		policy:    policy,
		sink:      opts.Sink,
		publisher: opts.Publisher,
		errs:      opts.Errors,
		logger:    logger,
		now:       opts.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.cache == nil {
		e.cache = reputation.NewCache(reputation.CacheOptions{Logger: opts.Logger})
	}
	if e.trainer == nil {
		e.trainer = model.NewForestTrainer(forestConfig(policy))
	}
	if e.sink == nil {
		e.sink = audit.NopSink{}
	}
	if e.errs == nil {
		e.errs = ferrors.NewErrorHandler(logger, ferrors.NewStatsCollector())
	}
	e.extractor = features.NewExtractor(e.cache, opts.Logger, features.WithClock(e.now))

	e.profile = e.store.Load()
	e.cache.Seed(e.profile.ReputationCache)
	e.lastAttempt = e.profile.LastTrainedCount
	metrics.SetTrainingSamples(len(e.profile.TrainingSamples))

	e.loadModel()
	e.bootstrap()
	return e, nil
}

func forestConfig(policy config.TrainingConfig) model.ForestConfig {
	cfg := model.DefaultForestConfig(features.Dimension)
	if policy.Trees > 0 {
		cfg.Trees = policy.Trees
	}
	if policy.SampleSize > 0 {
		cfg.SampleSize = policy.SampleSize
	}
	if policy.Seed != 0 {
		cfg.Seed = policy.Seed
	}
	if policy.Threshold > 0 {
		cfg.Threshold = policy.Threshold
	}
	return cfg
}

func (e *Engine) loadModel() {
	if e.modelPath == "" {
		return
	}
	f, err := model.Load(e.modelPath)
	switch {
	case err == nil && f.Dimension() != features.Dimension:
		e.logger.Warn().Int("dimension", f.Dimension()).Msg("Persisted model has an incompatible layout, ignoring it")
	case err == nil:
		e.model.Store(&current{m: f})
		e.logger.Info().Time("trained_at", f.TrainedAt).Int("samples", f.Samples).Msg("Model loaded")
	case errors.Is(err, fs.ErrNotExist):
		e.logger.Info().Msg("No persisted model, predictions stay fail-safe until training")
	default:
		e.logger.Warn().Err(err).Str("path", e.modelPath).Msg("Persisted model unreadable, starting without a model")
	}
}

// bootstrap trains right away when enough samples exist but no model could
// be loaded.
func (e *Engine) bootstrap() {
	if e.model.Load() != nil {
		return
	}
	e.mu.Lock()
	eligible := len(e.profile.TrainingSamples) >= e.policy.MinSamples
	var cur *current
	if eligible {
		cur, _ = e.trainLocked()
	}
	e.mu.Unlock()
	e.persistModel(cur)
}

// Register extracts features for path, appends them to the profile and
// retrains when the training policy allows. Only a file that cannot be
// stat'ed fails registration.
func (e *Engine) Register(ctx context.Context, path string, suspicious bool) (*RegisterResult, error) {
	sample, err := e.extractor.Extract(ctx, path, suspicious)
	if err != nil {
		metrics.RecordRegistration("file_access")
		return nil, err
	}
	e.recordReputation(ctx, sample)

	e.mu.Lock()
	e.profile.Record(sample.Directory, sample.Extension, sample.Vector, e.now().UTC())
	total := e.profile.TotalFilesProcessed
	cur, _ := e.maybeRetrainLocked()
	samples := len(e.profile.TrainingSamples)
	e.mu.Unlock()

	e.persistModel(cur)
	metrics.RecordRegistration("ok")
	metrics.SetTrainingSamples(samples)

	entry := audit.Entry{
		Path:       sample.Path,
		Hash:       sample.Hash,
		Directory:  sample.Directory,
		Extension:  sample.Extension,
		Suspicious: suspicious,
		RecordedAt: e.now().UTC(),
	}
	if sample.Verdict != nil {
		entry.Positives = sample.Verdict.Positives
		entry.Total = sample.Verdict.Total
	}
	if err := e.sink.Record(ctx, entry); err != nil {
		e.logger.Warn().Err(err).Str("path", sample.Path).Msg("Audit record failed")
	}

	return &RegisterResult{
		Path:                sample.Path,
		Hash:                sample.Hash,
		Vector:              sample.Vector,
		Verdict:             sample.Verdict,
		TotalFilesProcessed: total,
		Trained:             cur != nil,
	}, nil
}

func (e *Engine) recordReputation(ctx context.Context, s *features.Sample) {
	switch {
	case s.Hash == "":
		metrics.RecordReputation("failed")
	case s.Verdict == nil:
		metrics.RecordReputation("unknown")
	case s.Verdict.Positives > 0:
		metrics.RecordReputation("hit")
		e.publish(ctx, events.Event{
			Type:        events.EventReputationHit,
			Source:      component,
			Target:      s.Path,
			Severity:    "high",
			Description: fmt.Sprintf("reputation service flags %s (%d/%d)", s.Path, s.Verdict.Positives, s.Verdict.Total),
			Data: map[string]interface{}{
				"hash":      s.Hash,
				"positives": s.Verdict.Positives,
				"total":     s.Verdict.Total,
			},
		})
	default:
		metrics.RecordReputation("known")
	}
}

// MaybeRetrain trains when at least retrain_interval files were processed
// since the last attempt and min_samples samples exist. It reports whether
// a new model was installed; a failed attempt keeps the previous model.
func (e *Engine) MaybeRetrain() (bool, error) {
	e.mu.Lock()
	cur, err := e.maybeRetrainLocked()
	e.mu.Unlock()

	e.persistModel(cur)
	return cur != nil, err
}

func (e *Engine) maybeRetrainLocked() (*current, error) {
	p := e.profile
	pending := p.SinceTraining()
	if e.lastAttempt > p.LastTrainedCount {
		pending = p.TotalFilesProcessed - e.lastAttempt
	}
	if pending < uint64(e.policy.RetrainInterval) {
		return nil, nil
	}
	if len(p.TrainingSamples) < e.policy.MinSamples {
		return nil, nil
	}
	return e.trainLocked()
}

// trainLocked fits a model on every sample and installs it. Failures are
// logged and published, and leave the previous model in place.
func (e *Engine) trainLocked() (*current, error) {
	p := e.profile
	e.lastAttempt = p.TotalFilesProcessed
	start := time.Now()

	m, err := e.trainer.Fit(p.TrainingSamples)
	if err != nil {
		e.failures++
		metrics.RecordTraining(false, time.Since(start))
		_ = e.errs.HandleError(context.Background(), component, err)
		e.logger.Warn().Err(err).Int("samples", len(p.TrainingSamples)).Msg("Training failed, keeping previous model")
		e.publish(context.Background(), events.Event{
			Type:        events.EventTrainingFailed,
			Source:      component,
			Target:      e.modelPath,
			Severity:    "medium",
			Description: "training attempt abandoned",
			Data:        map[string]interface{}{"error": err.Error(), "samples": len(p.TrainingSamples)},
		})
		return nil, err
	}

	cur := &current{m: m}
	hadModel := e.model.Swap(cur) != nil
	p.MarkTrained()
	e.trainings++
	if hadModel {
		e.retrains++
	}
	metrics.RecordTraining(true, time.Since(start))

	e.logger.Info().
		Int("samples", len(p.TrainingSamples)).
		Uint64("last_trained_count", p.LastTrainedCount).
		Bool("retrain", hadModel).
		Dur("took", time.Since(start)).
		Msg("Model trained")
	e.publish(context.Background(), events.Event{
		Type:        events.EventModelTrained,
		Source:      component,
		Target:      e.modelPath,
		Severity:    "info",
		Description: "outlier model trained",
		Data:        map[string]interface{}{"samples": len(p.TrainingSamples), "retrain": hadModel},
	})
	return cur, nil
}

// persistModel writes cur unless a newer model replaced it meanwhile.
func (e *Engine) persistModel(cur *current) {
	if cur == nil || e.modelPath == "" {
		return
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if e.model.Load() != cur {
		return
	}
	if err := model.Save(e.modelPath, cur.m); err != nil {
		_ = e.errs.HandleError(context.Background(), component, err)
	}
}

// Predict scores path against the current model without adding it to the
// training data. Without a model, or with fewer than min_samples samples,
// it returns (false, "insufficient data") for any path.
func (e *Engine) Predict(ctx context.Context, path string, suspicious bool) (Prediction, error) {
	cur := e.model.Load()

	e.mu.Lock()
	samples := len(e.profile.TrainingSamples)
	e.mu.Unlock()

	if cur == nil || samples < e.policy.MinSamples {
		metrics.RecordPrediction("insufficient_data")
		return Prediction{Path: path, Reason: ReasonInsufficientData}, nil
	}

	sample, err := e.extractor.Extract(ctx, path, suspicious)
	if err != nil {
		metrics.RecordPrediction("error")
		return Prediction{Path: path}, err
	}
	score, err := cur.m.Score(sample.Vector)
	if err != nil {
		metrics.RecordPrediction("error")
		return Prediction{Path: sample.Path}, err
	}
	metrics.ObserveScore(score)

	if !cur.m.IsOutlier(score) {
		metrics.RecordPrediction("normal")
		return Prediction{Path: sample.Path, Reason: ReasonConsistent, Score: score}, nil
	}

	metrics.RecordPrediction("anomalous")
	e.logger.Warn().
		Str("path", sample.Path).
		Float64("score", score).
		Str("reason", ReasonAnomalous).
		Msg("Anomalous file")
	e.publish(ctx, events.Event{
		Type:        events.EventFileAnomaly,
		Source:      component,
		Target:      sample.Path,
		Severity:    "high",
		Description: ReasonAnomalous,
		Data: map[string]interface{}{
			"score":      score,
			"hash":       sample.Hash,
			"suspicious": suspicious,
			"extension":  sample.Extension,
		},
	})
	return Prediction{Path: sample.Path, Anomalous: true, Reason: ReasonAnomalous, Score: score}, nil
}

// Checkpoint persists the profile, including cached verdicts. A failed
// save keeps the in-memory state; the next successful save reconciles it.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	e.profile.ReputationCache = e.cache.Snapshot()
	snapshot := e.profile.Clone()
	e.mu.Unlock()

	if err := e.store.Save(snapshot); err != nil {
		_ = e.errs.HandleError(context.Background(), component, err)
		return err
	}
	e.logger.Info().
		Uint64("total_files_processed", snapshot.TotalFilesProcessed).
		Int("training_samples", len(snapshot.TrainingSamples)).
		Msg("Profile checkpointed")
	return nil
}

// Reset discards the profile, cached verdicts and the current model.
func (e *Engine) Reset() error {
	e.saveMu.Lock()
	e.mu.Lock()
	e.profile.Reset()
	e.cache.Clear()
	e.model.Store(nil)
	e.lastAttempt = 0
	e.mu.Unlock()

	var err error
	if e.modelPath != "" {
		if rmErr := os.Remove(e.modelPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = ferrors.NewPersistenceError(component, "remove", e.modelPath, rmErr)
		}
	}
	e.saveMu.Unlock()

	metrics.SetTrainingSamples(0)
	e.logger.Warn().Msg("Profile reset")
	if err != nil {
		return err
	}
	return e.Checkpoint()
}

// Stats returns a summary of the engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		TotalFilesProcessed: e.profile.TotalFilesProcessed,
		LastTrainedCount:    e.profile.LastTrainedCount,
		SinceTraining:       e.profile.SinceTraining(),
		TrainingSamples:     len(e.profile.TrainingSamples),
		Extensions:          len(e.profile.ExtensionStats),
		Directories:         len(e.profile.LocationStats),
		Trainings:           e.trainings,
		Retrains:            e.retrains,
		TrainingFailures:    e.failures,
	}
	e.mu.Unlock()

	s.Reputation = e.cache.Stats()
	s.Errors = e.errs.Stats()
	if cur := e.model.Load(); cur != nil {
		s.ModelLoaded = true
		if f, ok := cur.m.(*model.Forest); ok {
			t := f.TrainedAt
			s.ModelTrainedAt = &t
		}
	}
	return s
}

// Close checkpoints the profile and closes the audit sink.
func (e *Engine) Close() error {
	cpErr := e.Checkpoint()
	if err := e.sink.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Closing audit sink failed")
	}
	return cpErr
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Debug().Err(err).Str("type", string(event.Type)).Msg("Event not published")
	}
}
