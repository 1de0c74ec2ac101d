// Package model provides the unsupervised outlier scorer trained on the
// profile's feature samples.
package model

import "errors"

const component = "model"

// ErrNoSamples is returned when Fit is given nothing to learn from.
var ErrNoSamples = errors.New("at least two samples are required to train")

// Model scores feature vectors. Implementations are immutable once trained
// and safe for concurrent use.
type Model interface {
	// Score returns an outlier score in (0,1]; higher is more anomalous.
	Score(v []float64) (float64, error)
	// IsOutlier maps a score to the model's outlier decision.
	IsOutlier(score float64) bool
	// Dimension is the vector length the model was trained on.
	Dimension() int
}

// Trainer builds a Model from samples.
type Trainer interface {
	Fit(samples [][]float64) (Model, error)
}
