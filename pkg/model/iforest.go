package model

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
)

const eulerGamma = 0.5772156649

// ForestConfig parameterizes isolation-forest training.
type ForestConfig struct {
	Trees      int
	SampleSize int
	Seed       int64
	Threshold  float64
	// Dimension every sample must have; zero accepts the first sample's length.
	Dimension int
}

// DefaultForestConfig returns 100 trees over 256-point subsamples.
func DefaultForestConfig(dimension int) ForestConfig {
	return ForestConfig{
		Trees:      100,
		SampleSize: 256,
		Seed:       42,
		Threshold:  0.5,
		Dimension:  dimension,
	}
}

// ForestTrainer fits isolation forests.
type ForestTrainer struct {
	cfg ForestConfig
	now func() time.Time
}

func NewForestTrainer(cfg ForestConfig) *ForestTrainer {
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.SampleSize < 2 {
		cfg.SampleSize = 256
	}
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = 0.5
	}
	return &ForestTrainer{cfg: cfg, now: time.Now}
}

// Node is one node of an isolation tree. A node without children is an
// external node holding Size training points. Internal nodes route x left
// when x[Feature] < Split, or, for Exact nodes, when x[Feature] == Split.
type Node struct {
	Feature int     `json:"f,omitempty"`
	Split   float64 `json:"v,omitempty"`
	Exact   bool    `json:"x,omitempty"`
	Size    int     `json:"n,omitempty"`
	Left    *Node   `json:"l,omitempty"`
	Right   *Node   `json:"r,omitempty"`
}

func (n *Node) external() bool {
	return n.Left == nil && n.Right == nil
}

// Forest is a trained isolation forest.
type Forest struct {
	Trees      []*Node   `json:"trees"`
	SampleSize int       `json:"sample_size"`
	Dim        int       `json:"dimension"`
	Threshold  float64   `json:"threshold"`
	TrainedAt  time.Time `json:"trained_at"`
	Samples    int       `json:"samples"`
}

// Fit trains a forest over samples. Every sample must have the configured
// dimension; a mismatch fails the whole fit.
func (t *ForestTrainer) Fit(samples [][]float64) (Model, error) {
	return t.FitForest(samples)
}

// FitForest is Fit returning the concrete type.
func (t *ForestTrainer) FitForest(samples [][]float64) (*Forest, error) {
	if len(samples) < 2 {
		return nil, ErrNoSamples
	}
	dim := t.cfg.Dimension
	if dim == 0 {
		dim = len(samples[0])
	}
	for i, s := range samples {
		if len(s) != dim {
			return nil, ferrors.NewSchemaMismatchError(component, i, len(s), dim)
		}
	}

	psi := t.cfg.SampleSize
	if psi > len(samples) {
		psi = len(samples)
	}
	limit := int(math.Ceil(math.Log2(float64(psi))))

	rng := rand.New(rand.NewSource(t.cfg.Seed))
	f := &Forest{
		Trees:      make([]*Node, t.cfg.Trees),
		SampleSize: psi,
		Dim:        dim,
		Threshold:  t.cfg.Threshold,
		TrainedAt:  t.now().UTC(),
		Samples:    len(samples),
	}
	for i := range f.Trees {
		idx := rng.Perm(len(samples))[:psi]
		f.Trees[i] = grow(samples, idx, 0, limit, dim, rng)
	}
	return f, nil
}

func grow(samples [][]float64, idx []int, depth, limit, dim int, rng *rand.Rand) *Node {
	if depth >= limit || len(idx) <= 1 {
		return &Node{Size: len(idx)}
	}

	feature := rng.Intn(dim)
	lo, hi := samples[idx[0]][feature], samples[idx[0]][feature]
	for _, i := range idx[1:] {
		v := samples[i][feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	// Constant within the node: any other value is isolated right away.
	if lo == hi {
		return &Node{
			Feature: feature,
			Split:   lo,
			Exact:   true,
			Left:    grow(samples, idx, depth+1, limit, dim, rng),
			Right:   &Node{},
		}
	}

	split := lo + rng.Float64()*(hi-lo)
	if split <= lo {
		split = math.Nextafter(lo, hi)
	}
	var left, right []int
	for _, i := range idx {
		if samples[i][feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &Node{
		Feature: feature,
		Split:   split,
		Left:    grow(samples, left, depth+1, limit, dim, rng),
		Right:   grow(samples, right, depth+1, limit, dim, rng),
	}
}

// Score returns 2^(-E[h(x)]/c(psi)).
func (f *Forest) Score(v []float64) (float64, error) {
	if len(v) != f.Dim {
		return 0, ferrors.NewSchemaMismatchError(component, 0, len(v), f.Dim)
	}
	var total float64
	for _, tree := range f.Trees {
		total += pathLength(tree, v, 0)
	}
	mean := total / float64(len(f.Trees))
	return math.Pow(2, -mean/averagePathLength(f.SampleSize)), nil
}

// IsOutlier reports whether score exceeds the trained threshold.
func (f *Forest) IsOutlier(score float64) bool {
	return score > f.Threshold
}

func (f *Forest) Dimension() int {
	return f.Dim
}

// Validate checks that every tree can be walked for a vector of f.Dim
// elements: internal nodes need both children and a feature in [0, Dim).
func (f *Forest) Validate() error {
	if f.Dim <= 0 {
		return fmt.Errorf("forest dimension %d", f.Dim)
	}
	if f.Threshold <= 0 || f.Threshold >= 1 {
		return fmt.Errorf("forest threshold %v outside (0,1)", f.Threshold)
	}
	for i, root := range f.Trees {
		if root == nil {
			return fmt.Errorf("tree %d is empty", i)
		}
		stack := []*Node{root}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if n.external() {
				continue
			}
			if n.Left == nil || n.Right == nil {
				return fmt.Errorf("tree %d has an internal node with one child", i)
			}
			if n.Feature < 0 || n.Feature >= f.Dim {
				return fmt.Errorf("tree %d splits on feature %d of %d", i, n.Feature, f.Dim)
			}
			stack = append(stack, n.Left, n.Right)
		}
	}
	return nil
}

func pathLength(n *Node, x []float64, depth int) float64 {
	for !n.external() {
		var left bool
		if n.Exact {
			left = x[n.Feature] == n.Split
		} else {
			left = x[n.Feature] < n.Split
		}
		if left {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.Size)
}

// averagePathLength is c(n), the mean path length of an unsuccessful
// binary search tree lookup among n points.
func averagePathLength(n int) float64 {
	switch {
	case n > 2:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	case n == 2:
		return 1
	default:
		return 0
	}
}
