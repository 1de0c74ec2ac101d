// Package features turns a file on disk into the fixed-length numeric vector
// the outlier model is trained on.
package features

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
	"github.com/lucid-vigil/fileguard/pkg/reputation"
)

const component = "features"

// Dimension is the length of every vector. Changing the layout below
// requires discarding previously collected samples.
const Dimension = 8

// Positions within a Vector.
const (
	IdxSize = iota
	IdxExists
	IdxAgeCreated
	IdxAgeModified
	IdxReputationPositives
	IdxReputationTotal
	IdxSuspicious
	IdxExtensionRisk
)

const hashChunkSize = 4096

// Vector is one file's feature vector.
type Vector []float64

// Resolver provides reputation verdicts by content hash.
type Resolver interface {
	Resolve(ctx context.Context, hash string) (*reputation.Verdict, error)
}

// Sample is the outcome of one extraction.
type Sample struct {
	Path       string
	Directory  string
	Extension  string
	Hash       string // empty when hashing failed
	Verdict    *reputation.Verdict
	Suspicious bool
	Vector     Vector
}

// Extractor builds vectors. The zero value is not usable; use NewExtractor.
type Extractor struct {
	resolver Resolver
	logger   zerolog.Logger
	now      func() time.Time
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithClock sets the clock ages are measured against.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExtractor creates an extractor. A nil resolver skips reputation lookups.
func NewExtractor(resolver Resolver, logger zerolog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		resolver: resolver,
		logger:   logger.With().Str("component", component).Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract stats, hashes and classifies path. It fails only when the file
// cannot be stat'ed or is not a regular file; hashing and reputation
// failures leave the reputation fields at zero.
func (e *Extractor) Extract(ctx context.Context, path string, suspicious bool) (*Sample, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, ferrors.NewFileAccessError(component, abs, err)
	}
	if !info.Mode().IsRegular() {
		return nil, ferrors.NewFileAccessError(component, abs, fmt.Errorf("not a regular file (%s)", info.Mode().Type()))
	}

	now := e.now()
	created, ok := changeTime(info)
	if !ok {
		created = info.ModTime()
	}

	ext := strings.ToLower(filepath.Ext(abs))
	s := &Sample{
		Path:       abs,
		Directory:  filepath.Dir(abs),
		Extension:  ext,
		Suspicious: suspicious,
		Vector:     make(Vector, Dimension),
	}
	s.Vector[IdxSize] = float64(info.Size())
	s.Vector[IdxExists] = 1
	s.Vector[IdxAgeCreated] = ageSeconds(now, created)
	s.Vector[IdxAgeModified] = ageSeconds(now, info.ModTime())
	if suspicious {
		s.Vector[IdxSuspicious] = 1
	}
	s.Vector[IdxExtensionRisk] = float64(RiskCategory(ext))

	hash, err := HashFile(abs)
	if err != nil {
		e.logger.Warn().Err(ferrors.NewHashComputationError(component, abs, err)).Msg("Hashing failed, reputation fields left empty")
		return s, nil
	}
	s.Hash = hash

	if e.resolver == nil {
		return s, nil
	}
	verdict, err := e.resolver.Resolve(ctx, hash)
	if err != nil {
		e.logger.Debug().Err(err).Str("path", abs).Msg("Reputation unknown")
	}
	if verdict != nil {
		s.Verdict = verdict
		s.Vector[IdxReputationPositives] = float64(verdict.Positives)
		s.Vector[IdxReputationTotal] = float64(verdict.Total)
	}
	return s, nil
}

func ageSeconds(now, then time.Time) float64 {
	age := now.Sub(then).Seconds()
	if age < 0 {
		return 0
	}
	return age
}

// HashFile returns the hex SHA-256 of the file content, read in 4 KiB chunks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	for {
		n, err := f.Read(buf)
		h.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
