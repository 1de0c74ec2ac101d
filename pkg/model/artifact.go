package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
)

const (
	artifactFormat  = "fileguard-iforest"
	artifactVersion = 1
)

type envelope struct {
	Format    string    `json:"format"`
	Version   int       `json:"version"`
	Dimension int       `json:"dimension"`
	TrainedAt time.Time `json:"trained_at"`
	Samples   int       `json:"samples"`
	Forest    *Forest   `json:"forest"`
}

// Save writes m as a zstd-compressed JSON envelope, replacing path atomically.
func Save(path string, m Model) error {
	f, ok := m.(*Forest)
	if !ok {
		return ferrors.NewPersistenceError(component, "encode", path, fmt.Errorf("unsupported model type %T", m))
	}

	raw, err := json.Marshal(envelope{
		Format:    artifactFormat,
		Version:   artifactVersion,
		Dimension: f.Dim,
		TrainedAt: f.TrainedAt,
		Samples:   f.Samples,
		Forest:    f,
	})
	if err != nil {
		return ferrors.NewPersistenceError(component, "encode", path, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return ferrors.NewPersistenceError(component, "compress", path, err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ferrors.NewPersistenceError(component, "mkdir", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*.zst")
	if err != nil {
		return ferrors.NewPersistenceError(component, "create", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return ferrors.NewPersistenceError(component, "write", path, err)
	}
	if err := tmp.Close(); err != nil {
		return ferrors.NewPersistenceError(component, "close", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return ferrors.NewPersistenceError(component, "rename", path, err)
	}
	return nil
}

// Load reads an artifact written by Save. Any failure, including a missing
// file, is returned; callers treat it as "no model".
func Load(path string) (*Forest, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress model: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if env.Format != artifactFormat || env.Version != artifactVersion {
		return nil, fmt.Errorf("unsupported model artifact %q v%d", env.Format, env.Version)
	}
	if env.Forest == nil || len(env.Forest.Trees) == 0 || env.Forest.SampleSize < 1 {
		return nil, fmt.Errorf("model artifact has no trees")
	}
	if env.Forest.Dim != env.Dimension {
		return nil, ferrors.NewSchemaMismatchError(component, 0, env.Forest.Dim, env.Dimension)
	}
	if err := env.Forest.Validate(); err != nil {
		return nil, fmt.Errorf("malformed model artifact: %w", err)
	}
	return env.Forest, nil
}
