package profile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shirou/gopsutil/v3/host"

	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
)

const (
	component = "profile"
	schemaURL = "https://schemas.lucid-vigil.dev/fileguard/profile-v1.schema.json"
)

//go:embed profile.schema.json
var schemaJSON []byte

// Store persists a Profile as a single JSON document.
type Store struct {
	path   string
	schema *jsonschema.Schema
	logger zerolog.Logger
}

// NewStore compiles the document schema and returns a store for path.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add profile schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile profile schema: %w", err)
	}
	return &Store{
		path:   path,
		schema: schema,
		logger: logger.With().Str("component", component).Str("path", path).Logger(),
	}, nil
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted profile. It never fails: a missing document
// starts a fresh profile, and an unreadable, schema-invalid or undecodable
// one is replaced by a fresh profile with a warning.
func (s *Store) Load() *Profile {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info().Msg("No persisted profile, starting empty")
		} else {
			s.logger.Warn().Err(err).Msg("Profile unreadable, starting empty")
		}
		return s.fresh()
	}

	p, err := s.decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Persisted profile is corrupt, starting empty")
		return s.fresh()
	}

	s.logger.Info().
		Uint64("total_files_processed", p.TotalFilesProcessed).
		Int("training_samples", len(p.TrainingSamples)).
		Int("cached_verdicts", len(p.ReputationCache)).
		Msg("Profile loaded")
	return p
}

func (s *Store) decode(data []byte) (*Profile, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	p.normalize()
	if p.Host == nil {
		p.Host = hostInfo(s.logger)
	}
	return &p, nil
}

func (s *Store) fresh() *Profile {
	p := New()
	p.Host = hostInfo(s.logger)
	return p
}

// Save writes p atomically through a temporary file in the same directory.
func (s *Store) Save(p *Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return ferrors.NewPersistenceError(component, "encode", s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ferrors.NewPersistenceError(component, "mkdir", s.path, err)
	}

	tmp, err := os.CreateTemp(dir, ".profile-*.json")
	if err != nil {
		return ferrors.NewPersistenceError(component, "create", s.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ferrors.NewPersistenceError(component, "write", s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ferrors.NewPersistenceError(component, "sync", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return ferrors.NewPersistenceError(component, "close", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return ferrors.NewPersistenceError(component, "rename", s.path, err)
	}

	s.logger.Debug().
		Uint64("total_files_processed", p.TotalFilesProcessed).
		Int("bytes", len(data)).
		Msg("Profile saved")
	return nil
}

func hostInfo(logger zerolog.Logger) *HostInfo {
	info, err := host.Info()
	if err != nil {
		logger.Debug().Err(err).Msg("Host facts unavailable")
		return &HostInfo{CreatedAt: time.Now().UTC()}
	}
	return &HostInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		CreatedAt:       time.Now().UTC(),
	}
}
