// Package audit records every file the engine registers.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Entry describes one registered file.
type Entry struct {
	Path       string    `json:"path"`
	Hash       string    `json:"hash"`
	Positives  uint32    `json:"positives"`
	Total      uint32    `json:"total"`
	Directory  string    `json:"directory"`
	Extension  string    `json:"extension"`
	Suspicious bool      `json:"suspicious"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Ratio renders the reputation result as "positives/total".
func (e Entry) Ratio() string {
	return fmt.Sprintf("%d/%d", e.Positives, e.Total)
}

// Sink receives audit entries. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// Reader lists stored entries. *SQLiteSink implements it.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Count(ctx context.Context) (int, error)
}

// Open returns the sink for driver: "sqlite" (at path), "log", or "none".
func Open(driver, path string, logger zerolog.Logger) (Sink, error) {
	switch driver {
	case "sqlite":
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "log":
		return NewLogSink(logger), nil
	case "none", "":
		return NopSink{}, nil
	default:
		return nil, fmt.Errorf("unknown audit driver %q", driver)
	}
}

// NopSink discards entries.
type NopSink struct{}

func (NopSink) Record(context.Context, Entry) error { return nil }
func (NopSink) Close() error                        { return nil }

// LogSink writes entries as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e Entry) error {
	s.logger.Info().
		Str("path", e.Path).
		Str("hash", e.Hash).
		Str("vt_ratio", e.Ratio()).
		Str("directory", e.Directory).
		Str("extension", e.Extension).
		Bool("suspicious", e.Suspicious).
		Time("recorded_at", e.RecordedAt).
		Msg("File processed")
	return nil
}

func (s *LogSink) Close() error { return nil }
