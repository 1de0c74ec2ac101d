// Package heuristics flags files whose content contains well-known
// reverse-shell or download-and-execute strings.
package heuristics

import (
	"io"
	"os"
	"regexp"

	"github.com/rs/zerolog"
)

// MaxScanBytes bounds how much of each file is inspected.
const MaxScanBytes = 1 << 20

// DefaultPatterns are matched against the first MaxScanBytes of a file.
var DefaultPatterns = []string{
	`nc -l`,
	`/bin/sh`,
	`python.*socket`,
	`perl.*socket`,
	`wget `,
	`curl `,
	`powershell -enc`,
	`base64 -d`,
}

// Scanner matches file content against a fixed pattern list.
type Scanner struct {
	patterns []*regexp.Regexp
	logger   zerolog.Logger
}

// NewScanner compiles patterns; nil selects DefaultPatterns.
func NewScanner(patterns []string, logger zerolog.Logger) (*Scanner, error) {
	if patterns == nil {
		patterns = DefaultPatterns
	}
	s := &Scanner{logger: logger.With().Str("component", "heuristics").Logger()}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// Suspicious reports whether path matches any pattern. Unreadable files are
// not suspicious.
func (s *Scanner) Suspicious(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Debug().Err(err).Str("path", path).Msg("Heuristic scan skipped")
		return false
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxScanBytes))
	if err != nil {
		s.logger.Debug().Err(err).Str("path", path).Msg("Heuristic scan skipped")
		return false
	}
	for _, re := range s.patterns {
		if re.Match(data) {
			s.logger.Debug().Str("path", path).Str("pattern", re.String()).Msg("Heuristic match")
			return true
		}
	}
	return false
}
