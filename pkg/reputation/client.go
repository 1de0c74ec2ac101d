// Package reputation resolves content hashes to verdicts from an external
// threat-intelligence service and caches them by hash.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
)

const component = "reputation"

var (
	// ErrNotFound is returned when the service has never seen a hash.
	ErrNotFound = errors.New("hash not known to reputation service")
	// ErrDisabled is returned when lookups are switched off or no API key is set.
	ErrDisabled = errors.New("reputation lookups disabled")
)

// Verdict is the service's assessment of one content hash.
type Verdict struct {
	Positives  uint32     `json:"positive_count"`
	Total      uint32     `json:"total_engines"`
	ObservedAt *time.Time `json:"observed_at"`
}

func (v *Verdict) clone() *Verdict {
	if v == nil {
		return nil
	}
	out := *v
	if v.ObservedAt != nil {
		t := *v.ObservedAt
		out.ObservedAt = &t
	}
	return &out
}

// Lookuper queries the reputation service for a single hash.
type Lookuper interface {
	Lookup(ctx context.Context, hash string) (*Verdict, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to a VirusTotal v3 compatible file report endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client. The API key is attached to every request.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", component).Logger(),
	}
}

type fileReport struct {
	Data *struct {
		Attributes *struct {
			LastAnalysisStats struct {
				Harmless   uint32 `json:"harmless"`
				Malicious  uint32 `json:"malicious"`
				Suspicious uint32 `json:"suspicious"`
				Undetected uint32 `json:"undetected"`
				Timeout    uint32 `json:"timeout"`
			} `json:"last_analysis_stats"`
			LastAnalysisDate int64 `json:"last_analysis_date"`
		} `json:"attributes"`
	} `json:"data"`
}

// Lookup fetches the file report for hash. A 404, or a 200 without report
// attributes, yields ErrNotFound; a 429 yields a rate-limited error.
func (c *Client) Lookup(ctx context.Context, hash string) (*Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+hash, nil)
	if err != nil {
		return nil, ferrors.NewReputationError(component, hash, err)
	}
	req.Header.Set("x-apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ferrors.NewReputationError(component, hash, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		return nil, ferrors.NewRateLimitedError(component, "HTTP 429 from reputation service")
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ferrors.NewReputationError(component, hash, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var report fileReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, ferrors.NewReputationError(component, hash, fmt.Errorf("decode report: %w", err))
	}
	if report.Data == nil || report.Data.Attributes == nil {
		return nil, ErrNotFound
	}

	attrs := report.Data.Attributes
	stats := attrs.LastAnalysisStats
	v := &Verdict{
		Positives: stats.Malicious + stats.Suspicious,
		Total:     stats.Harmless + stats.Malicious + stats.Suspicious + stats.Undetected + stats.Timeout,
	}
	if attrs.LastAnalysisDate > 0 {
		t := time.Unix(attrs.LastAnalysisDate, 0).UTC()
		v.ObservedAt = &t
	}

	c.logger.Debug().
		Str("hash", hash).
		Uint32("positives", v.Positives).
		Uint32("total", v.Total).
		Msg("Reputation report received")
	return v, nil
}
