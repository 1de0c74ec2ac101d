// pkg/errors/engine_errors.go
package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an EngineError. Callers match kinds with errors.Is against
// the sentinel values below.
type Kind string

const (
	KindFileAccess          Kind = "file_access"
	KindHashComputation     Kind = "hash_computation"
	KindNetworkUnavailable  Kind = "network_unavailable"
	KindRateLimited         Kind = "rate_limited"
	KindReputation          Kind = "reputation"
	KindModelSchemaMismatch Kind = "model_schema_mismatch"
	KindPersistence         Kind = "persistence"
	KindConfiguration       Kind = "configuration"
	KindInternal            Kind = "internal"
)

// EngineError represents a structured error raised by one of the engine components.
type EngineError struct {
	Component   string                 `json:"component"`
	Kind        Kind                   `json:"kind"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Severity    Severity               `json:"severity"`
	Recoverable bool                   `json:"recoverable"`
	Cause       error                  `json:"-"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Sentinels for errors.Is. Only the Kind is compared.
var (
	ErrFileAccess          = &EngineError{Kind: KindFileAccess}
	ErrHashComputation     = &EngineError{Kind: KindHashComputation}
	ErrNetworkUnavailable  = &EngineError{Kind: KindNetworkUnavailable}
	ErrRateLimited         = &EngineError{Kind: KindRateLimited}
	ErrReputation          = &EngineError{Kind: KindReputation}
	ErrModelSchemaMismatch = &EngineError{Kind: KindModelSchemaMismatch}
	ErrPersistence         = &EngineError{Kind: KindPersistence}
	ErrConfiguration       = &EngineError{Kind: KindConfiguration}
)

// Error implements the error interface
func (ee *EngineError) Error() string {
	if ee.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", ee.Component, ee.Kind, ee.Message, ee.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", ee.Component, ee.Kind, ee.Message)
}

// Unwrap returns the underlying cause
func (ee *EngineError) Unwrap() error {
	return ee.Cause
}

// Is reports whether target is an EngineError of the same kind.
func (ee *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Kind == ee.Kind
}

// ErrorHandler logs engine errors and forwards them to a collector.
type ErrorHandler struct {
	logger    zerolog.Logger
	collector ErrorCollector
}

// ErrorCollector defines how errors are collected and reported
type ErrorCollector interface {
	CollectError(ctx context.Context, err *EngineError) error
	GetErrorStats() ErrorStats
}

type ErrorStats struct {
	TotalErrors       int              `json:"total_errors"`
	ErrorsByKind      map[Kind]int     `json:"errors_by_kind"`
	ErrorsByComponent map[string]int   `json:"errors_by_component"`
	ErrorsBySeverity  map[Severity]int `json:"errors_by_severity"`
	LastError         *EngineError     `json:"last_error,omitempty"`
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger zerolog.Logger, collector ErrorCollector) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		collector: collector,
	}
}

// HandleError logs err and hands it to the collector. Plain errors are
// wrapped as recoverable medium-severity errors of the given component.
func (eh *ErrorHandler) HandleError(ctx context.Context, component string, err error) error {
	if err == nil {
		return nil
	}
	ee := asEngineError(err)
	if ee == nil {
		ee = &EngineError{
			Component:   component,
			Kind:        KindInternal,
			Message:     err.Error(),
			Timestamp:   time.Now(),
			Severity:    SeverityMedium,
			Recoverable: true,
		}
	}

	logEvent := eh.getLogEvent(ee.Severity).
		Str("component", ee.Component).
		Str("kind", string(ee.Kind)).
		Str("message", ee.Message).
		Bool("recoverable", ee.Recoverable)

	if ee.Details != nil {
		logEvent = logEvent.Interface("details", ee.Details)
	}

	if ee.Cause != nil {
		logEvent = logEvent.AnErr("cause", ee.Cause)
	}

	logEvent.Msg("Engine error occurred")

	if eh.collector != nil {
		return eh.collector.CollectError(ctx, ee)
	}

	return nil
}

// Stats returns the collector's statistics, or empty stats without a collector.
func (eh *ErrorHandler) Stats() ErrorStats {
	if eh.collector == nil {
		return ErrorStats{}
	}
	return eh.collector.GetErrorStats()
}

// getLogEvent returns the zerolog event for a severity. Critical errors are
// logged at error level; the engine never exits the process.
func (eh *ErrorHandler) getLogEvent(severity Severity) *zerolog.Event {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return eh.logger.Error()
	case SeverityMedium:
		return eh.logger.Warn()
	case SeverityLow:
		return eh.logger.Info()
	case SeverityInfo:
		return eh.logger.Debug()
	default:
		return eh.logger.Info()
	}
}

func asEngineError(err error) *EngineError {
	for err != nil {
		if ee, ok := err.(*EngineError); ok {
			return ee
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// StatsCollector keeps error counters in memory.
type StatsCollector struct {
	mu    sync.Mutex
	stats ErrorStats
}

// NewStatsCollector returns an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		stats: ErrorStats{
			ErrorsByKind:      make(map[Kind]int),
			ErrorsByComponent: make(map[string]int),
			ErrorsBySeverity:  make(map[Severity]int),
		},
	}
}

func (sc *StatsCollector) CollectError(_ context.Context, err *EngineError) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats.TotalErrors++
	sc.stats.ErrorsByKind[err.Kind]++
	sc.stats.ErrorsByComponent[err.Component]++
	sc.stats.ErrorsBySeverity[err.Severity]++
	sc.stats.LastError = err
	return nil
}

func (sc *StatsCollector) GetErrorStats() ErrorStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := ErrorStats{
		TotalErrors:       sc.stats.TotalErrors,
		ErrorsByKind:      make(map[Kind]int, len(sc.stats.ErrorsByKind)),
		ErrorsByComponent: make(map[string]int, len(sc.stats.ErrorsByComponent)),
		ErrorsBySeverity:  make(map[Severity]int, len(sc.stats.ErrorsBySeverity)),
		LastError:         sc.stats.LastError,
	}
	for k, v := range sc.stats.ErrorsByKind {
		out.ErrorsByKind[k] = v
	}
	for k, v := range sc.stats.ErrorsByComponent {
		out.ErrorsByComponent[k] = v
	}
	for k, v := range sc.stats.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	return out
}

// Helper functions for creating common error types

func NewFileAccessError(component, path string, cause error) *EngineError {
	return &EngineError{
		Component:   component,
		Kind:        KindFileAccess,
		Message:     fmt.Sprintf("file unavailable: %s", path),
		Details:     map[string]interface{}{"path": path},
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewHashComputationError(component, path string, cause error) *EngineError {
	return &EngineError{
		Component:   component,
		Kind:        KindHashComputation,
		Message:     fmt.Sprintf("could not hash %s", path),
		Details:     map[string]interface{}{"path": path},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewNetworkUnavailableError(component, address string, cause error) *EngineError {
	return &EngineError{
		Component:   component,
		Kind:        KindNetworkUnavailable,
		Message:     fmt.Sprintf("network unreachable via %s", address),
		Details:     map[string]interface{}{"address": address},
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewRateLimitedError(component, reason string) *EngineError {
	return &EngineError{
		Component:   component,
		Kind:        KindRateLimited,
		Message:     fmt.Sprintf("rate limited: %s", reason),
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: true,
	}
}

func NewReputationError(component, hash string, cause error) *EngineError {
	return &EngineError{
		Component:   component,
		Kind:        KindReputation,
		Message:     fmt.Sprintf("reputation lookup failed for %s", hash),
		Details:     map[string]interface{}{"hash": hash},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewSchemaMismatchError(component string, index, got, want int) *EngineError {
	return &EngineError{
		Component: component,
		Kind:      KindModelSchemaMismatch,
		Message:   fmt.Sprintf("sample %d has %d features, expected %d", index, got, want),
		Details: map[string]interface{}{
			"index": index,
			"got":   got,
			"want":  want,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
	}
}

func NewPersistenceError(component, operation, path string, cause error) *EngineError {
	return &EngineError{
		Component: component,
		Kind:      KindPersistence,
		Message:   fmt.Sprintf("%s failed for %s", operation, path),
		Details: map[string]interface{}{
			"operation": operation,
			"path":      path,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityHigh,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewConfigError(component string, cause error, details map[string]interface{}) *EngineError {
	return &EngineError{
		Component:   component,
		Kind:        KindConfiguration,
		Message:     "Configuration error occurred",
		Details:     details,
		Timestamp:   time.Now(),
		Severity:    SeverityHigh,
		Recoverable: true,
		Cause:       cause,
	}
}
