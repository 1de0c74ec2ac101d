// pkg/events/validator.go
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

var validSeverities = []string{"critical", "high", "medium", "low", "info"}

// maxDescriptionRunes bounds event descriptions.
const maxDescriptionRunes = 1000

// EventValidator validates and sanitizes events before they enter the bus
// and throttles sources that flood it.
type EventValidator struct {
	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter // source -> rate limiter
	perMinute    int
	burst        int
	maxDataSize  int
}

// NewEventValidator creates a validator allowing 600 events per minute per
// source with bursts of 200.
func NewEventValidator(maxDataSize int) *EventValidator {
	return &EventValidator{
		rateLimiters: make(map[string]*rate.Limiter),
		perMinute:    600,
		burst:        200,
		maxDataSize:  maxDataSize,
	}
}

// WithRateLimit overrides the per-source budget.
func (ev *EventValidator) WithRateLimit(perMinute, burst int) *EventValidator {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.perMinute = perMinute
	ev.burst = burst
	ev.rateLimiters = make(map[string]*rate.Limiter)
	return ev
}

// ValidateEvent checks required fields, sanitizes the description and
// applies the source's rate limit.
func (ev *EventValidator) ValidateEvent(event *Event) error {
	if event.Source == "" {
		return fmt.Errorf("event source is required")
	}
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.Severity == "" {
		return fmt.Errorf("event severity is required")
	}
	if !contains(validSeverities, event.Severity) {
		return fmt.Errorf("invalid severity: %s", event.Severity)
	}

	event.Description = sanitizeString(event.Description)

	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("event data not serializable: %w", err)
		}
		if len(raw) > ev.maxDataSize {
			return fmt.Errorf("event data too large (max %d bytes)", ev.maxDataSize)
		}
	}

	if !ev.checkRateLimit(event.Source) {
		return fmt.Errorf("rate limit exceeded for source: %s", event.Source)
	}

	return nil
}

// checkRateLimit checks if the event source is within rate limits
func (ev *EventValidator) checkRateLimit(source string) bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	if ev.perMinute <= 0 {
		return true
	}
	limiter, exists := ev.rateLimiters[source]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(ev.perMinute)), ev.burst)
		ev.rateLimiters[source] = limiter
	}

	return limiter.Allow()
}

// sanitizeString removes control characters and bounds the length
func sanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	if utf8.RuneCountInString(s) > maxDescriptionRunes {
		s = string([]rune(s)[:maxDescriptionRunes]) + "..."
	}

	return strings.TrimSpace(s)
}

// contains checks if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
