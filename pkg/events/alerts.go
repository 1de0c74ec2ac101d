package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// AlertLog logs anomaly and reputation alerts once per deduplication
// window and keeps the most recent ones for the API.
type AlertLog struct {
	dedup  *EventDeduplicator
	logger zerolog.Logger

	mu     sync.RWMutex
	recent []Event
	limit  int
}

// NewAlertLog keeps up to limit alerts.
func NewAlertLog(dedup *EventDeduplicator, limit int, logger zerolog.Logger) *AlertLog {
	if limit <= 0 {
		limit = 100
	}
	return &AlertLog{
		dedup:  dedup,
		logger: logger.With().Str("component", "alerts").Logger(),
		limit:  limit,
	}
}

func (a *AlertLog) GetEventTypes() []EventType {
	return []EventType{EventFileAnomaly, EventReputationHit}
}

func (a *AlertLog) Handle(_ context.Context, event Event) error {
	if a.dedup != nil && a.dedup.IsDuplicate(event) {
		a.logger.Debug().Str("target", event.Target).Str("type", string(event.Type)).Msg("Duplicate alert suppressed")
		return nil
	}

	a.logger.Warn().
		Str("type", string(event.Type)).
		Str("target", event.Target).
		Str("severity", event.Severity).
		Interface("data", event.Data).
		Msg(event.Description)

	a.mu.Lock()
	a.recent = append(a.recent, event)
	if len(a.recent) > a.limit {
		a.recent = append([]Event(nil), a.recent[len(a.recent)-a.limit:]...)
	}
	a.mu.Unlock()
	return nil
}

// Recent returns the retained alerts, newest last.
func (a *AlertLog) Recent() []Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Event(nil), a.recent...)
}
