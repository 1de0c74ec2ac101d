// pkg/events/event_bus.go
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType defines the type of detector event
type EventType string

const (
	EventFileAnomaly    EventType = "file_anomaly"
	EventReputationHit  EventType = "reputation_hit"
	EventModelTrained   EventType = "model_trained"
	EventTrainingFailed EventType = "training_failed"
	EventSweepCompleted EventType = "sweep_completed"
)

// Event is a notification emitted by the engine or a monitor.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Source      string                 `json:"source"`   // Which component generated this
	Target      string                 `json:"target"`   // File path or directory affected
	Severity    string                 `json:"severity"` // critical, high, medium, low, info
	Timestamp   time.Time              `json:"timestamp"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Publisher accepts events. *EventBus implements it.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventHandler defines the interface for event handlers
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
	GetEventTypes() []EventType
}

// HandlerFunc adapts a function to EventHandler for the given types.
func HandlerFunc(fn func(ctx context.Context, event Event) error, types ...EventType) EventHandler {
	return funcHandler{fn: fn, types: types}
}

type funcHandler struct {
	fn    func(ctx context.Context, event Event) error
	types []EventType
}

func (h funcHandler) Handle(ctx context.Context, event Event) error { return h.fn(ctx, event) }
func (h funcHandler) GetEventTypes() []EventType                    { return h.types }

// EventBus fans published events out to subscribed handlers on a
// background goroutine.
type EventBus struct {
	handlers    map[EventType][]EventHandler
	buffer      chan Event
	validator   *EventValidator
	logger      zerolog.Logger
	mu          sync.RWMutex
	metrics     EventMetrics
	running     bool
	stopChannel chan struct{}
	wg          sync.WaitGroup
}

type EventMetrics struct {
	EventsPublished   int64            `json:"events_published"`
	EventsProcessed   int64            `json:"events_processed"`
	EventsRejected    int64            `json:"events_rejected"`
	EventsByType      map[string]int64 `json:"events_by_type"`
	EventsBySeverity  map[string]int64 `json:"events_by_severity"`
	HandlerErrors     int64            `json:"handler_errors"`
	AverageProcessing time.Duration    `json:"average_processing_time"`
}

// NewEventBus creates a new event bus
func NewEventBus(logger zerolog.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return &EventBus{
		handlers:    make(map[EventType][]EventHandler),
		buffer:      make(chan Event, bufferSize),
		validator:   NewEventValidator(64 * 1024),
		logger:      logger.With().Str("component", "event_bus").Logger(),
		stopChannel: make(chan struct{}),
		metrics: EventMetrics{
			EventsByType:     make(map[string]int64),
			EventsBySeverity: make(map[string]int64),
		},
	}
}

// SetRateLimit sets the per-source event budget. A non-positive perMinute
// disables throttling.
func (eb *EventBus) SetRateLimit(perMinute, burst int) {
	eb.validator.WithRateLimit(perMinute, burst)
}

// Subscribe registers an event handler for specific event types
func (eb *EventBus) Subscribe(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, eventType := range handler.GetEventTypes() {
		eb.handlers[eventType] = append(eb.handlers[eventType], handler)
		eb.logger.Debug().
			Str("event_type", string(eventType)).
			Msg("Handler subscribed to event type")
	}
}

// Publish validates event and queues it for the handlers. It never blocks:
// a full buffer drops the event.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := eb.validator.ValidateEvent(&event); err != nil {
		eb.mu.Lock()
		eb.metrics.EventsRejected++
		eb.mu.Unlock()
		eb.logger.Debug().Err(err).Str("type", string(event.Type)).Msg("Event rejected")
		return err
	}

	select {
	case eb.buffer <- event:
		eb.updateMetrics(event, true)
		eb.logger.Debug().
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Str("source", event.Source).
			Msg("Event published to bus")
		return nil
	default:
		eb.logger.Error().
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Event bus buffer full, dropping event")
		return ErrEventBusBufferFull
	}
}

// Start begins processing events from the buffer
func (eb *EventBus) Start(ctx context.Context) {
	eb.mu.Lock()
	if eb.running {
		eb.mu.Unlock()
		return
	}
	eb.running = true
	eb.mu.Unlock()

	eb.logger.Info().Msg("Event bus starting...")

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event := <-eb.buffer:
				eb.processEvent(ctx, event)
			case <-ctx.Done():
				eb.logger.Info().Msg("Event bus shutting down due to context cancellation...")
				return
			case <-eb.stopChannel:
				eb.drain(ctx)
				eb.logger.Info().Msg("Event bus shutting down...")
				return
			}
		}
	}()
}

// drain delivers whatever is still buffered.
func (eb *EventBus) drain(ctx context.Context) {
	for {
		select {
		case event := <-eb.buffer:
			eb.processEvent(ctx, event)
		default:
			return
		}
	}
}

// Stop gracefully shuts down the event bus
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return
	}
	eb.running = false
	eb.mu.Unlock()

	close(eb.stopChannel)
	eb.wg.Wait()
	eb.logger.Info().Msg("Event bus stopped")
}

// processEvent handles distribution of events to handlers
func (eb *EventBus) processEvent(ctx context.Context, event Event) {
	start := time.Now()

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		eb.logger.Debug().
			Str("event_type", string(event.Type)).
			Msg("No handlers registered for event type")
		eb.updateMetrics(event, false)
		return
	}

	errorCount := 0
	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			errorCount++
			eb.logger.Error().
				Err(err).
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Msg("Handler error processing event")
		}
	}

	eb.mu.Lock()
	eb.metrics.HandlerErrors += int64(errorCount)
	eb.metrics.AverageProcessing = time.Since(start)
	eb.mu.Unlock()

	eb.updateMetrics(event, false)
}

// updateMetrics updates internal metrics
func (eb *EventBus) updateMetrics(event Event, published bool) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if published {
		eb.metrics.EventsPublished++
		eb.metrics.EventsByType[string(event.Type)]++
		eb.metrics.EventsBySeverity[event.Severity]++
	} else {
		eb.metrics.EventsProcessed++
	}
}

// GetMetrics returns current event bus metrics
func (eb *EventBus) GetMetrics() EventMetrics {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Create a copy to avoid race conditions
	metricsCopy := EventMetrics{
		EventsPublished:   eb.metrics.EventsPublished,
		EventsProcessed:   eb.metrics.EventsProcessed,
		EventsRejected:    eb.metrics.EventsRejected,
		HandlerErrors:     eb.metrics.HandlerErrors,
		AverageProcessing: eb.metrics.AverageProcessing,
		EventsByType:      make(map[string]int64),
		EventsBySeverity:  make(map[string]int64),
	}

	for k, v := range eb.metrics.EventsByType {
		metricsCopy.EventsByType[k] = v
	}
	for k, v := range eb.metrics.EventsBySeverity {
		metricsCopy.EventsBySeverity[k] = v
	}

	return metricsCopy
}

// Errors
var (
	ErrEventBusBufferFull = fmt.Errorf("event bus buffer is full")
)
