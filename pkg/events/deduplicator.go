// pkg/events/deduplicator.go
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// EventDeduplicator suppresses repeats of the same alert within a time window
type EventDeduplicator struct {
	seen          map[string]time.Time
	window        time.Duration
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
}

// NewEventDeduplicator creates a new event deduplicator. Call Stop to
// release its cleanup goroutine.
func NewEventDeduplicator(window time.Duration) *EventDeduplicator {
	if window <= 0 {
		window = 10 * time.Minute
	}
	ed := &EventDeduplicator{
		seen:        make(map[string]time.Time),
		window:      window,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	ed.cleanupTicker = time.NewTicker(window / 2)
	go ed.cleanupLoop()

	return ed
}

// IsDuplicate reports whether an equivalent event was seen within the
// window, and records this one otherwise.
func (ed *EventDeduplicator) IsDuplicate(event Event) bool {
	hash := ed.eventHash(event)
	now := ed.now()

	ed.mu.Lock()
	defer ed.mu.Unlock()

	if lastSeen, exists := ed.seen[hash]; exists && now.Sub(lastSeen) < ed.window {
		return true
	}
	ed.seen[hash] = now
	return false
}

// eventHash keys an event by type, source, target and severity.
func (ed *EventDeduplicator) eventHash(event Event) string {
	data := fmt.Sprintf("%s:%s:%s:%s", event.Type, event.Source, event.Target, event.Severity)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// cleanupLoop removes old entries
func (ed *EventDeduplicator) cleanupLoop() {
	for {
		select {
		case <-ed.cleanupTicker.C:
			ed.cleanup()
		case <-ed.stopCleanup:
			ed.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup removes expired entries
func (ed *EventDeduplicator) cleanup() {
	ed.mu.Lock()
	defer ed.mu.Unlock()

	cutoff := ed.now().Add(-ed.window)
	for hash, timestamp := range ed.seen {
		if timestamp.Before(cutoff) {
			delete(ed.seen, hash)
		}
	}
}

// Stop stops the deduplicator
func (ed *EventDeduplicator) Stop() {
	ed.stopOnce.Do(func() { close(ed.stopCleanup) })
}
