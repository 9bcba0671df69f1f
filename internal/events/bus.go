// Package events is the in-process pub/sub bus for engine lifecycle
// events. The websocket streamer and webhook dispatcher subscribe here;
// nothing on this bus mutates stores.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	ActionStarted        = "action.started"
	ActionSucceeded      = "action.succeeded"
	ActionFailed         = "action.failed"
	ActionRolledBack     = "action.rolled_back"
	ActionRollbackFailed = "action.rollback_failed"
	ConnectionAuthorized = "connection.authorized"
	ConnectionRevoked    = "connection.revoked"
	ConnectionExpired    = "connection.expired"
)

// Emitter is the interface engine components publish through. The
// in-memory EventBus satisfies it; a nil-safe NopEmitter exists for
// tests that don't care about events.
type Emitter interface {
	Emit(eventType, userID, subject string, data map[string]interface{})
}

// Event is the envelope delivered to subscribers.
type Event struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	UserID  string                 `json:"user_id,omitempty"`
	Subject string                 `json:"subject,omitempty"` // action id or service name
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// JSON serializes the event for transport.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventBus fans events out to subscriber channels. Slow subscribers
// drop events rather than block the engine.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[string][]chan *Event // eventType -> channels
	allSubs    []chan *Event
	bufferSize int
}

func NewEventBus() *EventBus {
	return &EventBus{
		subs:       make(map[string][]chan *Event),
		bufferSize: 100,
	}
}

// Subscribe returns a channel receiving the given event types, or all
// events when none are named.
func (b *EventBus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subs[et] = append(b.subs[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *EventBus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subs {
		b.subs[et] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

func removeChan(subs []chan *Event, ch chan *Event) []chan *Event {
	filtered := subs[:0]
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Emit builds and publishes an event.
func (b *EventBus) Emit(eventType, userID, subject string, data map[string]interface{}) {
	b.Publish(&Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		UserID:  userID,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    data,
	})
}

// Publish delivers an event to all matching subscribers without blocking.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event.Type] {
		select {
		case ch <- event:
		default: // subscriber buffer full
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string, string, map[string]interface{}) {}
