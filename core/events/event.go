// Package events fans state-change events out to the history buffer, the
// websocket stream and the log.
package events

import "deedescrow/core/types"

// Event is anything a module emits after a successful commit.
type Event interface {
	EventType() string
}

// Payload is implemented by events that carry string attributes for
// downstream consumers (RPC history, websocket streams).
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter receives committed events. Implementations must not block the
// emitting module.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// MultiEmitter forwards every event to each wrapped emitter in order. Nil
// entries are skipped.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
