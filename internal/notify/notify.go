// Package notify carries queue lifecycle events out of the admission
// controller. Emitting never blocks the caller on a slow consumer and never
// fails a queue operation.
package notify

import (
	"time"

	"event-queue/models"
)

type EventType string

const (
	EventCreated EventType = "queue.created"
	EventJoined  EventType = "queue.joined"
	EventLeft    EventType = "queue.left"
	EventFrozen  EventType = "queue.frozen"
	EventReset   EventType = "queue.reset"
)

type Event struct {
	Type      EventType       `json:"type"`
	Queue     models.QueueKey `json:"queue"`
	Payload   map[string]any  `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewEvent(eventType EventType, key models.QueueKey, payload map[string]any, ts time.Time) Event {
	return Event{
		Type:      eventType,
		Queue:     key,
		Payload:   payload,
		Timestamp: ts,
	}
}

// Sink receives lifecycle events. Emit must be safe for concurrent use.
type Sink interface {
	Emit(evt Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop discards every event.
func Nop() Sink { return nopSink{} }

type multiSink []Sink

func (m multiSink) Emit(evt Event) {
	for _, s := range m {
		s.Emit(evt)
	}
}

// Multi fans every event out to sinks in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop()
	case 1:
		return out[0]
	}
	return out
}
