package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const DefaultSubscriberBuffer = 64

type SubscriberID int

// Bus delivers events to in-process subscribers. A subscriber whose buffer
// is full misses the event; the bus never waits for it.
type Bus struct {
	mu        sync.RWMutex
	subs      map[SubscriberID]chan Event
	lastSubID SubscriberID
	buffer    int
	closed    bool
	dropped   atomic.Uint64
	logger    *slog.Logger
}

func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[SubscriberID]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel receiving every event emitted from now on.
// The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe() (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return 0, ch
	}
	b.lastSubID++
	b.subs[b.lastSubID] = ch
	return b.lastSubID, ch
}

func (b *Bus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Bus) Emit(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			b.logger.Debug("notify: subscriber buffer full, dropping event",
				"subscriber", int(id), "type", evt.Type, "queue", evt.Queue.String())
		}
	}
}

// Dropped is the number of deliveries skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
