package notify

import (
	"log/slog"
	"sync"
)

const (
	DefaultAsyncQueueSize = 1000
	DefaultAsyncWorkers   = 2
)

// Async hands events to next on a small worker pool so network-backed sinks
// never hold up a queue operation. Events beyond the queue size are dropped.
type Async struct {
	next   Sink
	queue  chan Event
	logger *slog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewAsync(next Sink, queueSize, workers int, logger *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultAsyncQueueSize
	}
	if workers <= 0 {
		workers = DefaultAsyncWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		queue:  make(chan Event, queueSize),
		logger: logger,
	}
	for range workers {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

func (a *Async) worker() {
	defer a.wg.Done()
	for evt := range a.queue {
		a.next.Emit(evt)
	}
}

func (a *Async) Emit(evt Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.stopped {
		return
	}
	select {
	case a.queue <- evt:
	default:
		a.logger.Warn("notify: async queue full, dropping event", "type", evt.Type, "queue", evt.Queue.String())
	}
}

// Close delivers the events already queued and stops the workers.
func (a *Async) Close() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
}
