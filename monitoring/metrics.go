package monitoring

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"event-queue/models"
)

var (
	queueMembers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_members_total",
			Help: "Current number of admitted participants per queue",
		},
		[]string{"event_id", "org_id"},
	)

	queueFrozen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_frozen",
			Help: "1 while the queue is in its cooldown window",
		},
		[]string{"event_id", "org_id"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "event_id", "status"},
	)

	queueFreezes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_freezes_total",
			Help: "Total cooldowns started",
		},
		[]string{"event_id"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_operation_duration_seconds",
			Help:    "Duration of queue operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)

	storeBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_circuit_breaker_state",
			Help: "State of the store circuit breaker (0 closed, 1 half-open, 2 open)",
		},
	)
)

// Snapshotter is what the collector needs from a store.
type Snapshotter interface {
	Keys(ctx context.Context) ([]models.QueueKey, error)
	Get(ctx context.Context, key models.QueueKey) (*models.QueueRecord, []models.Participant, error)
}

type Monitor struct {
	store    Snapshotter
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor returns a Monitor. With a nil store or a non-positive interval
// only the event-driven metrics are recorded.
func NewMonitor(store Snapshotter, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:    store,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	if m == nil || m.store == nil || m.interval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.collectMetrics()
}

func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Monitor) collectMetrics() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.CollectQueueMetrics(ctx)
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

// CollectQueueMetrics refreshes the per-queue gauges from the store.
func (m *Monitor) CollectQueueMetrics(ctx context.Context) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		m.logger.Warn("metrics: list queues", "error", err)
		return
	}

	now := m.now()
	queueMembers.Reset()
	queueFrozen.Reset()
	for _, key := range keys {
		rec, members, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		queueMembers.WithLabelValues(key.EventID, key.OrgID).Set(float64(len(members)))
		frozen := 0.0
		if rec.FreezeUntil != nil && rec.FreezeUntil.After(now) {
			frozen = 1
		}
		queueFrozen.WithLabelValues(key.EventID, key.OrgID).Set(frozen)
	}
}

// Track queue operations
func (m *Monitor) TrackQueueOperation(operation, eventID, status string) {
	queueOperations.WithLabelValues(operation, eventID, status).Inc()
}

func (m *Monitor) TrackFreeze(eventID string) {
	queueFreezes.WithLabelValues(eventID).Inc()
}

func (m *Monitor) ObserveOperation(operation string, d time.Duration) {
	operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Monitor) SetBreakerState(state int) {
	storeBreakerState.Set(float64(state))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
