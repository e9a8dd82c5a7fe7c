package freeze

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"event-queue/internal/status"
	"event-queue/models"
)

// Lister enumerates every queue a store knows about.
type Lister interface {
	Source
	Keys(ctx context.Context) ([]models.QueueKey, error)
}

// Sweeper periodically clears lapsed freezes. It is an optimization only.
type Sweeper struct {
	src      Lister
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSweeper(src Lister, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		src:      src,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the sweep loop. A non-positive interval disables it.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		s.logger.Info("freeze sweeper disabled")
		return
	}
	s.wg.Add(1)
	go s.run()
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("freeze sweeper started", "interval", s.interval)

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("freeze sweep failed", "error", err)
			}
			cancel()
		case <-s.stopChan:
			s.logger.Info("freeze sweeper stopping")
			return
		}
	}
}

// Sweep normalizes every queue once and returns how many freezes it cleared.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	keys, err := s.src.Keys(ctx)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, key := range keys {
		now := s.now()
		rec, _, err := s.src.Get(ctx, key)
		if errors.Is(err, status.ErrQueueNotFound) {
			continue
		} else if err != nil {
			s.logger.Warn("freeze sweep: load queue", "queue", key.String(), "error", err)
			continue
		}
		if !IsExpired(rec, now) {
			continue
		}

		if _, _, err := Expire(ctx, s.src, key, now); err != nil {
			s.logger.Warn("freeze sweep: expire", "queue", key.String(), "error", err)
			continue
		}
		cleared++
	}

	if cleared > 0 {
		s.logger.Info("freeze sweep cleared expired freezes", "count", cleared, "queues", len(keys))
	}
	return cleared, nil
}

// Stop signals the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
