package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"event-queue/internal/freeze"
	"event-queue/internal/notify"
	"event-queue/internal/status"
	"event-queue/internal/store"
	"event-queue/models"
	"event-queue/monitoring"
)

// QueueService is the admission controller. It owns every queue invariant;
// the store only supplies atomic primitives.
type QueueService struct {
	store    store.Store
	sink     notify.Sink
	monitor  *monitoring.Monitor
	logger   *slog.Logger
	now      func() time.Time
	newToken func() string

	defaultCapacity int
	defaultFreezeMs int64
	defaultTrigger  models.FreezeTrigger
}

type Option func(*QueueService)

func WithSink(sink notify.Sink) Option {
	return func(s *QueueService) { s.sink = sink }
}

func WithMonitor(m *monitoring.Monitor) Option {
	return func(s *QueueService) { s.monitor = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *QueueService) { s.logger = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *QueueService) { s.now = now }
}

func WithTokenGenerator(gen func() string) Option {
	return func(s *QueueService) { s.newToken = gen }
}

// WithDefaults sets the values CreateQueue uses for fields left unset.
func WithDefaults(capacity int, freezeDuration time.Duration, trigger models.FreezeTrigger) Option {
	return func(s *QueueService) {
		s.defaultCapacity = capacity
		s.defaultFreezeMs = freezeDuration.Milliseconds()
		s.defaultTrigger = trigger
	}
}

func NewQueueService(st store.Store, opts ...Option) *QueueService {
	s := &QueueService{
		store:    st,
		sink:     notify.Nop(),
		logger:   slog.Default(),
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *QueueService) track(op string, key models.QueueKey, result string, begin time.Time) {
	if s.monitor == nil {
		return
	}
	s.monitor.TrackQueueOperation(op, key.EventID, result)
	s.monitor.ObserveOperation(op, time.Since(begin))
}

func (s *QueueService) emit(t notify.EventType, key models.QueueKey, payload map[string]any, now time.Time) {
	s.sink.Emit(notify.NewEvent(t, key, payload, now))
}

func (s *QueueService) froze(rec *models.QueueRecord, now time.Time) {
	s.logger.Info("queue frozen",
		"event_id", rec.EventID,
		"org_id", rec.OrgID,
		"freeze_until", *rec.FreezeUntil,
	)
	if s.monitor != nil {
		s.monitor.TrackFreeze(rec.EventID)
	}
	s.emit(notify.EventFrozen, rec.Key(), map[string]any{
		"freeze_until": rec.FreezeUntil.UnixMilli(),
		"wait_time":    freeze.WaitSeconds(rec, now),
	}, now)
}

func errResult(err error) string {
	switch {
	case errors.Is(err, status.ErrQueueNotFound), errors.Is(err, status.ErrParticipantNotFound):
		return "not_found"
	case errors.Is(err, status.ErrInvalidConfig), errors.Is(err, status.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, status.ErrStoreUnavailable):
		return "unavailable"
	}
	return "error"
}

func (s *QueueService) withDefaults(cfg models.QueueConfig) models.QueueConfig {
	if cfg.CapacityLimit == 0 && s.defaultCapacity > 0 {
		cfg.CapacityLimit = s.defaultCapacity
	}
	if cfg.FreezeDurationMs == 0 && s.defaultFreezeMs > 0 {
		cfg.FreezeDurationMs = s.defaultFreezeMs
	}
	if cfg.FreezeTrigger == "" && s.defaultTrigger != "" {
		cfg.FreezeTrigger = s.defaultTrigger
	}
	return cfg.WithDefaults()
}

// CreateQueue creates the queue described by cfg unless one already exists
// for its key, in which case the stored record is returned unchanged.
func (s *QueueService) CreateQueue(ctx context.Context, cfg models.QueueConfig) (*models.QueueRecord, bool, error) {
	begin := time.Now()
	start := s.now()
	cfg = s.withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		s.track("create", cfg.Key(), "invalid", begin)
		return nil, false, fmt.Errorf("%w: %w", status.ErrInvalidConfig, err)
	}

	rec := &models.QueueRecord{QueueConfig: cfg, CreatedAt: start}
	stored, created, err := s.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		s.track("create", cfg.Key(), errResult(err), begin)
		return nil, false, fmt.Errorf("create queue %s: %w", cfg.Key(), err)
	}

	if !created {
		s.track("create", cfg.Key(), "existing", begin)
		return stored, false, nil
	}

	s.logger.Info("queue created",
		"event_id", cfg.EventID,
		"org_id", cfg.OrgID,
		"limit", cfg.CapacityLimit,
		"freeze_duration_ms", cfg.FreezeDurationMs,
		"freeze_trigger", cfg.FreezeTrigger,
	)
	s.track("create", cfg.Key(), "created", begin)
	s.emit(notify.EventCreated, cfg.Key(), map[string]any{
		"limit":              cfg.CapacityLimit,
		"freeze_duration_ms": cfg.FreezeDurationMs,
		"freeze_trigger":     string(cfg.FreezeTrigger),
	}, start)
	return stored, true, nil
}

// JoinQueue admits userID to the queue, reports an earlier admission, or
// asks the caller to wait out the cooldown.
func (s *QueueService) JoinQueue(ctx context.Context, key models.QueueKey, userID string) (*models.JoinResult, error) {
	begin := time.Now()
	now := s.now()
	if userID == "" {
		s.track("join", key, "invalid", begin)
		return nil, fmt.Errorf("%w: user id must not be empty", status.ErrInvalidArgument)
	}

	rec, members, err := freeze.Expire(ctx, s.store, key, now)
	if err != nil {
		s.track("join", key, errResult(err), begin)
		return nil, fmt.Errorf("join queue %s: %w", key, err)
	}

	if freeze.IsFrozen(rec, now) {
		s.track("join", key, string(models.JoinStatusWait), begin)
		return &models.JoinResult{Status: models.JoinStatusWait, WaitTime: freeze.WaitSeconds(rec, now)}, nil
	}
	for _, m := range members {
		if m.UserID == userID {
			s.track("join", key, string(models.JoinStatusAlready), begin)
			return &models.JoinResult{Status: models.JoinStatusAlready, UserID: userID}, nil
		}
	}

	p := models.Participant{UserID: userID, Token: s.newToken(), JoinedAt: now}
	adm, err := s.store.AppendIfUnderCapacity(ctx, key, p, now)
	if err != nil {
		s.track("join", key, errResult(err), begin)
		return nil, fmt.Errorf("join queue %s: %w", key, err)
	}

	var res *models.JoinResult
	switch adm.Outcome {
	case store.OutcomeAdmitted:
		s.logger.Debug("participant joined", "event_id", key.EventID, "org_id", key.OrgID, "user_id", userID)
		s.emit(notify.EventJoined, key, map[string]any{"user_id": userID}, now)
		res = &models.JoinResult{Status: models.JoinStatusJoined, Token: adm.Participant.Token}
	case store.OutcomeDuplicate:
		res = &models.JoinResult{Status: models.JoinStatusAlready, UserID: userID}
	case store.OutcomeFull:
		res = &models.JoinResult{Status: models.JoinStatusWait, WaitTime: freeze.CeilSeconds(adm.Record.FreezeDuration())}
	case store.OutcomeFrozen:
		res = &models.JoinResult{Status: models.JoinStatusWait, WaitTime: freeze.WaitSeconds(adm.Record, now)}
	default:
		return nil, fmt.Errorf("join queue %s: unexpected admission outcome %d", key, adm.Outcome)
	}

	if adm.Froze {
		s.froze(adm.Record, now)
	}
	s.track("join", key, string(res.Status), begin)
	return res, nil
}

// LeaveQueue releases the seat held by token. An active cooldown stays in
// place.
func (s *QueueService) LeaveQueue(ctx context.Context, key models.QueueKey, token string) (*models.Participant, error) {
	begin := time.Now()
	now := s.now()
	if token == "" {
		s.track("leave", key, "invalid", begin)
		return nil, fmt.Errorf("%w: token must not be empty", status.ErrInvalidArgument)
	}

	p, err := s.store.Remove(ctx, key, token)
	if err != nil {
		s.track("leave", key, errResult(err), begin)
		return nil, fmt.Errorf("leave queue %s: %w", key, err)
	}

	s.logger.Debug("participant left", "event_id", key.EventID, "org_id", key.OrgID, "user_id", p.UserID)
	s.track("leave", key, "left", begin)
	s.emit(notify.EventLeft, key, map[string]any{"user_id": p.UserID}, now)
	return p, nil
}

func (s *QueueService) GetQueueStatus(ctx context.Context, key models.QueueKey) (*models.QueueStatus, error) {
	begin := time.Now()
	now := s.now()
	rec, members, err := freeze.Expire(ctx, s.store, key, now)
	if err != nil {
		s.track("status", key, errResult(err), begin)
		return nil, fmt.Errorf("queue status %s: %w", key, err)
	}

	s.track("status", key, "ok", begin)
	return &models.QueueStatus{
		Record:   rec,
		Members:  members,
		WaitTime: freeze.WaitSeconds(rec, now),
	}, nil
}

// ResetQueue deletes the queue with its membership and reports whether it
// existed.
func (s *QueueService) ResetQueue(ctx context.Context, key models.QueueKey) (bool, error) {
	begin := time.Now()
	now := s.now()
	existed, err := s.store.Delete(ctx, key)
	if err != nil {
		s.track("reset", key, errResult(err), begin)
		return false, fmt.Errorf("reset queue %s: %w", key, err)
	}

	if existed {
		s.logger.Info("queue reset", "event_id", key.EventID, "org_id", key.OrgID)
		s.emit(notify.EventReset, key, nil, now)
		s.track("reset", key, "reset", begin)
	} else {
		s.track("reset", key, "missing", begin)
	}
	return existed, nil
}

// RemoveUser evicts userID from the queue. It is the admin counterpart of
// LeaveQueue for callers that know the user but not the token.
func (s *QueueService) RemoveUser(ctx context.Context, key models.QueueKey, userID, reason string) (*models.Participant, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id must not be empty", status.ErrInvalidArgument)
	}

	_, members, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("remove user %s: %w", key, err)
	}
	for _, m := range members {
		if m.UserID != userID {
			continue
		}
		p, err := s.LeaveQueue(ctx, key, m.Token)
		if err != nil {
			return nil, err
		}
		s.logger.Info("participant removed", "event_id", key.EventID, "org_id", key.OrgID, "user_id", userID, "reason", reason)
		return p, nil
	}
	return nil, fmt.Errorf("remove user %s: %w", key, status.ErrParticipantNotFound)
}

// ListQueues returns the status of every known queue. Queues reset while
// the listing runs are skipped.
func (s *QueueService) ListQueues(ctx context.Context) ([]*models.QueueStatus, error) {
	keys, err := s.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}

	out := make([]*models.QueueStatus, 0, len(keys))
	for _, k := range keys {
		st, err := s.GetQueueStatus(ctx, k)
		if errors.Is(err, status.ErrQueueNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Record.Key().String() < out[j].Record.Key().String()
	})
	return out, nil
}

// Ping reports whether the backing store is reachable.
func (s *QueueService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
