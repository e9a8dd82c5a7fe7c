package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"event-queue/internal/status"
	"event-queue/models"
	"event-queue/utils"
)

// BackendHealthy reports whether err says nothing bad about the backend.
// Domain outcomes such as a missing queue pass through the breaker without
// counting as failures.
func BackendHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, status.ErrQueueNotFound) ||
		errors.Is(err, status.ErrParticipantNotFound) ||
		errors.Is(err, status.ErrVersionConflict) ||
		errors.Is(err, context.Canceled)
}

type breakerStore struct {
	next Store
	cb   *utils.CircuitBreaker
}

// WithBreaker guards every call to next with cb. While the breaker is open
// calls fail fast with status.ErrStoreUnavailable.
func WithBreaker(next Store, cb *utils.CircuitBreaker) Store {
	return &breakerStore{next: next, cb: cb}
}

func guard[T any](ctx context.Context, b *breakerStore, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if errors.Is(err, utils.ErrOpenState) || errors.Is(err, utils.ErrTooManyRequests) {
		return out, fmt.Errorf("%s: %w: %w", b.cb.Name(), status.ErrStoreUnavailable, err)
	}
	return out, err
}

type getResult struct {
	rec     *models.QueueRecord
	members []models.Participant
}

func (b *breakerStore) Get(ctx context.Context, key models.QueueKey) (*models.QueueRecord, []models.Participant, error) {
	res, err := guard(ctx, b, func(ctx context.Context) (getResult, error) {
		rec, members, err := b.next.Get(ctx, key)
		return getResult{rec, members}, err
	})
	return res.rec, res.members, err
}

type insertResult struct {
	rec     *models.QueueRecord
	created bool
}

func (b *breakerStore) InsertIfAbsent(ctx context.Context, rec *models.QueueRecord) (*models.QueueRecord, bool, error) {
	res, err := guard(ctx, b, func(ctx context.Context) (insertResult, error) {
		stored, created, err := b.next.InsertIfAbsent(ctx, rec)
		return insertResult{stored, created}, err
	})
	return res.rec, res.created, err
}

func (b *breakerStore) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *models.QueueRecord) error {
	_, err := guard(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.next.CompareAndSwap(ctx, expectedVersion, rec)
	})
	return err
}

func (b *breakerStore) Delete(ctx context.Context, key models.QueueKey) (bool, error) {
	return guard(ctx, b, func(ctx context.Context) (bool, error) {
		return b.next.Delete(ctx, key)
	})
}

func (b *breakerStore) AppendIfUnderCapacity(ctx context.Context, key models.QueueKey, p models.Participant, now time.Time) (*Admission, error) {
	return guard(ctx, b, func(ctx context.Context) (*Admission, error) {
		return b.next.AppendIfUnderCapacity(ctx, key, p, now)
	})
}

func (b *breakerStore) Remove(ctx context.Context, key models.QueueKey, token string) (*models.Participant, error) {
	return guard(ctx, b, func(ctx context.Context) (*models.Participant, error) {
		return b.next.Remove(ctx, key, token)
	})
}

func (b *breakerStore) Keys(ctx context.Context) ([]models.QueueKey, error) {
	return guard(ctx, b, func(ctx context.Context) ([]models.QueueKey, error) {
		return b.next.Keys(ctx)
	})
}

func (b *breakerStore) Ping(ctx context.Context) error {
	_, err := guard(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.next.Ping(ctx)
	})
	return err
}

func (b *breakerStore) Close() error {
	return b.next.Close()
}
