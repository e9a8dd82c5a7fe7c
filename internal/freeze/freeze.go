// Package freeze derives and clears the cooldown window of a queue.
//
// A freeze whose deadline has passed is equivalent to no freeze at all. Every
// read and write path normalizes it lazily through Expire; the Sweeper does
// the same proactively for queues nobody touches.
package freeze

import (
	"context"
	"errors"
	"time"

	"event-queue/internal/status"
	"event-queue/models"
)

const expireAttempts = 3

// Source is the slice of the state store that expiry needs.
type Source interface {
	Get(ctx context.Context, key models.QueueKey) (*models.QueueRecord, []models.Participant, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, rec *models.QueueRecord) error
}

func IsFrozen(rec *models.QueueRecord, now time.Time) bool {
	return rec != nil && rec.FreezeUntil != nil && rec.FreezeUntil.After(now)
}

// IsExpired reports a freeze that is still recorded but no longer active.
func IsExpired(rec *models.QueueRecord, now time.Time) bool {
	return rec != nil && rec.FreezeUntil != nil && !rec.FreezeUntil.After(now)
}

// WaitSeconds is the remaining cooldown rounded up to whole seconds.
func WaitSeconds(rec *models.QueueRecord, now time.Time) int {
	if !IsFrozen(rec, now) {
		return 0
	}
	return CeilSeconds(rec.FreezeUntil.Sub(now))
}

func CeilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// Until returns the deadline a freeze starting at now would have.
func Until(rec *models.QueueRecord, now time.Time) time.Time {
	return now.Add(rec.FreezeDuration())
}

// Normalize clears an expired freeze in place and reports whether it did.
func Normalize(rec *models.QueueRecord, now time.Time) bool {
	if !IsExpired(rec, now) {
		return false
	}
	rec.FreezeUntil = nil
	return true
}

// Expire loads the queue and, when its freeze has lapsed, clears it with a
// compare-and-swap. A lost swap is retried against the fresh record; after
// the last attempt the normalized view is returned without persisting it.
func Expire(ctx context.Context, src Source, key models.QueueKey, now time.Time) (*models.QueueRecord, []models.Participant, error) {
	var (
		rec     *models.QueueRecord
		members []models.Participant
		err     error
	)
	for range expireAttempts {
		rec, members, err = src.Get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if !IsExpired(rec, now) {
			return rec, members, nil
		}

		next := rec.Clone()
		next.FreezeUntil = nil
		err = src.CompareAndSwap(ctx, rec.Version, next)
		switch {
		case err == nil:
			next.Version = rec.Version + 1
			return next, members, nil
		case errors.Is(err, status.ErrVersionConflict):
			continue
		default:
			return nil, nil, err
		}
	}

	Normalize(rec, now)
	return rec, members, nil
}
