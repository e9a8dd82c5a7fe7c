// Package storetest is the behavioural contract every store.Store must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-queue/internal/status"
	"event-queue/internal/store"
	"event-queue/models"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertIfAbsent", testInsertIfAbsent},
		{"GetMissing", testGetMissing},
		{"AppendAdmitsUntilFull", testAppendAdmitsUntilFull},
		{"AppendDuplicate", testAppendDuplicate},
		{"AppendOverflowTrigger", testAppendOverflowTrigger},
		{"AppendClearsLapsedFreeze", testAppendClearsLapsedFreeze},
		{"AppendMissingQueue", testAppendMissingQueue},
		{"CompareAndSwap", testCompareAndSwap},
		{"Remove", testRemove},
		{"Delete", testDelete},
		{"Keys", testKeys},
		{"ConcurrentAppend", testConcurrentAppend},
		{"ConcurrentDuplicate", testConcurrentDuplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newRecord(eventID string, capacity int, trigger models.FreezeTrigger) *models.QueueRecord {
	return &models.QueueRecord{
		QueueConfig: models.QueueConfig{
			EventID:          eventID,
			OrgID:            "org1",
			CapacityLimit:    capacity,
			Description:      "contract",
			FreezeDurationMs: 30000,
			FreezeTrigger:    trigger,
		},
		CreatedAt: base,
	}
}

func participant(userID string, at time.Time) models.Participant {
	return models.Participant{UserID: userID, Token: uuid.NewString(), JoinedAt: at}
}

func mustInsert(t *testing.T, s store.Store, rec *models.QueueRecord) {
	t.Helper()
	_, created, err := s.InsertIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created)
}

func testInsertIfAbsent(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord("insert", 3, models.FreezeOnReached)

	got, created, err := s.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, rec.QueueConfig, got.QueueConfig)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.FreezeUntil)

	again := newRecord("insert", 99, models.FreezeOnOverflow)
	again.Description = "changed"
	got, created, err = s.InsertIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 3, got.CapacityLimit)
	assert.Equal(t, "contract", got.Description)
	assert.Equal(t, models.FreezeOnReached, got.FreezeTrigger)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, _, err := s.Get(context.Background(), models.NewQueueKey("nope", "org1"))
	assert.ErrorIs(t, err, status.ErrQueueNotFound)
}

func testAppendAdmitsUntilFull(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord("fill", 2, models.FreezeOnReached)
	mustInsert(t, s, rec)
	key := rec.Key()

	adm, err := s.AppendIfUnderCapacity(ctx, key, participant("u1", base), base)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeAdmitted, adm.Outcome)
	assert.False(t, adm.Froze)
	assert.Nil(t, adm.Record.FreezeUntil)

	now := base.Add(time.Second)
	adm, err = s.AppendIfUnderCapacity(ctx, key, participant("u2", now), now)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeAdmitted, adm.Outcome)
	assert.True(t, adm.Froze)
	require.NotNil(t, adm.Record.FreezeUntil)
	assert.True(t, adm.Record.FreezeUntil.Equal(now.Add(30*time.Second)))

	adm, err = s.AppendIfUnderCapacity(ctx, key, participant("u3", now), now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFrozen, adm.Outcome)
	assert.False(t, adm.Froze)

	got, members, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].UserID)
	assert.Equal(t, "u2", members[1].UserID)
	assert.Equal(t, int64(2), got.Version)
}

func testAppendDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord("dup", 5, models.FreezeOnReached)
	mustInsert(t, s, rec)

	first := participant("u1", base)
	_, err := s.AppendIfUnderCapacity(ctx, rec.Key(), first, base)
	require.NoError(t, err)

	adm, err := s.AppendIfUnderCapacity(ctx, rec.Key(), participant("u1", base), base)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeDuplicate, adm.Outcome)
	assert.Equal(t, first.Token, adm.Participant.Token)

	_, members, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func testAppendOverflowTrigger(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord("overflow", 1, models.FreezeOnOverflow)
	mustInsert(t, s, rec)

	adm, err := s.AppendIfUnderCapacity(ctx, rec.Key(), participant("u1", base), base)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeAdmitted, adm.Outcome)
	assert.False(t, adm.Froze)
	assert.Nil(t, adm.Record.FreezeUntil)

	now := base.Add(5 * time.Second)
	adm, err = s.AppendIfUnderCapacity(ctx, rec.Key(), participant("u2", now), now)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFull, adm.Outcome)
	assert.True(t, adm.Froze)
	require.NotNil(t, adm.Record.FreezeUntil)
	assert.True(t, adm.Record.FreezeUntil.Equal(now.Add(30*time.Second)))

	adm, err = s.AppendIfUnderCapacity(ctx, rec.Key(), participant("u3", now), now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFrozen, adm.Outcome)
}

func testAppendClearsLapsedFreeze(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord("lapsed", 2, models.FreezeOnReached)
	mustInsert(t, s, rec)
	key := rec.Key()

	_, err := s.AppendIfUnderCapacity(ctx, key, participant("u1", base), base)
	require.NoError(t, err)
	_, err = s.AppendIfUnderCapacity(ctx, key, participant("u2", base), base)
	require.NoError(t, err)
	frozen, members, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, frozen.FreezeUntil)
	_, err = s.Remove(ctx, key, members[0].Token)
	require.NoError(t, err)

	later := base.Add(31 * time.Second)
	adm, err := s.AppendIfUnderCapacity(ctx, key, participant("u3", later), later)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeAdmitted, adm.Outcome)
	assert.True(t, adm.Froze)
	require.NotNil(t, adm.Record.FreezeUntil)
	assert.True(t, adm.Record.FreezeUntil.Equal(later.Add(30*time.Second)))
}

func testAppendMissingQueue(t *testing.T, s store.Store) {
	_, err := s.AppendIfUnderCapacity(context.Background(), models.NewQueueKey("ghost", "org1"), participant("u1", base), base)
	assert.ErrorIs(t, err, status.ErrQueueNotFound)
}

func testCompareAndSwap(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord("cas", 2, models.FreezeOnReached)
	mustInsert(t, s, rec)

	fu := base.Add(time.Minute)
	next := rec.Clone()
	next.FreezeUntil = &fu
	require.NoError(t, s.CompareAndSwap(ctx, 0, next))

	got, _, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.FreezeUntil)
	assert.True(t, got.FreezeUntil.Equal(fu))

	next.FreezeUntil = nil
	assert.ErrorIs(t, s.CompareAndSwap(ctx, 0, next), status.ErrVersionConflict)

	require.NoError(t, s.CompareAndSwap(ctx, 1, next))
	got, _, err = s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Nil(t, got.FreezeUntil)
	assert.Equal(t, int64(2), got.Version)

	ghost := newRecord("ghost", 1, models.FreezeOnReached)
	assert.ErrorIs(t, s.CompareAndSwap(ctx, 0, ghost), status.ErrQueueNotFound)
}

func testRemove(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord("remove", 3, models.FreezeOnReached)
	mustInsert(t, s, rec)

	p := participant("u1", base)
	_, err := s.AppendIfUnderCapacity(ctx, rec.Key(), p, base)
	require.NoError(t, err)

	got, err := s.Remove(ctx, rec.Key(), p.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, p.Token, got.Token)

	_, err = s.Remove(ctx, rec.Key(), p.Token)
	assert.ErrorIs(t, err, status.ErrParticipantNotFound)

	_, err = s.Remove(ctx, models.NewQueueKey("ghost", "org1"), p.Token)
	assert.ErrorIs(t, err, status.ErrQueueNotFound)

	// the user may come back with a new token
	adm, err := s.AppendIfUnderCapacity(ctx, rec.Key(), participant("u1", base), base)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeAdmitted, adm.Outcome)
	assert.NotEqual(t, p.Token, adm.Participant.Token)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord("delete", 1, models.FreezeOnReached)
	mustInsert(t, s, rec)
	_, err := s.AppendIfUnderCapacity(ctx, rec.Key(), participant("u1", base), base)
	require.NoError(t, err)

	existed, err := s.Delete(ctx, rec.Key())
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, rec.Key())
	require.NoError(t, err)
	assert.False(t, existed)

	_, _, err = s.Get(ctx, rec.Key())
	assert.ErrorIs(t, err, status.ErrQueueNotFound)

	fresh, created, err := s.InsertIfAbsent(ctx, newRecord("delete", 1, models.FreezeOnReached))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, fresh.FreezeUntil)
	_, members, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Empty(t, members)
}

func testKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := newRecord("a", 1, models.FreezeOnReached)
	b := newRecord("b", 1, models.FreezeOnReached)
	b.OrgID = "org/2"
	mustInsert(t, s, a)
	mustInsert(t, s, b)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.QueueKey{a.Key(), b.Key()}, keys)
}

func testConcurrentAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	const capacity, callers = 5, 40
	rec := newRecord("race", capacity, models.FreezeOnReached)
	mustInsert(t, s, rec)

	var admitted, froze atomic.Int32
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := s.AppendIfUnderCapacity(ctx, rec.Key(), participant(fmt.Sprintf("user-%d", i), base), base)
			if !assert.NoError(t, err) {
				return
			}
			if adm.Outcome == store.OutcomeAdmitted {
				admitted.Add(1)
			}
			if adm.Froze {
				froze.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(capacity), admitted.Load())
	assert.Equal(t, int32(1), froze.Load())
	_, members, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Len(t, members, capacity)
}

func testConcurrentDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecord("same-user", 10, models.FreezeOnReached)
	mustInsert(t, s, rec)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := s.AppendIfUnderCapacity(ctx, rec.Key(), participant("u1", base), base)
			if assert.NoError(t, err) && adm.Outcome == store.OutcomeAdmitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	_, members, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Len(t, members, 1)
}
