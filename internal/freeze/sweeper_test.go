package freeze_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"event-queue/internal/freeze"
	"event-queue/internal/store/memory"
	"event-queue/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func seed(t *testing.T, st *memory.Store, eventID string, freezeUntil *time.Time) models.QueueKey {
	t.Helper()
	rec := record(freezeUntil)
	rec.EventID = eventID
	_, _, err := st.InsertIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	return rec.Key()
}

func TestSweepClearsOnlyLapsedFreezes(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	wall := time.Now()
	lapsed := seed(t, st, "lapsed", ptr(wall.Add(-time.Minute)))
	active := seed(t, st, "active", ptr(wall.Add(time.Hour)))
	seed(t, st, "open", nil)

	sw := freeze.NewSweeper(st, time.Minute, slog.New(slog.DiscardHandler))
	cleared, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	rec, _, err := st.Get(ctx, lapsed)
	require.NoError(t, err)
	assert.Nil(t, rec.FreezeUntil)

	rec, _, err = st.Get(ctx, active)
	require.NoError(t, err)
	assert.NotNil(t, rec.FreezeUntil)

	cleared, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, cleared)
}

func TestSweeperLoop(t *testing.T) {
	st := memory.New()
	key := seed(t, st, "loop", ptr(time.Now().Add(-time.Minute)))

	sw := freeze.NewSweeper(st, 10*time.Millisecond, slog.New(slog.DiscardHandler))
	sw.Start()
	defer sw.Stop()

	assert.Eventually(t, func() bool {
		rec, _, err := st.Get(context.Background(), key)
		return err == nil && rec.FreezeUntil == nil
	}, time.Second, 10*time.Millisecond)
}

func TestSweeperDisabled(t *testing.T) {
	sw := freeze.NewSweeper(memory.New(), 0, nil)
	sw.Start()
	sw.Stop()
	sw.Stop()
}
