package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-queue/internal/notify"
	"event-queue/internal/status"
	"event-queue/internal/store"
	"event-queue/internal/store/memory"
	redisstore "event-queue/internal/store/redis"
	"event-queue/internal/store/sqlite"
	"event-queue/models"
	"event-queue/monitoring"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Emit(evt notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingSink) Types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var storeFactories = map[string]func(t *testing.T) store.Store{
	"memory": func(t *testing.T) store.Store { return memory.New() },
	"sqlite": func(t *testing.T) store.Store {
		s, err := sqlite.Open(filepath.Join(t.TempDir(), "queue.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
	"redis": func(t *testing.T) store.Store {
		srv := miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return redisstore.New(client)
	},
}

func forEachStore(t *testing.T, fn func(t *testing.T, st store.Store)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newTestService(st store.Store, clk *fakeClock, opts ...Option) *QueueService {
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewQueueService(st, opts...)
}

func mustCreate(t *testing.T, svc *QueueService, cfg models.QueueConfig) *models.QueueRecord {
	t.Helper()
	rec, created, err := svc.CreateQueue(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

func TestQueueService_Scenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		clk := newFakeClock()
		svc := newTestService(st, clk)
		key := models.NewQueueKey("myEvent", "org1")

		mustCreate(t, svc, models.QueueConfig{EventID: "myEvent", OrgID: "org1", CapacityLimit: 2, FreezeDurationMs: 30000})

		res, err := svc.JoinQueue(ctx, key, "user1")
		require.NoError(t, err)
		assert.Equal(t, models.JoinStatusJoined, res.Status)
		assert.NotEmpty(t, res.Token)

		res, err = svc.JoinQueue(ctx, key, "user2")
		require.NoError(t, err)
		assert.Equal(t, models.JoinStatusJoined, res.Status)

		st1, err := svc.GetQueueStatus(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, st1.Record.FreezeUntil)
		assert.Equal(t, 30, st1.WaitTime)

		res, err = svc.JoinQueue(ctx, key, "user3")
		require.NoError(t, err)
		assert.Equal(t, &models.JoinResult{Status: models.JoinStatusWait, WaitTime: 30}, res)

		// frozen takes precedence over already-joined
		res, err = svc.JoinQueue(ctx, key, "user1")
		require.NoError(t, err)
		assert.Equal(t, models.JoinStatusWait, res.Status)

		clk.Advance(30 * time.Second)

		res, err = svc.JoinQueue(ctx, key, "user1")
		require.NoError(t, err)
		assert.Equal(t, &models.JoinResult{Status: models.JoinStatusAlready, UserID: "user1"}, res)

		res, err = svc.JoinQueue(ctx, key, "user3")
		require.NoError(t, err)
		assert.Equal(t, models.JoinStatusWait, res.Status)
		assert.Equal(t, 30, res.WaitTime)

		qs, err := svc.GetQueueStatus(ctx, key)
		require.NoError(t, err)
		assert.Len(t, qs.Members, 2)
		assert.Equal(t, "user1", qs.Members[0].UserID)
		assert.Equal(t, "user2", qs.Members[1].UserID)
	})
}

func TestQueueService_SeatFreedAfterCooldown(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		clk := newFakeClock()
		svc := newTestService(st, clk)
		key := models.NewQueueKey("myEvent", "org1")
		mustCreate(t, svc, models.QueueConfig{EventID: "myEvent", OrgID: "org1", CapacityLimit: 2, FreezeDurationMs: 30000})

		first, err := svc.JoinQueue(ctx, key, "user1")
		require.NoError(t, err)
		_, err = svc.JoinQueue(ctx, key, "user2")
		require.NoError(t, err)

		res, err := svc.JoinQueue(ctx, key, "user3")
		require.NoError(t, err)
		assert.Equal(t, models.JoinStatusWait, res.Status)

		// leaving does not lift the cooldown
		_, err = svc.LeaveQueue(ctx, key, first.Token)
		require.NoError(t, err)
		res, err = svc.JoinQueue(ctx, key, "user3")
		require.NoError(t, err)
		assert.Equal(t, models.JoinStatusWait, res.Status)

		clk.Advance(30 * time.Second)
		res, err = svc.JoinQueue(ctx, key, "user3")
		require.NoError(t, err)
		assert.Equal(t, models.JoinStatusJoined, res.Status)
	})
}

func TestQueueService_WaitTimeDecreases(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	svc := newTestService(memory.New(), clk)
	key := models.NewQueueKey("e", "o")
	mustCreate(t, svc, models.QueueConfig{EventID: "e", OrgID: "o", CapacityLimit: 1, FreezeDurationMs: 10000})

	_, err := svc.JoinQueue(ctx, key, "first")
	require.NoError(t, err)

	last := 10
	for i := range 20 {
		res, err := svc.JoinQueue(ctx, key, fmt.Sprintf("late-%d", i))
		require.NoError(t, err)
		require.Equal(t, models.JoinStatusWait, res.Status)
		assert.LessOrEqual(t, res.WaitTime, last)
		assert.Positive(t, res.WaitTime)
		last = res.WaitTime
		clk.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, 1, last)

	// the clock now sits exactly on the deadline
	qs, err := svc.GetQueueStatus(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, qs.WaitTime)
}

func TestQueueService_StatusNormalizesExpiredFreeze(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		clk := newFakeClock()
		svc := newTestService(st, clk)
		key := models.NewQueueKey("e", "o")
		mustCreate(t, svc, models.QueueConfig{EventID: "e", OrgID: "o", CapacityLimit: 1, FreezeDurationMs: 5000})

		_, err := svc.JoinQueue(ctx, key, "u1")
		require.NoError(t, err)

		qs, err := svc.GetQueueStatus(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 5, qs.WaitTime)

		clk.Advance(5 * time.Second)
		qs, err = svc.GetQueueStatus(ctx, key)
		require.NoError(t, err)
		assert.Zero(t, qs.WaitTime)
		assert.Nil(t, qs.Record.FreezeUntil)

		rec, _, err := st.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, rec.FreezeUntil)
	})
}

func TestQueueService_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		clk := newFakeClock()
		svc := newTestService(st, clk)
		key := models.NewQueueKey("rush", "org1")
		const capacity, users = 10, 60
		mustCreate(t, svc, models.QueueConfig{EventID: "rush", OrgID: "org1", CapacityLimit: capacity})

		var joined, waited atomic.Int32
		var wg sync.WaitGroup
		for i := range users {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := svc.JoinQueue(ctx, key, fmt.Sprintf("user-%d", i))
				if !assert.NoError(t, err) {
					return
				}
				switch res.Status {
				case models.JoinStatusJoined:
					joined.Add(1)
				case models.JoinStatusWait:
					waited.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(capacity), joined.Load())
		assert.Equal(t, int32(users-capacity), waited.Load())

		qs, err := svc.GetQueueStatus(ctx, key)
		require.NoError(t, err)
		assert.Len(t, qs.Members, capacity)
		assert.NotNil(t, qs.Record.FreezeUntil)
	})
}

func TestQueueService_ConcurrentSameUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := newTestService(st, newFakeClock())
		key := models.NewQueueKey("dup", "org1")
		mustCreate(t, svc, models.QueueConfig{EventID: "dup", OrgID: "org1", CapacityLimit: 5})

		var joined, already atomic.Int32
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := svc.JoinQueue(ctx, key, "same-user")
				if !assert.NoError(t, err) {
					return
				}
				switch res.Status {
				case models.JoinStatusJoined:
					joined.Add(1)
				case models.JoinStatusAlready:
					already.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), joined.Load())
		assert.Equal(t, int32(19), already.Load())
	})
}

func TestQueueService_OverflowTrigger(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	svc := newTestService(memory.New(), clk)
	key := models.NewQueueKey("late", "org1")
	mustCreate(t, svc, models.QueueConfig{
		EventID: "late", OrgID: "org1", CapacityLimit: 1, FreezeDurationMs: 30000,
		FreezeTrigger: models.FreezeOnOverflow,
	})

	res, err := svc.JoinQueue(ctx, key, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.JoinStatusJoined, res.Status)

	qs, err := svc.GetQueueStatus(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, qs.Record.FreezeUntil)

	clk.Advance(10 * time.Second)
	res, err = svc.JoinQueue(ctx, key, "u2")
	require.NoError(t, err)
	assert.Equal(t, &models.JoinResult{Status: models.JoinStatusWait, WaitTime: 30}, res)

	clk.Advance(1500 * time.Millisecond)
	res, err = svc.JoinQueue(ctx, key, "u3")
	require.NoError(t, err)
	assert.Equal(t, &models.JoinResult{Status: models.JoinStatusWait, WaitTime: 29}, res)
}

func TestQueueService_CreateQueue(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	svc := newTestService(memory.New(), clk)

	rec := mustCreate(t, svc, models.QueueConfig{EventID: "e", OrgID: "o"})
	assert.Equal(t, models.DefaultCapacityLimit, rec.CapacityLimit)
	assert.Equal(t, int64(models.DefaultFreezeDurationMs), rec.FreezeDurationMs)
	assert.Equal(t, models.FreezeOnReached, rec.FreezeTrigger)
	assert.True(t, rec.CreatedAt.Equal(clk.Now()))

	again, created, err := svc.CreateQueue(ctx, models.QueueConfig{EventID: "e", OrgID: "o", CapacityLimit: 7, Description: "other"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.DefaultCapacityLimit, again.CapacityLimit)
	assert.Empty(t, again.Description)
}

func TestQueueService_CreateQueueUsesServiceDefaults(t *testing.T) {
	svc := newTestService(memory.New(), newFakeClock(), WithDefaults(5, 2*time.Second, models.FreezeOnOverflow))

	rec := mustCreate(t, svc, models.QueueConfig{EventID: "e", OrgID: "o"})
	assert.Equal(t, 5, rec.CapacityLimit)
	assert.Equal(t, int64(2000), rec.FreezeDurationMs)
	assert.Equal(t, models.FreezeOnOverflow, rec.FreezeTrigger)
}

func TestQueueService_CreateQueueInvalid(t *testing.T) {
	svc := newTestService(memory.New(), newFakeClock())

	tests := []struct {
		name string
		cfg  models.QueueConfig
	}{
		{"missing event", models.QueueConfig{OrgID: "o"}},
		{"missing org", models.QueueConfig{EventID: "e"}},
		{"negative limit", models.QueueConfig{EventID: "e", OrgID: "o", CapacityLimit: -1}},
		{"negative freeze", models.QueueConfig{EventID: "e", OrgID: "o", FreezeDurationMs: -5}},
		{"unknown trigger", models.QueueConfig{EventID: "e", OrgID: "o", FreezeTrigger: "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.CreateQueue(context.Background(), tt.cfg)
			assert.ErrorIs(t, err, status.ErrInvalidConfig)
		})
	}
}

func TestQueueService_MissingQueue(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(memory.New(), newFakeClock())
	key := models.NewQueueKey("ghost", "org1")

	_, err := svc.JoinQueue(ctx, key, "u1")
	assert.ErrorIs(t, err, status.ErrQueueNotFound)

	_, err = svc.GetQueueStatus(ctx, key)
	assert.ErrorIs(t, err, status.ErrQueueNotFound)

	_, err = svc.LeaveQueue(ctx, key, "token")
	assert.ErrorIs(t, err, status.ErrQueueNotFound)

	existed, err := svc.ResetQueue(ctx, key)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestQueueService_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(memory.New(), newFakeClock())
	key := models.NewQueueKey("e", "o")

	_, err := svc.JoinQueue(ctx, key, "")
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = svc.LeaveQueue(ctx, key, "")
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestQueueService_LeaveQueue(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(memory.New(), newFakeClock())
	key := models.NewQueueKey("e", "o")
	mustCreate(t, svc, models.QueueConfig{EventID: "e", OrgID: "o", CapacityLimit: 3})

	res, err := svc.JoinQueue(ctx, key, "u1")
	require.NoError(t, err)

	p, err := svc.LeaveQueue(ctx, key, res.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)

	_, err = svc.LeaveQueue(ctx, key, res.Token)
	assert.ErrorIs(t, err, status.ErrParticipantNotFound)

	again, err := svc.JoinQueue(ctx, key, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.JoinStatusJoined, again.Status)
	assert.NotEqual(t, res.Token, again.Token)
}

func TestQueueService_ResetThenCreate(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := newTestService(st, newFakeClock())
		key := models.NewQueueKey("e", "o")
		cfg := models.QueueConfig{EventID: "e", OrgID: "o", CapacityLimit: 1}
		mustCreate(t, svc, cfg)

		_, err := svc.JoinQueue(ctx, key, "u1")
		require.NoError(t, err)

		existed, err := svc.ResetQueue(ctx, key)
		require.NoError(t, err)
		assert.True(t, existed)

		_, err = svc.GetQueueStatus(ctx, key)
		assert.ErrorIs(t, err, status.ErrQueueNotFound)

		mustCreate(t, svc, cfg)
		qs, err := svc.GetQueueStatus(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, qs.Members)
		assert.Nil(t, qs.Record.FreezeUntil)
		assert.Zero(t, qs.WaitTime)
	})
}

func TestQueueService_QueuesAreIndependent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(memory.New(), newFakeClock())
	a := models.NewQueueKey("e", "org1")
	b := models.NewQueueKey("e", "org2")
	mustCreate(t, svc, models.QueueConfig{EventID: "e", OrgID: "org1", CapacityLimit: 1})
	mustCreate(t, svc, models.QueueConfig{EventID: "e", OrgID: "org2", CapacityLimit: 1})

	res, err := svc.JoinQueue(ctx, a, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.JoinStatusJoined, res.Status)

	res, err = svc.JoinQueue(ctx, b, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.JoinStatusJoined, res.Status)
}

func TestQueueService_EmitsEvents(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	svc := newTestService(memory.New(), newFakeClock(),
		WithSink(sink),
		WithMonitor(monitoring.NewMonitor(nil, 0, nil)),
		WithTokenGenerator(func() string { return "tok" }),
	)
	key := models.NewQueueKey("events", "org1")
	mustCreate(t, svc, models.QueueConfig{EventID: "events", OrgID: "org1", CapacityLimit: 1})

	res, err := svc.JoinQueue(ctx, key, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok", res.Token)

	_, err = svc.JoinQueue(ctx, key, "u2")
	require.NoError(t, err)

	_, err = svc.LeaveQueue(ctx, key, "tok")
	require.NoError(t, err)

	_, err = svc.ResetQueue(ctx, key)
	require.NoError(t, err)

	assert.Equal(t, []notify.EventType{
		notify.EventCreated,
		notify.EventJoined,
		notify.EventFrozen,
		notify.EventLeft,
		notify.EventReset,
	}, sink.Types())
}

func TestQueueService_FullQueueEmitsOneFreeze(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	svc := newTestService(memory.New(), newFakeClock(), WithSink(sink))
	key := models.NewQueueKey("e", "o")
	mustCreate(t, svc, models.QueueConfig{EventID: "e", OrgID: "o", CapacityLimit: 3, FreezeTrigger: models.FreezeOnOverflow})

	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.JoinQueue(ctx, key, fmt.Sprintf("u%d", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	frozen := 0
	for _, typ := range sink.Types() {
		if typ == notify.EventFrozen {
			frozen++
		}
	}
	assert.Equal(t, 1, frozen)
}
