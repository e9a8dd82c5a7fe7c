package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-queue/config"
	"event-queue/internal/notify"
	"event-queue/internal/store/memory"
	redisstore "event-queue/internal/store/redis"
	"event-queue/internal/store/sqlite"
	"event-queue/models"
)

var discard = slog.New(slog.DiscardHandler)

func TestRunDemo(t *testing.T) {
	var out bytes.Buffer
	cfg := config.Default()

	err := runDemo(context.Background(), &out, cfg, discard, models.QueueConfig{
		EventID: "myEvent", OrgID: "org1", CapacityLimit: 2, Description: "Test Event",
	}, []string{"user1", "user2", "user3"})
	require.NoError(t, err)

	dec := json.NewDecoder(&out)
	var results []models.JoinResult
	for range 3 {
		var r models.JoinResult
		require.NoError(t, dec.Decode(&r))
		results = append(results, r)
	}
	assert.Equal(t, models.JoinStatusJoined, results[0].Status)
	assert.Equal(t, models.JoinStatusJoined, results[1].Status)
	assert.Equal(t, models.JoinStatusWait, results[2].Status)
	assert.Equal(t, 30, results[2].WaitTime)

	var status models.QueueStatus
	require.NoError(t, dec.Decode(&status))
	assert.Len(t, status.Members, 2)
	assert.Equal(t, "Test Event", status.Record.Description)
}

func TestOpenStore(t *testing.T) {
	cfg := config.Default()
	st, err := openStore(cfg, nil, discard)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)

	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "q.sqlite")
	st, err = openStore(cfg, nil, discard)
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, st)
	require.NoError(t, st.Close())

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	cfg.Store = config.StoreRedis
	st, err = openStore(cfg, client, discard)
	require.NoError(t, err)
	assert.IsType(t, &redisstore.Store{}, st)
	require.NoError(t, st.Close())
	require.NoError(t, client.Ping(context.Background()).Err())

	cfg.Store = "etcd"
	_, err = openStore(cfg, nil, discard)
	assert.Error(t, err)
}

func TestBuildSinkWithoutRemotes(t *testing.T) {
	cfg := config.Default()
	bus := notify.NewBus(4, discard)
	defer bus.Close()

	sink, pools := buildSink(cfg, bus, nil, discard)
	assert.Empty(t, pools)

	_, events := bus.Subscribe()
	sink.Emit(notify.NewEvent(notify.EventCreated, models.NewQueueKey("e", "o"), nil, time.Now()))
	evt := <-events
	assert.Equal(t, notify.EventCreated, evt.Type)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := rootCommand()
	names := []string{}
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "demo"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}
