package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v5"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"event-queue/config"
	"event-queue/handlers"
	"event-queue/internal/freeze"
	"event-queue/internal/notify"
	"event-queue/internal/store"
	"event-queue/internal/store/memory"
	redisstore "event-queue/internal/store/redis"
	"event-queue/internal/store/sqlite"
	"event-queue/models"
	"event-queue/monitoring"
	"event-queue/security"
	"event-queue/services"
	"event-queue/utils"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP admission service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := commonRun()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func openStore(cfg *config.Config, redisClient redis.UniversalClient, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return redisstore.New(redisClient, redisstore.WithLogger(logger)), nil
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreMemory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// buildSink fans events out to the in-process bus and, when configured, to
// PubNub and redis pub/sub. Network sinks run behind an Async pool.
func buildSink(cfg *config.Config, bus *notify.Bus, redisClient redis.UniversalClient, logger *slog.Logger) (notify.Sink, []*notify.Async) {
	var (
		remote []notify.Sink
		pools  []*notify.Async
	)
	if cfg.PubNubEnabled() {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		remote = append(remote, notify.NewPubNubSink(pubnub.NewPubNub(pnConfig), cfg.PubNubChannel, logger))
	}
	if redisClient != nil {
		remote = append(remote, notify.NewRedisSink(redisClient, logger))
	}
	for _, s := range remote {
		pools = append(pools, notify.NewAsync(s, cfg.EventBuffer, cfg.EventWorkers, logger))
	}

	sinks := []notify.Sink{bus}
	for _, p := range pools {
		sinks = append(sinks, p)
	}
	return notify.Multi(sinks...), pools
}

func logEvents(events <-chan notify.Event, logger *slog.Logger) {
	for evt := range events {
		logger.Debug("queue event",
			"type", evt.Type,
			"event_id", evt.Queue.EventID,
			"org_id", evt.Queue.OrgID,
		)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var redisClient *redis.Client
	if cfg.Store == config.StoreRedis {
		var err error
		redisClient, err = utils.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPoolSize)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	st, err := openStore(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var monitor *monitoring.Monitor
	if cfg.CircuitBreaker {
		cb := utils.NewCircuitBreakerWithSettings("queue-store", utils.BreakerSettings{
			IsSuccessful: store.BackendHealthy,
			OnStateChange: func(name string, from, to utils.State) {
				logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
				monitor.SetBreakerState(int(to))
			},
		})
		st = store.WithBreaker(st, cb)
	}

	if cfg.EnableMetrics {
		monitor = monitoring.NewMonitor(st, cfg.MetricsInterval, logger)
		monitor.Start()
		defer monitor.Stop()
	}

	bus := notify.NewBus(notify.DefaultSubscriberBuffer, logger)
	defer bus.Close()
	_, events := bus.Subscribe()
	go logEvents(events, logger)

	var sinkClient redis.UniversalClient
	if redisClient != nil {
		sinkClient = redisClient
	}
	sink, pools := buildSink(cfg, bus, sinkClient, logger)
	defer func() {
		for _, p := range pools {
			p.Close()
		}
	}()

	sweeper := freeze.NewSweeper(st, cfg.SweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	svc := services.NewQueueService(st,
		services.WithSink(sink),
		services.WithMonitor(monitor),
		services.WithLogger(logger),
		services.WithDefaults(cfg.DefaultCapacity, cfg.FreezeDuration, models.FreezeTrigger(cfg.FreezeTrigger)),
	)

	routes := handlers.RouterConfig{
		Queue:  handlers.NewQueueHandler(svc, logger),
		Logger: logger,
	}
	if cfg.AdminToken != "" {
		routes.Admin = handlers.NewAdminHandler(svc, cfg.AdminToken, logger)
	}
	if cfg.EnableMetrics {
		routes.Metrics = monitoring.Handler()
	}
	if redisClient != nil && cfg.JoinRateLimit > 0 {
		rl := security.NewRateLimiter(redisClient, cfg.JoinRateLimit, logger)
		routes.QueueMiddleware = []echo.MiddlewareFunc{rl.AntiBotMiddleware()}
		routes.JoinMiddleware = []echo.MiddlewareFunc{rl.QueueRateLimit()}
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort("", cfg.Port),
		Handler: handlers.NewRouter(routes),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr, "store", cfg.Store, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, cleaning up")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
