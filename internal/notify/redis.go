package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"event-queue/models"
)

const defaultPublishTimeout = 2 * time.Second

// RedisChannel is the pub/sub channel events of key are published on.
func RedisChannel(key models.QueueKey) string {
	return "queue:events:" + key.String()
}

// RedisSink publishes events as JSON on redis pub/sub, one channel per queue.
type RedisSink struct {
	client  redis.UniversalClient
	timeout time.Duration
	logger  *slog.Logger
}

func NewRedisSink(client redis.UniversalClient, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{client: client, timeout: defaultPublishTimeout, logger: logger}
}

func (s *RedisSink) Emit(evt Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("notify: encode event", "type", evt.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Publish(ctx, RedisChannel(evt.Queue), raw).Err(); err != nil {
		s.logger.Warn("notify: redis publish failed", "type", evt.Type, "queue", evt.Queue.String(), "error", err)
	}
}
