package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"event-queue/config"
	"event-queue/models"
	"event-queue/services"
	"event-queue/utils"
)

func demoCommand() *cobra.Command {
	var (
		eventID  string
		orgID    string
		capacity int
		users    []string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Create a queue, join a few users and print every result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := commonRun()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), cfg, logger, models.QueueConfig{
				EventID:       eventID,
				OrgID:         orgID,
				CapacityLimit: capacity,
				Description:   "Test Event",
			}, users)
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "myEvent", "event id")
	cmd.Flags().StringVar(&orgID, "org", "org1", "organization id")
	cmd.Flags().IntVar(&capacity, "limit", 2, "queue capacity")
	cmd.Flags().StringSliceVar(&users, "users", []string{"user1", "user2", "user3"}, "users joining in order")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger, qc models.QueueConfig, users []string) error {
	var redisClient redis.UniversalClient
	if cfg.Store == config.StoreRedis {
		c, err := utils.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPoolSize)
		if err != nil {
			return err
		}
		defer c.Close()
		redisClient = c
	}

	st, err := openStore(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := services.NewQueueService(st,
		services.WithLogger(logger),
		services.WithDefaults(cfg.DefaultCapacity, cfg.FreezeDuration, models.FreezeTrigger(cfg.FreezeTrigger)),
	)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if _, _, err := svc.CreateQueue(ctx, qc); err != nil {
		return err
	}
	key := qc.Key()
	for _, u := range users {
		res, err := svc.JoinQueue(ctx, key, u)
		if err != nil {
			return fmt.Errorf("join %s: %w", u, err)
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}

	status, err := svc.GetQueueStatus(ctx, key)
	if err != nil {
		return err
	}
	return enc.Encode(status)
}
