package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ewsdispatch/internal/config"
	"ewsdispatch/internal/logger"
)

type RedisConnector struct {
	Config config.RedisConfig
	Logger logger.Logger
}

func NewRedisConnector(cfg config.RedisConfig, log logger.Logger) *RedisConnector {
	return &RedisConnector{
		Config: cfg,
		Logger: log,
	}
}

func (rc *RedisConnector) Connect(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", rc.Config.Host, rc.Config.Port),
		Password: rc.Config.Password,
		DB:       rc.Config.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	rc.Logger.Infow("Redis connected successfully", "addr", rdb.Options().Addr, "db", rc.Config.DB)
	return rdb, nil
}

func (rc *RedisConnector) Close(client *redis.Client) []error {
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return []error{fmt.Errorf("redis close error: %w", err)}
	}
	return nil
}
