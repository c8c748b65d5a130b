package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ragdesk_back/config"
)

// ErrDisabled is returned when no redis address is configured.
var ErrDisabled = errors.New("cache: redis is not configured")

var (
	redisOnce   sync.Once
	redisClient *redis.Client
	redisErr    error
)

// GetRedisClient returns the process wide redis client, connecting on the
// first call. Later calls return the first result whatever cfg they pass.
func GetRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	redisOnce.Do(func() {
		redisClient, redisErr = connect(cfg)
	})
	return redisClient, redisErr
}

func connect(cfg config.RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, ErrDisabled
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis %s failed: %w", addr, err)
	}
	return client, nil
}

// Close releases the shared redis connection.
func Close() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}
