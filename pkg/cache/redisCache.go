package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zoff-tech/go-courier/pkg/config"
)

const keyPrefix = "courier:correlation:"

// RedisCache stores correlations in Redis under a configurable TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache builds the configured correlation cache. With Redis disabled a
// no-op cache is returned.
func NewCache(ctx context.Context, cfg *config.RedisSettings) (CorrelationCache, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 48 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Put(ctx context.Context, providerMessageID string, corr Correlation) error {
	payload, err := json.Marshal(corr)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+providerMessageID, payload, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, providerMessageID string) (*Correlation, error) {
	payload, err := c.client.Get(ctx, keyPrefix+providerMessageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var corr Correlation
	if err := json.Unmarshal(payload, &corr); err != nil {
		return nil, err
	}
	return &corr, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
