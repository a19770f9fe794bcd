package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

// Config configures the Redis response cache
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// Cache stores JSON-encoded API responses in Redis. A nil *Cache is a
// valid, always-missing cache.
type Cache struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// New creates a Cache and checks the connection
func New(ctx context.Context, cfg Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address not configured")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "census-climate:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info(ctx, "[CACHE_CONNECTED] Redis cache ready", logging.Fields{
		"addr": cfg.Addr,
		"db":   cfg.DB,
		"ttl":  cfg.TTL.String(),
	})

	return &Cache{
		client:  client,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		logger:  logger,
		metrics: metricsCollector,
	}, nil
}

// Key joins parts into a cache key under the cache prefix
func (c *Cache) Key(parts ...string) string {
	prefix := ""
	if c != nil {
		prefix = c.prefix
	}
	key := prefix
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

// GetJSON decodes the cached value for key into dest. The boolean is false
// on a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	if c == nil {
		return false, nil
	}

	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordCache("miss")
		return false, nil
	}
	if err != nil {
		c.metrics.RecordCache("error")
		return false, fmt.Errorf("failed to read cache: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.metrics.RecordCache("error")
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}

	c.metrics.RecordCache("hit")
	return true, nil
}

// SetJSON stores v under key with the configured TTL
func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}) error {
	if c == nil {
		return nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.metrics.RecordCache("error")
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Invalidate deletes every key under the cache prefix
func (c *Cache) Invalidate(ctx context.Context) error {
	if c == nil {
		return nil
	}

	var deleted int64
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := c.client.Del(ctx, batch...).Result()
			if err != nil {
				return fmt.Errorf("failed to delete cache keys: %w", err)
			}
			deleted += n
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(batch) > 0 {
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
		deleted += n
	}

	c.logger.Info(ctx, "[CACHE_INVALIDATED] Cached responses cleared", logging.Fields{
		"deleted": deleted,
	})
	return nil
}

// Close releases the Redis connection
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
