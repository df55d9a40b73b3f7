package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/leafsii/leafsii-farming/internal/metrics"
	"github.com/leafsii/leafsii-farming/pkg/kv"
	rediskv "github.com/leafsii/leafsii-farming/pkg/kv/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores JSON values in the kv store and carries pub/sub. Pub/sub goes
// through Redis when the kv store is Redis-backed and stays in process otherwise.
type Cache struct {
	kvStore kv.Store
	// client is set only for a Redis-backed kv store
	client    *redis.Client
	pubsubHub *PubSubHub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCache(kvStore kv.Store, logger *zap.SugaredLogger, metrics *metrics.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Cache{
		kvStore: kvStore,
		logger:  logger,
		metrics: metrics,
	}
	if rs, ok := kvStore.(*rediskv.Store); ok {
		c.client = rs.Client()
	} else {
		c.pubsubHub = NewPubSubHub()
		logger.Infow("Using in-process pub/sub")
	}
	return c
}

const (
	KeyRecentEvents = "farm:events:recent"
	KeyAuthSeen     = "farm:auth:seen"
)

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.kvStore.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			if c.metrics != nil {
				c.metrics.RecordCacheMiss(ctx, key)
			}
			return ErrCacheMiss
		}
		c.logger.Errorw("Cache get error", "key", key, "error", err)
		return fmt.Errorf("cache get error: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit(ctx, key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if err := c.kvStore.Set(ctx, key, data, ttl); err != nil {
		c.logger.Errorw("Cache set error", "key", key, "error", err)
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := c.kvStore.Del(ctx, keys...); err != nil {
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.kvStore.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache exists error: %w", err)
	}
	return count > 0, nil
}

// PushRecent prepends value to the list at key and keeps at most max entries.
func (c *Cache) PushRecent(ctx context.Context, key string, value interface{}, max int64) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if _, err := c.kvStore.LPush(ctx, key, data); err != nil {
		return fmt.Errorf("cache push error: %w", err)
	}
	if err := c.kvStore.LTrim(ctx, key, 0, max-1); err != nil {
		return fmt.Errorf("cache trim error: %w", err)
	}
	return nil
}

// Recent returns up to n raw JSON entries from the list at key, newest first.
func (c *Cache) Recent(ctx context.Context, key string, n int64) ([]json.RawMessage, error) {
	items, err := c.kvStore.LRange(ctx, key, 0, n-1)
	if errors.Is(err, kv.ErrNotFound) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache range error: %w", err)
	}
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = json.RawMessage(item)
	}
	return out, nil
}

func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			c.logger.Errorw("Publish error", "channel", channel, "error", err)
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	c.pubsubHub.Publish(channel, string(data))
	c.logger.Debugw("Published to in-process pubsub", "channel", channel)
	return nil
}

func (c *Cache) Subscribe(ctx context.Context, channels ...string) Subscription {
	if c.client != nil {
		return newRedisSubscription(ctx, c.client.Subscribe(ctx, channels...))
	}
	return c.pubsubHub.Subscribe(ctx, channels...)
}

// IsInMemoryMode reports whether pub/sub stays in process.
func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.kvStore.Ping(ctx)
}

// Close does not close the kv store; its owner does.
func (c *Cache) Close() error {
	return nil
}

var (
	ErrCacheMiss = fmt.Errorf("cache miss")
)
