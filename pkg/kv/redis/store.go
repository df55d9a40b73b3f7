package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/leafsii/leafsii-farming/pkg/kv"
	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed implementation of the kv.Store interface
type Store struct {
	client *redis.Client
}

var connectionErrorHints = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"timeout",
	"connection closed",
	"EOF",
}

// IsConnectionError reports whether err means Redis itself is unreachable,
// as opposed to a missing key or a cancelled request.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ETIMEDOUT:
			return true
		}
	}

	msg := err.Error()
	for _, hint := range connectionErrorHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return kv.ErrNotFound
	}
	if IsConnectionError(err) {
		return fmt.Errorf("%w: %v", kv.ErrBackendUnavailable, err)
	}
	return err
}

// New creates a new Redis-backed store. redisURL may be a redis:// URL or a
// bare host:port.
func New(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		if strings.Contains(redisURL, "://") {
			return nil, err
		}
		opt = &redis.Options{Addr: redisURL}
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, wrap(err)
	}

	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client, sharing its connection pool.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying client for pub/sub, which kv.Store does not cover.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	var expiration time.Duration
	if len(ttl) > 0 {
		expiration = ttl[0]
	}
	return wrap(s.client.Set(ctx, key, value, expiration).Err())
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap(err)
	}
	return ok, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, wrap(err)
	}
	return result, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	return n, wrap(err)
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Exists(ctx, keys...).Result()
	return n, wrap(err)
}

// Hash operations

func (s *Store) HSet(ctx context.Context, key string, field string, value []byte) error {
	return wrap(s.client.HSet(ctx, key, field, value).Err())
}

// HMSet issues a single multi-field HSET, which Redis applies atomically.
func (s *Store) HMSet(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		values = append(values, field, value)
	}
	return wrap(s.client.HSet(ctx, key, values...).Err())
}

func (s *Store) HGet(ctx context.Context, key string, field string) ([]byte, error) {
	result, err := s.client.HGet(ctx, key, field).Bytes()
	if err != nil {
		return nil, wrap(err)
	}
	return result, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	result, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	if len(result) == 0 {
		return nil, kv.ErrNotFound
	}

	out := make(map[string][]byte, len(result))
	for field, value := range result {
		out[field] = []byte(value)
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := s.client.HDel(ctx, key, fields...).Result()
	return n, wrap(err)
}

// List operations

func (s *Store) LPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	args := make([]interface{}, len(values))
	for i, value := range values {
		args[i] = value
	}
	n, err := s.client.LPush(ctx, key, args...).Result()
	return n, wrap(err)
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap(s.client.LTrim(ctx, key, start, stop).Err())
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	result, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap(err)
	}
	if len(result) == 0 {
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, wrap(err)
		}
		if exists == 0 {
			return nil, kv.ErrNotFound
		}
	}

	values := make([][]byte, len(result))
	for i, value := range result {
		values[i] = []byte(value)
	}
	return values, nil
}

// Ping checks if Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return wrap(s.client.Ping(ctx).Err())
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}
