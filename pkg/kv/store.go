package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or field is not found
var ErrNotFound = errors.New("not found")

// ErrBackendUnavailable is returned when the backend storage is unavailable
var ErrBackendUnavailable = errors.New("backend unavailable")

// Store is the subset of Redis semantics the farming service relies on:
// plain values for the cache, hashes for ledger balances and capped lists for
// recent event feeds.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	HSet(ctx context.Context, key string, field string, value []byte) error
	// HMSet writes every field in one step; readers never observe a partial write.
	HMSet(ctx context.Context, key string, fields map[string][]byte) error
	HGet(ctx context.Context, key string, field string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)

	LPush(ctx context.Context, key string, values ...[]byte) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	Ping(ctx context.Context) error
	Close() error
}
