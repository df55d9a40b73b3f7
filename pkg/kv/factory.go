package kv

import (
	"context"
	"fmt"
	"time"
)

// Backend represents the storage backend type
type Backend string

const (
	// BackendMemory uses the in-memory store
	BackendMemory Backend = "memory"
	// BackendRedis uses Redis as the backend
	BackendRedis Backend = "redis"
)

// Config holds configuration for creating a Store instance
type Config struct {
	Backend Backend

	// RedisURL is the connection string for Redis (required when Backend is "redis")
	// Format: redis://localhost:6379/0 or a bare host:port
	RedisURL string

	// JanitorInterval controls how often the in-memory store cleans up expired keys.
	// Default: 30 seconds
	JanitorInterval time.Duration

	// StartupProbeTimeout bounds the initial Redis ping. Default: 1 second
	StartupProbeTimeout time.Duration
}

// StoreFactory defines a function that creates a Store instance
type StoreFactory func(cfg Config) (Store, error)

var factories = make(map[Backend]StoreFactory)

// RegisterBackend registers a store factory for a given backend
func RegisterBackend(backend Backend, factory StoreFactory) {
	factories[backend] = factory
}

// NewStoreFromConfig creates a new Store instance based on the provided configuration.
// Ledger balances live in this store, so an unreachable Redis is an error rather
// than a silent switch to process memory.
func NewStoreFromConfig(cfg Config) (Store, error) {
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	if cfg.StartupProbeTimeout == 0 {
		cfg.StartupProbeTimeout = 1 * time.Second
	}

	factory, exists := factories[cfg.Backend]
	if !exists {
		return nil, fmt.Errorf("unsupported or unregistered backend: %q (supported: %s, %s)",
			cfg.Backend, BackendMemory, BackendRedis)
	}

	if cfg.Backend == BackendRedis && cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required when backend is 'redis'")
	}

	store, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s store: %w", cfg.Backend, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupProbeTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("%s store health check: %w", cfg.Backend, err)
	}
	return store, nil
}
