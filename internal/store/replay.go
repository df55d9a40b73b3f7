package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"
)

// ReplayGuard remembers signed payloads it has let through. Entries live for
// ttl, which must cover the whole window a timestamp is accepted in.
type ReplayGuard struct {
	cache *Cache
	ttl   time.Duration
}

func NewReplayGuard(cache *Cache, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{cache: cache, ttl: ttl}
}

// Claim records digest for principal and reports false if it was already there.
func (g *ReplayGuard) Claim(ctx context.Context, principal string, digest []byte) (bool, error) {
	key := fmt.Sprintf("%s:%s:%s", KeyAuthSeen, principal, hex.EncodeToString(digest))
	fresh, err := g.cache.kvStore.SetNX(ctx, key, []byte{1}, g.ttl)
	if err != nil {
		return false, fmt.Errorf("record signed payload: %w", err)
	}
	return fresh, nil
}
