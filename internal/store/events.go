package store

import (
	"context"
	"encoding/json"
)

// EventPublisher publishes engine events and keeps the latest ones in a
// capped list for the recent-activity endpoint.
type EventPublisher struct {
	cache *Cache
	keep  int64
}

func NewEventPublisher(cache *Cache, keep int64) *EventPublisher {
	if keep <= 0 {
		keep = 100
	}
	return &EventPublisher{cache: cache, keep: keep}
}

func (p *EventPublisher) Publish(ctx context.Context, channel string, message interface{}) error {
	if err := p.cache.PushRecent(ctx, KeyRecentEvents, message, p.keep); err != nil {
		p.cache.logger.Warnw("Failed to record recent event", "channel", channel, "error", err)
	}
	return p.cache.Publish(ctx, channel, message)
}

func (p *EventPublisher) Recent(ctx context.Context, n int64) ([]json.RawMessage, error) {
	if n <= 0 || n > p.keep {
		n = p.keep
	}
	return p.cache.Recent(ctx, KeyRecentEvents, n)
}
