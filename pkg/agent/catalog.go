package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CatalogSource fetches the agent catalog from the service.
type CatalogSource interface {
	Agents(ctx context.Context) (json.RawMessage, error)
}

// CatalogCache keeps the agent catalog in Redis for a fixed TTL.
// Cache failures fall through to the source.
type CatalogCache struct {
	source CatalogSource
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewCatalogCache(source CatalogSource, client redis.UniversalClient, key string, ttl time.Duration) *CatalogCache {
	if key == "" {
		key = "farmsmart:agents"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CatalogCache{source: source, client: client, key: key, ttl: ttl}
}

// Agents returns the cached catalog, refreshing it on a miss.
func (c *CatalogCache) Agents(ctx context.Context) (json.RawMessage, error) {
	if c.client != nil {
		cached, err := c.client.Get(ctx, c.key).Bytes()
		switch {
		case err == nil && json.Valid(cached):
			return json.RawMessage(cached), nil
		case err != nil && !errors.Is(err, redis.Nil):
			slog.Warn("agent catalog cache read failed", "err", err)
		}
	}
	fresh, err := c.source.Agents(ctx)
	if err != nil {
		return nil, err
	}
	if c.client != nil {
		if err := c.client.Set(ctx, c.key, []byte(fresh), c.ttl).Err(); err != nil {
			slog.Warn("agent catalog cache write failed", "err", err)
		}
	}
	return fresh, nil
}
