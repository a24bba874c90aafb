package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	backend "github.com/redis/go-redis/v9"

	"clawtrust/logger"
)

// CachedRegistry fronts another Registry with Redis. Only Resolve is cached;
// List always reads through so panel selection sees current stakes.
type CachedRegistry struct {
	inner  Registry
	client *backend.Client
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

func NewCachedRegistry(inner Registry, client *backend.Client, ttl time.Duration) *CachedRegistry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedRegistry{
		inner:  inner,
		client: client,
		prefix: "clawtrust:agent:",
		ttl:    ttl,
		log:    logger.Named("identity"),
	}
}

func (c *CachedRegistry) key(id string) string {
	return c.prefix + id
}

func (c *CachedRegistry) Resolve(ctx context.Context, id string) (Agent, error) {
	val, err := c.client.Get(ctx, c.key(id)).Result()
	switch {
	case err == nil:
		var a Agent
		if err := json.Unmarshal([]byte(val), &a); err == nil {
			return a, nil
		}
		c.log.Warn("discarding corrupt agent cache entry", "agent_id", id)
	case !errors.Is(err, backend.Nil):
		c.log.Warn("agent cache read failed", "agent_id", id, "error", err)
	}

	a, err := c.inner.Resolve(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if data, err := json.Marshal(a); err == nil {
		if err := c.client.Set(ctx, c.key(id), data, c.ttl).Err(); err != nil {
			c.log.Warn("agent cache write failed", "agent_id", id, "error", err)
		}
	}
	return a, nil
}

func (c *CachedRegistry) List(ctx context.Context) ([]Agent, error) {
	return c.inner.List(ctx)
}

// Invalidate drops the cached snapshot for id.
func (c *CachedRegistry) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}
