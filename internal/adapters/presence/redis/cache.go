package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeKeyPrefix = "relay:presence:"

	// activeTTL guards against stale ACTIVE flags if the relay dies without
	// cleaning up; heartbeats refresh the key well within it.
	activeTTL = 2 * time.Minute
)

// Cache mirrors transient agent liveness into redis. The hub's in-memory
// groups stay authoritative for routing; this exists so REST listings can
// overlay live status cheaply.
type Cache struct {
	client *redis.Client
}

func NewCache(url string) (*Cache, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return &Cache{client: client}, client, nil
}

func (c *Cache) MarkActive(ctx context.Context, agentID string) error {
	return c.client.Set(ctx, activeKeyPrefix+agentID, "1", activeTTL).Err()
}

func (c *Cache) MarkOffline(ctx context.Context, agentID string) error {
	return c.client.Del(ctx, activeKeyPrefix+agentID).Err()
}

func (c *Cache) ActiveAgents(ctx context.Context, agentIDs []string) (map[string]bool, error) {
	if len(agentIDs) == 0 {
		return map[string]bool{}, nil
	}
	keys := make([]string, len(agentIDs))
	for i, id := range agentIDs {
		keys[i] = activeKeyPrefix + id
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(agentIDs))
	for i, v := range values {
		active[agentIDs[i]] = v != nil
	}
	return active, nil
}
