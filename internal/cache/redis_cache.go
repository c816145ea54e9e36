package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"

	"snackkiosk/backend/internal/domain"
)

// Redis calls sit on the feed request path; a slow server must fall back to
// the repository quickly rather than stall the response.
const (
	redisDialTimeout = 2 * time.Second
	redisIOTimeout   = 500 * time.Millisecond
)

// RedisFeedCache keeps the rendered feed catalog in Redis so instances behind
// a load balancer share one copy between inventory writes. The same
// connection backs the leader lease when LEADER_BACKEND=redis, which is why
// Close belongs to whoever constructed the cache and not to the lease.
//
// An entry that no longer decodes (for example after a catalog layout
// change) is dropped and reported as a miss.
type RedisFeedCache struct {
	rdb *redis.Client
}

func NewRedisFeedCache(addr string, password string, db int) *RedisFeedCache {
	return &RedisFeedCache{rdb: redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisIOTimeout,
		WriteTimeout: redisIOTimeout,
	})}
}

func (c *RedisFeedCache) Client() *redis.Client { return c.rdb }

func (c *RedisFeedCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisFeedCache) Close() error {
	return c.rdb.Close()
}

func (c *RedisFeedCache) Get(ctx context.Context, key string) (*domain.FeedCatalog, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("read feed catalog: %w", err)
	}

	catalog := new(domain.FeedCatalog)
	if err := json.Unmarshal(raw, catalog); err != nil {
		if delErr := c.rdb.Del(ctx, key).Err(); delErr != nil {
			return nil, false, fmt.Errorf("drop undecodable feed catalog: %w", errors.Join(err, delErr))
		}
		return nil, false, nil
	}
	return catalog, true, nil
}

// Set stores catalog under key; a nil catalog clears the key.
func (c *RedisFeedCache) Set(ctx context.Context, key string, catalog *domain.FeedCatalog, ttl time.Duration) error {
	if catalog == nil {
		return c.Delete(ctx, key)
	}
	payload, err := json.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("encode feed catalog: %w", err)
	}
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("write feed catalog: %w", err)
	}
	return nil
}

func (c *RedisFeedCache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear feed catalog: %w", err)
	}
	return nil
}
