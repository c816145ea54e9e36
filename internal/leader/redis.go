package leader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLease is a Lock backed by a Redis key with a TTL. A crashed holder
// loses the lease when the TTL lapses; poll at well under the TTL.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration

	mu   sync.Mutex
	held bool
}

func NewRedisLease(client redis.UniversalClient, key string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &RedisLease{
		client: client,
		key:    "leader:" + key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
		if err != nil {
			l.held = false
			return false, fmt.Errorf("renew lease %s: %w", l.key, err)
		}
		if renewed == 1 {
			return true, nil
		}
		l.held = false
	}

	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	l.held = ok
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
