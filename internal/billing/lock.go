package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/merenda-erp/merenda-erp/internal/shared"
)

// OrderLocker serialises invoice creation per order across processes.
type OrderLocker interface {
	Acquire(ctx context.Context, orderID int64) (release func(context.Context) error, err error)
}

const defaultLockTTL = 30 * time.Second

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOrderLocker implements OrderLocker with SET NX PX and a token-checked release.
type RedisOrderLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisOrderLocker constructs the locker. A non-positive ttl falls back to 30s.
func NewRedisOrderLocker(client *redis.Client, ttl time.Duration) *RedisOrderLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisOrderLocker{client: client, ttl: ttl}
}

// Acquire takes the order lock or fails with ErrOrderLocked when another holder owns it.
func (l *RedisOrderLocker) Acquire(ctx context.Context, orderID int64) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("billing: order locker not initialised")
	}
	key := shared.OrderLockKey(orderID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("billing: acquire order lock: %w", err)
	}
	if !ok {
		return nil, ErrOrderLocked
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("billing: release order lock: %w", err)
		}
		return nil
	}
	return release, nil
}
