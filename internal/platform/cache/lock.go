package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another process owns the lock.
var ErrLockHeld = errors.New("platform/cache: lock held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out expiring redis locks.
type Locker struct {
	client *redis.Client
}

// NewLocker constructs a Locker.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Lock is a held lock; release it with Unlock.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes key for ttl or returns ErrLockHeld. The ttl bounds how long a
// crashed holder blocks others.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("platform/cache: locker not configured")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("platform/cache: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return &Lock{client: l.client, key: key, token: token}, nil
}

// Unlock releases the lock if this holder still owns it.
func (k *Lock) Unlock(ctx context.Context) error {
	if k == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, k.client, []string{k.key}, k.token).Err(); err != nil {
		return fmt.Errorf("platform/cache: release %s: %w", k.key, err)
	}
	return nil
}
