package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another holder")

// unlockScript deletes the key only when the caller still owns it.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out short-lived exclusive locks keyed by string.
type Locker struct {
	client goredis.UniversalClient
	prefix string
}

// NewLocker creates a Redis-backed locker. Keys are namespaced with prefix.
func NewLocker(client goredis.UniversalClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Acquire takes the lock for ttl. The returned release func is safe to call once
// the work is done; it never removes a lock that expired and was re-taken.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	full := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx %s: %w", full, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func() {
		_ = unlockScript.Run(context.Background(), l.client, []string{full}, token).Err()
	}
	return release, nil
}
