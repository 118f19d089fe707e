package runs

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"riskgrid/internal/types"
)

// Locker serializes runs that share a lock key. db.RunLockRepository is the
// Postgres implementation.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// NopLocker grants every lock.
type NopLocker struct{}

func (NopLocker) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (NopLocker) Release(context.Context, string, string) error { return nil }

// releaseScript deletes the lock only while owner still holds it.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisCmdable is the subset of the go-redis client used by RedisLocker.
type RedisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker holds run locks as expiring Redis keys.
type RedisLocker struct {
	rdb    RedisCmdable
	prefix string
}

// NewRedisLocker returns a locker storing keys under prefix.
func NewRedisLocker(rdb RedisCmdable, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "riskgrid:lock:"
	}
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

// Acquire sets the key if absent. An expired key is gone, so a crashed
// holder frees the lock after ttl.
func (l *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to acquire redis lock", err)
	}
	return ok, nil
}

// Release deletes the key when owner still holds it.
func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	if err := l.rdb.Eval(ctx, releaseScript, []string{l.prefix + key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to release redis lock", err)
	}
	return nil
}
