package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock is held by another holder")

// luaReleaseIfMatch deletes the lock only while it still carries our token,
// so an expired-and-reacquired lock is never removed by the old holder.
const luaReleaseIfMatch = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// AcquireLock sets key to token for ttl if nobody holds it.
func AcquireLock(ctx context.Context, rdb *rd.Client, key, token string, ttl time.Duration) error {
	ok, err := rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// ReleaseLockIfMatch releases key when it is still owned by token.
func ReleaseLockIfMatch(ctx context.Context, rdb *rd.Client, key, token string) error {
	_, err := rdb.Eval(ctx, luaReleaseIfMatch, []string{key}, token).Int()
	return err
}
