package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// NewRedisInstanceLock 多个引擎进程共用一个 redis 时使用
func NewRedisInstanceLock(redisClient redis.Cmdable) InstanceLock {
	return &redisInstanceLock{redisClient: redisClient}
}

type redisInstanceLock struct {
	redisClient redis.Cmdable
}

func (d *redisInstanceLock) TryWithLock(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if heldInContext(ctx, key) {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	token := newUUID()
	isLock, err := d.redisClient.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return errors.Wrapf(err, "[redisInstanceLock.TryWithLock] setnx failed, key: %s", key)
	}
	if !isLock {
		return errors.WithMessagef(ErrLockHeld, "[redisInstanceLock.TryWithLock] key: %s", key)
	}
	defer d.release(key, token)
	return f(context.WithValue(ctx, lockKey(key), token))
}

func (d *redisInstanceLock) release(key string, token string) {
	// ctx 可能已经被cancel, 释放锁用新的 context
	reply, err := d.redisClient.Eval(context.Background(), compareAndDeleteScript, []string{key}, token).Int64()
	if err != nil {
		slog.Error("[redisInstanceLock.release] release key failed", "key", key, "err", err)
		return
	}
	if reply != 1 {
		slog.Warn("[redisInstanceLock.release] lock expired before release", "key", key)
	}
}
