package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

func NewLocalInstanceLock() InstanceLock {
	return &localInstanceLock{}
}

// localInstanceLock 单进程使用, key -> 持有者 token
type localInstanceLock struct {
	owners sync.Map
}

func (l *localInstanceLock) TryWithLock(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if heldInContext(ctx, key) {
		return f(ctx)
	}
	token := newUUID()
	if _, loaded := l.owners.LoadOrStore(key, token); loaded {
		return errors.WithMessagef(ErrLockHeld, "[localInstanceLock.TryWithLock] key: %s", key)
	}
	// 超时自动释放, 防止持有者卡死之后实例永远不能修改
	timer := time.AfterFunc(ttl, func() {
		if l.owners.CompareAndDelete(key, token) {
			slog.Warn("[localInstanceLock.TryWithLock] lock expired before release", "key", key)
		}
	})
	defer func() {
		timer.Stop()
		l.release(key, token)
	}()
	return f(context.WithValue(ctx, lockKey(key), token))
}

func (l *localInstanceLock) release(key string, token string) {
	if !l.owners.CompareAndDelete(key, token) {
		slog.Debug("[localInstanceLock.release] token mismatch, lock already expired", "key", key)
	}
}
