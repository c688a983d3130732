package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLockHeld = errors.New("lock held by another owner")
)

type lockKey string

// InstanceLock 实例级别的互斥
type InstanceLock interface {
	// TryWithLock
	//  @Description:  1.非阻塞, 没有拿到锁立刻返回 ErrLockHeld
	//                 2.可以重入, 同一个 ctx 链路上再次加同一个 key 直接执行
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param ttl 锁最长持有时间, 到期自动释放
	//  @param f 持有锁时执行的闭包
	//  @return error
	TryWithLock(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error
}

func heldInContext(ctx context.Context, key string) bool {
	_, ok := ctx.Value(lockKey(key)).(string)
	return ok
}

func instanceLockKey(instanceID string) string {
	return "audit_workflow_instance_" + instanceID
}
