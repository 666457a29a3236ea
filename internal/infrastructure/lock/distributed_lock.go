package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 加锁：SET key value NX PX ttl
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - PX: 过期时间，持有者崩溃后锁自动释放
//   - value: 持有者令牌，释放时校验，防止误删别人的锁
//
// 释放：Lua 脚本把"检查 value + 删除"合成一个原子操作
//
// 租约过期后锁可能被别人拿走，账户余额更新时的版本号 CAS 会拦下这种情况。
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 单个 key 上的分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 持有者令牌
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁，直到成功或 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		success, err := l.TryLock(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if success {
			return nil
		}
		timer.Reset(retryInterval)
	}
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockFailed
	}
	return nil
}
