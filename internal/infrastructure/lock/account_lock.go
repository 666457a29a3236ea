package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"corebank/internal/apperr"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccountLocker 按账号加排他锁
//
// 多个账号总是按账号升序加锁，相反方向的两笔并发转账不会互相死锁。
// ctx 的 deadline 就是等锁的上限，超时返回 LockTimeout。
type AccountLocker interface {
	LockAccounts(ctx context.Context, accountNumbers ...string) (unlock func(), err error)
}

// orderedKeys 去重并升序排列
func orderedKeys(accountNumbers []string) []string {
	seen := make(map[string]struct{}, len(accountNumbers))
	keys := make([]string, 0, len(accountNumbers))
	for _, n := range accountNumbers {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		keys = append(keys, n)
	}
	sort.Strings(keys)
	return keys
}

func lockError(ctx context.Context, accountNumber string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("等待账户锁时请求被取消: %w", ctx.Err())
	}
	return apperr.Wrap(apperr.KindLockTimeout, ctx.Err(), fmt.Sprintf("获取账户锁超时: %s", accountNumber))
}

// ============================================================================
// 进程内实现：单实例部署
// ============================================================================

type localEntry struct {
	sem  chan struct{}
	refs int
}

// LocalLocker 每个账号一个容量为 1 的信号量，无人等待时回收
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

func (l *LocalLocker) LockAccounts(ctx context.Context, accountNumbers ...string) (func(), error) {
	keys := orderedKeys(accountNumbers)
	held := make([]*localEntry, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].sem
		}
		for i := len(keys) - 1; i >= 0; i-- {
			l.deref(keys[i])
		}
	}

	for i, key := range keys {
		e := l.ref(key)
		select {
		case e.sem <- struct{}{}:
			held = append(held, e)
		case <-ctx.Done():
			for j := len(held) - 1; j >= 0; j-- {
				<-held[j].sem
			}
			for j := i; j >= 0; j-- {
				l.deref(keys[j])
			}
			return nil, lockError(ctx, key)
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *LocalLocker) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) deref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// ============================================================================
// Redis 实现：多实例部署
// ============================================================================

const accountLockKey = "ledger:lock:account:%s"

type RedisLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
}

func NewRedisLocker(client *redis.Client, ttl, retryInterval time.Duration, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		logger:        logger.Named("lock"),
	}
}

func (l *RedisLocker) LockAccounts(ctx context.Context, accountNumbers ...string) (func(), error) {
	// 一次加锁共用一个令牌，便于排查是哪个请求持有锁
	token := uuid.NewString()
	keys := orderedKeys(accountNumbers)
	held := make([]*DistributedLock, 0, len(keys))

	release := func() {
		// 请求 ctx 可能已经超时，释放锁使用独立的 ctx
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Unlock(unlockCtx); err != nil {
				l.logger.Warn("释放账户锁失败，等待租约过期",
					zap.String("key", held[i].key),
					zap.String("token", token),
					zap.Error(err))
			}
		}
	}

	for _, n := range keys {
		dl := NewDistributedLock(l.client, fmt.Sprintf(accountLockKey, n), token, l.ttl)
		if err := dl.Lock(ctx, l.retryInterval); err != nil {
			release()
			if ctx.Err() != nil {
				return nil, lockError(ctx, n)
			}
			return nil, apperr.Wrap(apperr.KindStorage, err, "Redis 加锁失败")
		}
		held = append(held, dl)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
