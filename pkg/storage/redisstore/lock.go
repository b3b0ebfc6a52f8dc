package redisstore

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// luaRenewLock 持有者续期
// KEYS[1] = lock key, ARGV[1] = holder, ARGV[2] = ttl ms
var luaRenewLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// luaReleaseLock 持有者释放
// KEYS[1] = lock key, ARGV[1] = holder
var luaReleaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock SET NX PX实现的Leader锁（对外导出）
// 每次获得锁时递增防护令牌
type Lock struct {
	client redis.UniversalClient
	keys   keys
	lockID string
	holder string
	ttl    time.Duration

	mu    sync.Mutex
	token int64
}

// NewLock 创建锁，holder为空时生成唯一标识
func NewLock(client redis.UniversalClient, prefix, lockID, holder string, ttl time.Duration) *Lock {
	if holder == "" {
		holder = types.NewID()
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Lock{client: client, keys: newKeys(prefix), lockID: lockID, holder: holder, ttl: ttl}
}

// Token 最近一次获得锁时的防护令牌
func (l *Lock) Token() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// TryAcquire 续期已持有的锁，否则尝试获取
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	key := l.keys.lock(l.lockID)
	renewed, err := luaRenewLock.Run(ctx, l.client, []string{key}, l.holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, types.NewTransientError("续期锁失败", err)
	}
	if renewed == 1 {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, key, l.holder, l.ttl).Result()
	if err != nil {
		return false, types.NewTransientError("获取锁失败", err)
	}
	if !ok {
		return false, nil
	}
	token, err := l.client.Incr(ctx, l.keys.lockToken(l.lockID)).Result()
	if err != nil {
		return false, types.NewTransientError("递增锁令牌失败", err)
	}
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	log.Infof("👑 [Lock] 获得锁: lock=%s, holder=%s, token=%d", l.lockID, l.holder, token)
	return true, nil
}

// Release 仅持有者可以释放
func (l *Lock) Release(ctx context.Context) error {
	if err := luaReleaseLock.Run(ctx, l.client, []string{l.keys.lock(l.lockID)}, l.holder).Err(); err != nil {
		return types.NewTransientError("释放锁失败", err)
	}
	return nil
}

// KeepAlive 按interval持续续期直到ctx结束
func (l *Lock) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.TryAcquire(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("⚠️ [Lock] 续期失败: lock=%s, err=%v", l.lockID, err)
			}
		}
	}
}
