package sqlstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
	"github.com/LENAX/node-engine/pkg/storage"
)

// Lock 带防护令牌的分布式锁（对外导出）
// 每次易主时token递增，持有者可用Token()拒绝旧Leader的迟到写入
type Lock struct {
	db      *sqlx.DB
	dialect storage.Dialect
	lockID  string
	holder  string
	ttl     time.Duration
	now     types.NowFunc

	mu    sync.Mutex
	token int64
}

// LockOption 锁选项
type LockOption func(*Lock)

// WithLockClock 注入时钟
func WithLockClock(now types.NowFunc) LockOption {
	return func(l *Lock) { l.now = now }
}

// NewLock 创建分布式锁，holder为空时生成唯一标识
func NewLock(ctx context.Context, db *sqlx.DB, dialect storage.Dialect, lockID, holder string, ttl time.Duration, opts ...LockOption) (*Lock, error) {
	if err := storage.ApplySchema(ctx, db, dialect, lockSchema(dialect)); err != nil {
		return nil, fmt.Errorf("初始化锁表结构失败: %w", err)
	}
	if holder == "" {
		holder = types.NewID()
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	l := &Lock{db: db, dialect: dialect, lockID: lockID, holder: holder, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Holder 当前实例标识
func (l *Lock) Holder() string {
	return l.holder
}

// Token 最近一次持有锁时的防护令牌，未持有过时为0
func (l *Lock) Token() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// TryAcquire 获取或续期锁
// 依次尝试：首次创建、本实例续期、接管已过期的锁
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	now := l.now()
	nowMs := toMillis(now)
	expiresMs := toMillis(now.Add(l.ttl))

	insert := l.db.Rebind(l.dialect.InsertIgnoreSQL(TableLock,
		[]string{"lock_id", "holder", "token", "expires_at", "updated_at"}, []string{"lock_id"}))
	res, err := l.db.ExecContext(ctx, insert, l.lockID, l.holder, 1, expiresMs, nowMs)
	if err != nil {
		return false, types.NewTransientError("创建锁失败", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return l.acquired(ctx, true)
	}

	renew := l.db.Rebind(fmt.Sprintf(
		"UPDATE %s SET expires_at = ?, updated_at = ? WHERE lock_id = ? AND holder = ? AND expires_at > ?", TableLock))
	res, err = l.db.ExecContext(ctx, renew, expiresMs, nowMs, l.lockID, l.holder, nowMs)
	if err != nil {
		return false, types.NewTransientError("续期锁失败", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return l.acquired(ctx, false)
	}

	takeover := l.db.Rebind(fmt.Sprintf(
		"UPDATE %s SET holder = ?, token = token + 1, expires_at = ?, updated_at = ? WHERE lock_id = ? AND expires_at <= ?", TableLock))
	res, err = l.db.ExecContext(ctx, takeover, l.holder, expiresMs, nowMs, l.lockID, nowMs)
	if err != nil {
		return false, types.NewTransientError("接管锁失败", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return l.acquired(ctx, true)
	}
	return false, nil
}

func (l *Lock) acquired(ctx context.Context, fresh bool) (bool, error) {
	var token int64
	query := l.db.Rebind(fmt.Sprintf("SELECT token FROM %s WHERE lock_id = ? AND holder = ?", TableLock))
	if err := l.db.GetContext(ctx, &token, query, l.lockID, l.holder); err != nil {
		return false, types.NewTransientError("读取锁令牌失败", err)
	}
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	if fresh {
		log.Infof("👑 [Lock] 获得锁: lock=%s, holder=%s, token=%d", l.lockID, l.holder, token)
	}
	return true, nil
}

// Release 让锁立即过期，保留行以延续令牌序列
func (l *Lock) Release(ctx context.Context) error {
	query := l.db.Rebind(fmt.Sprintf(
		"UPDATE %s SET expires_at = 0, updated_at = ? WHERE lock_id = ? AND holder = ?", TableLock))
	if _, err := l.db.ExecContext(ctx, query, toMillis(l.now()), l.lockID, l.holder); err != nil {
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
