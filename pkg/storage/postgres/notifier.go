package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// DefaultNotifyChannel 入队提示使用的NOTIFY通道
const DefaultNotifyChannel = "node_engine_task_enqueued"

// Notifier 基于LISTEN/NOTIFY的跨进程入队提示（对外导出）
type Notifier struct {
	db      *sqlx.DB
	dsn     string
	channel string

	mu        sync.Mutex
	listeners []*pq.Listener
}

// NewNotifier 创建LISTEN/NOTIFY提示
// db用于发送NOTIFY，dsn用于建立独立的LISTEN连接
func NewNotifier(db *sqlx.DB, dsn string) (*Notifier, error) {
	prepared, err := NewPostgresDialect().PrepareDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("DSN无效: %w", err)
	}
	return &Notifier{db: db, dsn: prepared, channel: DefaultNotifyChannel}, nil
}

// Notify 发送入队提示
func (n *Notifier) Notify(ctx context.Context, task *types.Task) error {
	if _, err := n.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.channel, task.ID); err != nil {
		return fmt.Errorf("发送NOTIFY失败: %w", err)
	}
	return nil
}

// Subscribe 建立LISTEN连接，断线重连后也发送一次提示
func (n *Notifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	listener := pq.NewListener(n.dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warnf("⚠️ [PgNotifier] 监听连接事件: event=%d, err=%v", ev, err)
		}
	})
	if err := listener.Listen(n.channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("LISTEN失败: %w", err)
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, listener)
	n.mu.Unlock()

	hints := make(chan struct{}, 1)
	go func() {
		defer close(hints)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-listener.Notify:
				if !ok {
					return
				}
				select {
				case hints <- struct{}{}:
				default:
				}
			}
		}
	}()
	return hints, nil
}

// Close 关闭所有监听连接
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	for _, l := range n.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.listeners = nil
	return firstErr
}

var _ queue.Notifier = (*Notifier)(nil)
