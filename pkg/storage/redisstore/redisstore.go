// Package redisstore 基于Redis的任务队列、热存储与Leader锁（对外导出）
// 多键原子操作使用Lua脚本，读改写使用WATCH乐观事务
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/LENAX/node-engine/pkg/log"
)

// DefaultKeyPrefix 默认键前缀
const DefaultKeyPrefix = "node-engine:"

// casAttempts WATCH事务冲突时的最大重试次数
const casAttempts = 16

// Open 按URL创建客户端并检查连通性
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("Redis URL无效: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis连接失败: %w", err)
	}
	log.Infof("✅ [Redis] 连接成功: addr=%s, db=%d", opts.Addr, opts.DB)
	return client, nil
}

// keys 统一管理键名
type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return keys{prefix: prefix}
}

// 队列
func (k keys) pending() string { return k.prefix + "q:pending" }
func (k keys) leased() string { return k.prefix + "q:leased" }
func (k keys) taskPrefix() string { return k.prefix + "q:task:" }
func (k keys) task(id string) string { return k.taskPrefix() + id }
func (k keys) queueExecPrefix() string { return k.prefix + "q:exec:" }
func (k keys) queueExec(id string) string { return k.queueExecPrefix() + id }

// 热存储
func (k keys) executions() string { return k.prefix + "h:executions" }
func (k keys) execution(id string) string { return k.prefix + "h:exec:" + id }
func (k keys) nodes(id string) string { return k.prefix + "h:nodes:" + id }
func (k keys) indegree(id string) string { return k.prefix + "h:indeg:" + id }
func (k keys) edges(id string) string { return k.prefix + "h:edges:" + id }
func (k keys) done(id string) string { return k.prefix + "h:done:" + id }
func (k keys) remaining(id string) string { return k.prefix + "h:remaining:" + id }
func (k keys) parked() string { return k.prefix + "h:parked" }
func (k keys) parkedDeadline() string { return k.prefix + "h:parked:deadline" }
func (k keys) parkedExec(id string) string { return k.prefix + "h:parked:exec:" + id }
func (k keys) parkedWait(id, pred string) string {
	return k.prefix + "h:parked:wait:" + id + ":" + pred
}

// 锁
func (k keys) lock(id string) string { return k.prefix + "lock:" + id }
func (k keys) lockToken(id string) string { return k.prefix + "lock:" + id + ":token" }

// cas 在WATCH事务中执行fn，键被并发修改时重试
func cas(ctx context.Context, client redis.UniversalClient, fn func(tx *redis.Tx) error, watched ...string) error {
	for i := 0; i < casAttempts; i++ {
		err := client.Watch(ctx, fn, watched...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("Redis乐观事务冲突次数过多: %v", watched)
}
