package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// dequeueScanLimit 单次出队最多检查的可见任务数
const dequeueScanLimit = 1000

// Queue 基于有序集合与Lua脚本的租约队列（对外导出）
// pending按可见时间排序，租出的任务以租约到期时间为分数留在pending中，到期自动重新可见
type Queue struct {
	client redis.UniversalClient
	keys   keys
	opts   queue.Options
}

// NewQueue 创建Redis队列，client由调用方持有
func NewQueue(client redis.UniversalClient, prefix string, opts ...queue.Option) *Queue {
	return &Queue{client: client, keys: newKeys(prefix), opts: queue.BuildOptions(opts...)}
}

func (q *Queue) enqueueArgs(task *types.Task, now time.Time) ([]string, []any, error) {
	body, err := task.Marshal()
	if err != nil {
		return nil, nil, types.NewValidationError("序列化任务失败", err)
	}
	keys := []string{q.keys.pending(), q.keys.task(task.ID), q.keys.queueExec(task.ExecutionID)}
	args := []any{
		task.ID, task.ExecutionID, string(task.Type), task.Priority, string(body),
		task.RetryCount, queue.VisibleAt(task, now).UnixMilli(), now.UnixMilli(),
	}
	return keys, args, nil
}

// Enqueue 入队，同一任务ID已存在时为空操作
func (q *Queue) Enqueue(ctx context.Context, task *types.Task) (string, error) {
	if err := q.opts.CheckGate(ctx, task); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = types.NewID()
	}
	keys, args, err := q.enqueueArgs(task, q.opts.Now())
	if err != nil {
		return "", err
	}
	if err := luaEnqueue.Run(ctx, q.client, keys, args...).Err(); err != nil {
		return "", types.NewTransientError("任务入队失败", err)
	}
	q.opts.Notify(ctx, task)
	return task.ID, nil
}

// EnqueueBatch 在一个MULTI事务中批量入队
func (q *Queue) EnqueueBatch(ctx context.Context, tasks []*types.Task) ([]string, error) {
	now := q.opts.Now()
	pipe := q.client.TxPipeline()
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := q.opts.CheckGate(ctx, t); err != nil {
			return nil, err
		}
		if t.ID == "" {
			t.ID = types.NewID()
		}
		keys, args, err := q.enqueueArgs(t, now)
		if err != nil {
			return nil, err
		}
		luaEnqueue.Eval(ctx, pipe, keys, args...)
		ids = append(ids, t.ID)
	}
	if len(ids) == 0 {
		return ids, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, types.NewTransientError("批量入队失败", err)
	}
	for _, t := range tasks {
		q.opts.Notify(ctx, t)
	}
	return ids, nil
}

// Dequeue 领取可见任务
func (q *Queue) Dequeue(ctx context.Context, maxBatch int, visibilityTimeout time.Duration) ([]*types.LeasedTask, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	now := q.opts.Now()
	expiresAt := now.Add(visibilityTimeout)
	args := []any{q.keys.taskPrefix(), now.UnixMilli(), expiresAt.UnixMilli(), maxBatch, dequeueScanLimit}
	for i := 0; i < maxBatch; i++ {
		args = append(args, types.NewID())
	}
	res, err := luaDequeue.Run(ctx, q.client, []string{q.keys.pending(), q.keys.leased()}, args...).Slice()
	if err != nil && err != redis.Nil {
		return nil, types.NewTransientError("领取任务失败", err)
	}

	leases := make([]*types.LeasedTask, 0, len(res)/6)
	for i := 0; i+5 < len(res); i += 6 {
		id, token := asString(res[i]), asString(res[i+1])
		retries, _ := strconv.Atoi(asString(res[i+3]))
		task, err := types.UnmarshalTask([]byte(asString(res[i+2])))
		if err != nil {
			log.Errorf("❌ [RedisQueue] 任务体损坏: TaskID=%s, err=%v", id, err)
			task = &types.Task{ID: id, ExecutionID: asString(res[i+4]), Type: types.TaskType(asString(res[i+5]))}
		}
		task.RetryCount = retries
		leases = append(leases, &types.LeasedTask{Task: task, LeaseToken: token, ExpiresAt: expiresAt})
	}
	return leases, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func (q *Queue) leaseKeys(lease *types.LeasedTask) []string {
	return []string{q.keys.task(lease.Task.ID), q.keys.pending(), q.keys.leased()}
}

// Ack 删除任务，租约不匹配时为空操作
func (q *Queue) Ack(ctx context.Context, lease *types.LeasedTask) error {
	err := luaAck.Run(ctx, q.client, q.leaseKeys(lease), lease.Task.ID, lease.LeaseToken, q.keys.queueExecPrefix()).Err()
	if err != nil {
		return types.NewTransientError("确认任务失败", err)
	}
	return nil
}

// Nack 释放租约并在requeueDelay后重新可见
func (q *Queue) Nack(ctx context.Context, lease *types.LeasedTask, requeueDelay time.Duration) error {
	visible := q.opts.Now().Add(requeueDelay)
	task := lease.Task.Clone()
	task.ScheduledAt = &visible
	body, err := task.Marshal()
	if err != nil {
		return types.NewValidationError("序列化任务失败", err)
	}
	err = luaNack.Run(ctx, q.client, q.leaseKeys(lease),
		task.ID, lease.LeaseToken, string(body), task.RetryCount, visible.UnixMilli()).Err()
	if err != nil {
		return types.NewTransientError("释放任务失败", err)
	}
	return nil
}

// ExtendLease 延长租约
func (q *Queue) ExtendLease(ctx context.Context, lease *types.LeasedTask, extra time.Duration) error {
	expiresMs, err := luaExtendLease.Run(ctx, q.client, q.leaseKeys(lease), lease.Task.ID, lease.LeaseToken, extra.Milliseconds()).Int64()
	if err != nil {
		return types.NewTransientError("延长租约失败", err)
	}
	if expiresMs == 0 {
		return types.ErrLeaseLost
	}
	lease.ExpiresAt = time.UnixMilli(expiresMs)
	return nil
}

// Stats 队列统计
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	res, err := luaStats.Run(ctx, q.client, []string{q.keys.pending(), q.keys.leased()}, q.opts.Now().UnixMilli()).Int64Slice()
	if err != nil {
		return queue.Stats{}, types.NewTransientError("查询队列统计失败", err)
	}
	total, ready, leased := res[0], res[1], res[2]
	return queue.Stats{Ready: int(ready), Delayed: int(total - ready - leased), Leased: int(leased)}, nil
}

// CountByExecution 统计某个Execution的任务数
func (q *Queue) CountByExecution(ctx context.Context, executionID string) (int, error) {
	n, err := q.client.SCard(ctx, q.keys.queueExec(executionID)).Result()
	if err != nil {
		return 0, types.NewTransientError("统计任务失败", err)
	}
	return int(n), nil
}

// PurgeExecution 删除某个Execution未租出的任务
func (q *Queue) PurgeExecution(ctx context.Context, executionID string) (int, error) {
	keys := []string{q.keys.queueExec(executionID), q.keys.pending(), q.keys.leased()}
	n, err := luaPurgeExecution.Run(ctx, q.client, keys, q.keys.taskPrefix(), q.opts.Now().UnixMilli()).Int()
	if err != nil {
		return 0, types.NewTransientError("清理任务失败", err)
	}
	return n, nil
}

// Close 客户端由调用方管理
func (q *Queue) Close() error {
	return nil
}

var _ queue.TaskQueue = (*Queue)(nil)
