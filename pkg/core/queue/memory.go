package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/node-engine/pkg/core/types"
)

type memItem struct {
	task       *types.Task
	visibleAt  time.Time
	leaseToken string
	leaseUntil time.Time
	seq        uint64
}

func (it *memItem) leased(now time.Time) bool {
	return it.leaseToken != "" && it.leaseUntil.After(now)
}

// MemoryQueue 内存任务队列（对外导出）
// 用于单进程部署与测试，语义与持久化后端一致
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]*memItem
	seq   uint64
	opts  Options
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		items: make(map[string]*memItem),
		opts:  BuildOptions(opts...),
	}
}

// Enqueue 入队
func (q *MemoryQueue) Enqueue(ctx context.Context, task *types.Task) (string, error) {
	if err := q.opts.CheckGate(ctx, task); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = types.NewID()
	}
	q.mu.Lock()
	if _, exists := q.items[task.ID]; !exists {
		q.seq++
		q.items[task.ID] = &memItem{
			task:      task.Clone(),
			visibleAt: VisibleAt(task, q.opts.Now()),
			seq:       q.seq,
		}
	}
	q.mu.Unlock()
	q.opts.Notify(ctx, task)
	return task.ID, nil
}

// EnqueueBatch 批量入队，遇到闸门拒绝的任务跳过
func (q *MemoryQueue) EnqueueBatch(ctx context.Context, tasks []*types.Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		id, err := q.Enqueue(ctx, t)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Dequeue 领取可见任务，按优先级降序、可见时间升序
func (q *MemoryQueue) Dequeue(ctx context.Context, maxBatch int, visibilityTimeout time.Duration) ([]*types.LeasedTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	candidates := make([]*memItem, 0)
	for _, it := range q.items {
		if !it.visibleAt.After(now) && !it.leased(now) {
			candidates = append(candidates, it)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.task.Priority != b.task.Priority {
			return a.task.Priority > b.task.Priority
		}
		if !a.visibleAt.Equal(b.visibleAt) {
			return a.visibleAt.Before(b.visibleAt)
		}
		return a.seq < b.seq
	})
	if len(candidates) > maxBatch {
		candidates = candidates[:maxBatch]
	}

	leases := make([]*types.LeasedTask, 0, len(candidates))
	for _, it := range candidates {
		it.leaseToken = types.NewID()
		it.leaseUntil = now.Add(visibilityTimeout)
		it.visibleAt = it.leaseUntil
		leases = append(leases, &types.LeasedTask{
			Task:       it.task.Clone(),
			LeaseToken: it.leaseToken,
			ExpiresAt:  it.leaseUntil,
		})
	}
	return leases, nil
}

func (q *MemoryQueue) owned(lease *types.LeasedTask) (*memItem, bool) {
	it, ok := q.items[lease.Task.ID]
	if !ok || it.leaseToken != lease.LeaseToken {
		return nil, false
	}
	return it, true
}

// Ack 确认任务，租约不匹配时为空操作
func (q *MemoryQueue) Ack(_ context.Context, lease *types.LeasedTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.owned(lease); ok {
		delete(q.items, lease.Task.ID)
	}
	return nil
}

// Nack 延迟后重新可见
func (q *MemoryQueue) Nack(_ context.Context, lease *types.LeasedTask, requeueDelay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.owned(lease)
	if !ok {
		return nil
	}
	now := q.opts.Now()
	visible := now.Add(requeueDelay)
	it.task = lease.Task.Clone()
	it.task.ScheduledAt = &visible
	it.visibleAt = visible
	it.leaseToken = ""
	it.leaseUntil = time.Time{}
	return nil
}

// ExtendLease 延长租约
func (q *MemoryQueue) ExtendLease(_ context.Context, lease *types.LeasedTask, extra time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.owned(lease)
	if !ok {
		return types.ErrLeaseLost
	}
	it.leaseUntil = it.leaseUntil.Add(extra)
	it.visibleAt = it.leaseUntil
	lease.ExpiresAt = it.leaseUntil
	return nil
}

// Stats 队列统计
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.Now()
	var s Stats
	for _, it := range q.items {
		switch {
		case it.leased(now):
			s.Leased++
		case it.visibleAt.After(now):
			s.Delayed++
		default:
			s.Ready++
		}
	}
	return s, nil
}

// CountByExecution 统计某个Execution的任务数
func (q *MemoryQueue) CountByExecution(_ context.Context, executionID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.task.ExecutionID == executionID {
			n++
		}
	}
	return n, nil
}

// PurgeExecution 删除某个Execution未租出的任务
func (q *MemoryQueue) PurgeExecution(_ context.Context, executionID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.Now()
	n := 0
	for id, it := range q.items {
		if it.task.ExecutionID == executionID && !it.leased(now) {
			delete(q.items, id)
			n++
		}
	}
	return n, nil
}

// Close 无需释放资源
func (q *MemoryQueue) Close() error {
	return nil
}

var _ TaskQueue = (*MemoryQueue)(nil)
