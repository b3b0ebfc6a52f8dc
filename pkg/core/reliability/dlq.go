package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/node-engine/pkg/core/types"
)

// DeadLetterEntry 死信条目（对外导出）
// 保留完整的任务上下文、最终错误和历次失败记录，用于排查与手动重放
type DeadLetterEntry struct {
	ID             string                `json:"id"`
	Task           *types.Task           `json:"task"`
	Error          string                `json:"error"`
	ErrorKind      types.ErrorKind       `json:"error_kind"`
	AttemptHistory []types.AttemptRecord `json:"attempt_history"`
	CreatedAt      time.Time             `json:"created_at"`
}

// NewDeadLetterEntry 根据失败任务创建死信条目
func NewDeadLetterEntry(task *types.Task, cause error) *DeadLetterEntry {
	t := task.Clone()
	entry := &DeadLetterEntry{
		ID:             types.NewID(),
		Task:           t,
		ErrorKind:      types.Classify(cause),
		AttemptHistory: append([]types.AttemptRecord(nil), t.Attempts...),
		CreatedAt:      time.Now(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return entry
}

// Marshal 序列化为JSON
func (e *DeadLetterEntry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DeadLetterQueue 死信队列（对外导出）
type DeadLetterQueue interface {
	Put(ctx context.Context, entry *DeadLetterEntry) error
	Get(ctx context.Context, id string) (*DeadLetterEntry, error)
	// List 按创建时间倒序列出，limit<=0表示不限制
	List(ctx context.Context, limit int) ([]*DeadLetterEntry, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// MemoryDLQ 内存死信队列
type MemoryDLQ struct {
	mu      sync.RWMutex
	entries map[string]*DeadLetterEntry
}

// NewMemoryDLQ 创建内存死信队列
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{entries: make(map[string]*DeadLetterEntry)}
}

// Put 写入死信条目
func (q *MemoryDLQ) Put(_ context.Context, entry *DeadLetterEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := *entry
	c.Task = entry.Task.Clone()
	q.entries[entry.ID] = &c
	return nil
}

// Get 获取死信条目
func (q *MemoryDLQ) Get(_ context.Context, id string) (*DeadLetterEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, types.ErrDLQEntryNotFound
	}
	c := *e
	c.Task = e.Task.Clone()
	return &c, nil
}

// List 列出死信条目
func (q *MemoryDLQ) List(_ context.Context, limit int) ([]*DeadLetterEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*DeadLetterEntry, 0, len(q.entries))
	for _, e := range q.entries {
		c := *e
		c.Task = e.Task.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete 删除死信条目，不存在时为空操作
func (q *MemoryDLQ) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

// Count 条目数量
func (q *MemoryDLQ) Count(_ context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries), nil
}

var _ DeadLetterQueue = (*MemoryDLQ)(nil)

// Enqueuer 重放时使用的入队接口
type Enqueuer interface {
	Enqueue(ctx context.Context, task *types.Task) (string, error)
}

// Replayer 死信手动重放
type Replayer struct {
	dlq   DeadLetterQueue
	queue Enqueuer
}

// NewReplayer 创建重放器
func NewReplayer(dlq DeadLetterQueue, q Enqueuer) *Replayer {
	return &Replayer{dlq: dlq, queue: q}
}

// Replay 清空重试状态后重新入队，入队成功才删除死信条目
func (r *Replayer) Replay(ctx context.Context, id string) (*types.Task, error) {
	entry, err := r.dlq.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	task := entry.Task.Clone()
	task.ResetRetries()
	if _, err := r.queue.Enqueue(ctx, task); err != nil {
		return nil, fmt.Errorf("重放死信 %s 失败: %w", id, err)
	}
	if err := r.dlq.Delete(ctx, id); err != nil {
		return task, fmt.Errorf("删除死信 %s 失败: %w", id, err)
	}
	return task, nil
}
