// Package queue 基于租约的任务队列契约及内存实现（对外导出）
package queue

import (
	"context"
	"time"

	"github.com/LENAX/node-engine/pkg/core/types"
)

// TaskQueue 持久化、基于租约的任务队列（对外导出）
// 关系型轮询后端和Redis后端都必须满足以下契约：
//   - Dequeue返回给一个调用者的任务，在Ack/Nack/租约过期前对其他调用者不可见
//   - 并发Dequeue的调用者永远不会拿到同一个任务
//   - 对未知或已确认任务的Ack/Nack是空操作
//   - 同一任务ID重复入队是空操作
type TaskQueue interface {
	// Enqueue 入队，任务立即可见或在ScheduledAt后可见
	Enqueue(ctx context.Context, task *types.Task) (string, error)
	// EnqueueBatch 批量入队，返回成功入队的任务ID
	EnqueueBatch(ctx context.Context, tasks []*types.Task) ([]string, error)
	// Dequeue 领取最多maxBatch个任务，租约时长为visibilityTimeout
	Dequeue(ctx context.Context, maxBatch int, visibilityTimeout time.Duration) ([]*types.LeasedTask, error)
	// Ack 永久移除任务
	Ack(ctx context.Context, lease *types.LeasedTask) error
	// Nack 在requeueDelay之后重新可见，同时持久化处理器修改过的retry_count和失败记录
	Nack(ctx context.Context, lease *types.LeasedTask, requeueDelay time.Duration) error
	// ExtendLease 延长租约，租约已被他人接管时返回ErrLeaseLost
	ExtendLease(ctx context.Context, lease *types.LeasedTask, extra time.Duration) error
	// Stats 队列统计
	Stats(ctx context.Context) (Stats, error)
	// CountByExecution 某个Execution在队列中（含已租出）的任务数
	CountByExecution(ctx context.Context, executionID string) (int, error)
	// PurgeExecution 删除某个Execution所有未被租出的任务
	PurgeExecution(ctx context.Context, executionID string) (int, error)
	// Close 释放连接
	Close() error
}

// Stats 队列统计信息
type Stats struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
	Leased  int `json:"leased"`
}

// Depth 队列总深度
func (s Stats) Depth() int {
	return s.Ready + s.Delayed + s.Leased
}

// ExecutionGate 入队闸门：拒绝向已终止或已取消的Execution入队
type ExecutionGate interface {
	CanEnqueue(ctx context.Context, executionID string) error
}

// GateFunc 函数形式的闸门
type GateFunc func(ctx context.Context, executionID string) error

// CanEnqueue 实现ExecutionGate
func (f GateFunc) CanEnqueue(ctx context.Context, executionID string) error {
	return f(ctx, executionID)
}

// Options 队列公共选项
type Options struct {
	Gate     ExecutionGate
	Notifier Notifier
	Now      types.NowFunc
}

// Option 队列选项
type Option func(*Options)

// WithGate 设置入队闸门
func WithGate(g ExecutionGate) Option {
	return func(o *Options) { o.Gate = g }
}

// WithNotifier 设置入队通知
func WithNotifier(n Notifier) Option {
	return func(o *Options) { o.Notifier = n }
}

// WithClock 注入时钟
func WithClock(now types.NowFunc) Option {
	return func(o *Options) { o.Now = now }
}

// BuildOptions 应用选项并补全默认值
func BuildOptions(opts ...Option) Options {
	o := Options{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// CheckGate 入队前检查闸门
func (o Options) CheckGate(ctx context.Context, task *types.Task) error {
	if o.Gate == nil {
		return nil
	}
	return o.Gate.CanEnqueue(ctx, task.ExecutionID)
}

// Notify 入队后发送唤醒提示，失败只影响延迟不影响正确性
func (o Options) Notify(ctx context.Context, task *types.Task) {
	if o.Notifier == nil {
		return
	}
	_ = o.Notifier.Notify(ctx, task)
}

// VisibleAt 计算任务的可见时间
func VisibleAt(task *types.Task, now time.Time) time.Time {
	if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
		return *task.ScheduledAt
	}
	return now
}
