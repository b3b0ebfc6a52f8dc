// Package events 调度过程中的领域事件（对外导出）
// 插件与指标通过Sink订阅事件，调度核心不依赖具体的订阅方
package events

import (
	"context"
	"time"
)

// Type 事件类型
type Type string

const (
	ExecutionStarted   Type = "execution.started"
	ExecutionSucceeded Type = "execution.succeeded"
	ExecutionFailed    Type = "execution.failed"
	ExecutionCancelled Type = "execution.cancelled"

	TaskSucceeded      Type = "task.succeeded"
	TaskRetrying       Type = "task.retrying"
	TaskDeadLettered   Type = "task.dead_lettered"
	TaskShortCircuited Type = "task.short_circuited"
	TaskParked         Type = "task.parked"
	TaskCancelled      Type = "task.cancelled"

	BreakerOpened Type = "breaker.opened"
	BreakerClosed Type = "breaker.closed"
)

// Event 事件数据
type Event struct {
	Type        Type
	ExecutionID string
	WorkflowID  string
	TaskID      string
	NodeID      string
	NodeType    string
	Status      string
	Error       string
	Attempt     int
	Delay       time.Duration
	Latency     time.Duration
	At          time.Time
	Data        map[string]any
}

// Sink 事件订阅方
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc 函数形式的Sink
type SinkFunc func(ctx context.Context, ev Event)

// Emit 实现Sink
func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Multi 依次分发给多个Sink
type Multi []Sink

// Emit 实现Sink
func (m Multi) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Noop 丢弃所有事件
var Noop Sink = SinkFunc(func(context.Context, Event) {})

// OrNoop nil时返回Noop
func OrNoop(s Sink) Sink {
	if s == nil {
		return Noop
	}
	return s
}
