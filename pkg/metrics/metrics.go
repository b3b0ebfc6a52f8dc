// Package metrics 调度引擎的OpenTelemetry指标（对外导出）
// 计数类指标通过订阅领域事件累加，队列深度、死信数量与熔断状态在采集时回调读取
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LENAX/node-engine/pkg/core/events"
	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/log"
)

// MeterName 仪表名称
const MeterName = "github.com/LENAX/node-engine"

// 指标名称
const (
	MetricQueueDepth   = "node_engine.queue.depth"
	MetricTaskLatency  = "node_engine.task.latency"
	MetricTaskRetries  = "node_engine.task.retries"
	MetricTaskOutcomes = "node_engine.task.outcomes"
	MetricDLQSize      = "node_engine.dlq.size"
	MetricBreakerState = "node_engine.breaker.state"
	MetricExecutions   = "node_engine.executions"
)

// 属性键
const (
	KeyQueueState = attribute.Key("queue.state")
	KeyOutcome    = attribute.Key("outcome")
	KeyNodeType   = attribute.Key("node.type")
	KeyBreaker    = attribute.Key("breaker.key")
	KeyStatus     = attribute.Key("execution.status")
)

// QueueStatser 队列统计来源
type QueueStatser interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// DLQCounter 死信数量来源
type DLQCounter interface {
	Count(ctx context.Context) (int, error)
}

// BreakerSnapshotter 熔断状态来源
type BreakerSnapshotter interface {
	Snapshot() map[string]reliability.BreakerState
}

// Sources 采集时回调读取的数据源，均可为nil
type Sources struct {
	Queue   QueueStatser
	DLQ     DLQCounter
	Breaker BreakerSnapshotter
}

// Recorder 指标记录器，实现events.Sink
type Recorder struct {
	latency    metric.Float64Histogram
	retries    metric.Int64Counter
	outcomes   metric.Int64Counter
	executions metric.Int64Counter
	reg        metric.Registration
}

// New 在MeterProvider上创建全部指标
func New(mp metric.MeterProvider, src Sources) (*Recorder, error) {
	meter := mp.Meter(MeterName)
	r := &Recorder{}
	var err error
	if r.latency, err = meter.Float64Histogram(MetricTaskLatency,
		metric.WithDescription("节点执行耗时"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("创建指标 %s 失败: %w", MetricTaskLatency, err)
	}
	if r.retries, err = meter.Int64Counter(MetricTaskRetries,
		metric.WithDescription("任务重试次数")); err != nil {
		return nil, fmt.Errorf("创建指标 %s 失败: %w", MetricTaskRetries, err)
	}
	if r.outcomes, err = meter.Int64Counter(MetricTaskOutcomes,
		metric.WithDescription("任务处理结果")); err != nil {
		return nil, fmt.Errorf("创建指标 %s 失败: %w", MetricTaskOutcomes, err)
	}
	if r.executions, err = meter.Int64Counter(MetricExecutions,
		metric.WithDescription("Execution状态变化")); err != nil {
		return nil, fmt.Errorf("创建指标 %s 失败: %w", MetricExecutions, err)
	}

	depth, err := meter.Int64ObservableGauge(MetricQueueDepth, metric.WithDescription("队列中的任务数"))
	if err != nil {
		return nil, fmt.Errorf("创建指标 %s 失败: %w", MetricQueueDepth, err)
	}
	dlqSize, err := meter.Int64ObservableUpDownCounter(MetricDLQSize, metric.WithDescription("死信队列条目数"))
	if err != nil {
		return nil, fmt.Errorf("创建指标 %s 失败: %w", MetricDLQSize, err)
	}
	breaker, err := meter.Int64ObservableGauge(MetricBreakerState,
		metric.WithDescription("熔断器状态：0=closed, 1=open, 2=half-open"))
	if err != nil {
		return nil, fmt.Errorf("创建指标 %s 失败: %w", MetricBreakerState, err)
	}

	r.reg, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if src.Queue != nil {
			if stats, err := src.Queue.Stats(ctx); err == nil {
				o.ObserveInt64(depth, int64(stats.Ready), metric.WithAttributes(KeyQueueState.String("ready")))
				o.ObserveInt64(depth, int64(stats.Delayed), metric.WithAttributes(KeyQueueState.String("delayed")))
				o.ObserveInt64(depth, int64(stats.Leased), metric.WithAttributes(KeyQueueState.String("leased")))
			} else {
				log.Warnf("⚠️ [Metrics] 读取队列统计失败: %v", err)
			}
		}
		if src.DLQ != nil {
			if n, err := src.DLQ.Count(ctx); err == nil {
				o.ObserveInt64(dlqSize, int64(n))
			} else {
				log.Warnf("⚠️ [Metrics] 读取死信数量失败: %v", err)
			}
		}
		if src.Breaker != nil {
			for key, state := range src.Breaker.Snapshot() {
				o.ObserveInt64(breaker, int64(state), metric.WithAttributes(KeyBreaker.String(key)))
			}
		}
		return nil
	}, depth, dlqSize, breaker)
	if err != nil {
		return nil, fmt.Errorf("注册指标回调失败: %w", err)
	}
	return r, nil
}

// outcomeOf 事件对应的处理结果，非任务事件返回空
func outcomeOf(t events.Type) string {
	switch t {
	case events.TaskSucceeded:
		return "acked"
	case events.TaskRetrying:
		return "nacked"
	case events.TaskDeadLettered:
		return "dead_lettered"
	case events.TaskShortCircuited:
		return "short_circuited"
	case events.TaskCancelled:
		return "cancelled"
	case events.TaskParked:
		return "deferred"
	default:
		return ""
	}
}

// Emit 实现events.Sink
func (r *Recorder) Emit(ctx context.Context, ev events.Event) {
	if outcome := outcomeOf(ev.Type); outcome != "" {
		r.outcomes.Add(ctx, 1, metric.WithAttributes(KeyOutcome.String(outcome), KeyNodeType.String(ev.NodeType)))
	}
	switch ev.Type {
	case events.TaskSucceeded:
		if ev.Latency > 0 {
			r.latency.Record(ctx, ev.Latency.Seconds(), metric.WithAttributes(KeyNodeType.String(ev.NodeType)))
		}
	case events.TaskRetrying:
		r.retries.Add(ctx, 1, metric.WithAttributes(KeyNodeType.String(ev.NodeType)))
	case events.ExecutionStarted, events.ExecutionSucceeded, events.ExecutionFailed, events.ExecutionCancelled:
		r.executions.Add(ctx, 1, metric.WithAttributes(KeyStatus.String(string(ev.Type))))
	}
}

// Close 注销采集回调
func (r *Recorder) Close() error {
	if r.reg == nil {
		return nil
	}
	return r.reg.Unregister()
}

var _ events.Sink = (*Recorder)(nil)
