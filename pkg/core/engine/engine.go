// Package engine 组装并运行节点级分布式调度引擎（对外导出）
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LENAX/node-engine/internal/storage"
	"github.com/LENAX/node-engine/pkg/config"
	"github.com/LENAX/node-engine/pkg/core/events"
	"github.com/LENAX/node-engine/pkg/core/janitor"
	"github.com/LENAX/node-engine/pkg/core/processor"
	"github.com/LENAX/node-engine/pkg/core/registry"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/scheduler"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/core/worker"
	"github.com/LENAX/node-engine/pkg/log"
	"github.com/LENAX/node-engine/pkg/metrics"
	"github.com/LENAX/node-engine/pkg/plugin"
)

// Engine 调度引擎（对外导出）
// 同一份配置可以在多个进程中运行，进程之间只通过任务队列和Execution Store协调
type Engine struct {
	cfg       *config.EngineConfig
	backends  *storage.Backends
	registry  *registry.Registry
	breaker   *reliability.CircuitBreaker
	nodes     *scheduler.NodeScheduler
	hybrid    *scheduler.HybridScheduler
	processor *processor.Processor
	pool      *worker.Pool
	janitor   *janitor.Janitor
	replayer  *reliability.Replayer
	cron      *CronScheduler
	plugins   *plugin.Manager
	metrics   *metrics.Recorder
	events    events.Sink

	mu              sync.Mutex
	running         bool
	stopKeepAlive   context.CancelFunc
	keepAliveDone   chan struct{}
	resourcesClosed bool
}

// Start 启动Worker池、巡检与定时调度
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("引擎已在运行")
	}
	if e.resourcesClosed {
		return errors.New("引擎已关闭")
	}

	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("启动Worker池失败: %w", err)
	}
	if e.janitor != nil {
		if err := e.janitor.Start(ctx); err != nil {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.NodeEngine.Execution.ShutdownTimeout)
			defer cancel()
			e.pool.Stop(stopCtx)
			return fmt.Errorf("启动Janitor失败: %w", err)
		}
		if ka, ok := e.backends.Elector.(storage.KeepAliver); ok {
			kaCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			e.stopKeepAlive, e.keepAliveDone = cancel, make(chan struct{})
			go func() {
				defer close(e.keepAliveDone)
				ka.KeepAlive(kaCtx, e.cfg.NodeEngine.Janitor.Leader.Heartbeat)
			}()
		}
	}
	e.cron.Start()
	e.running = true
	log.Infof("🚀 [Engine] 已启动: instance=%s", e.cfg.NodeEngine.General.InstanceName)
	return nil
}

// Stop 停止接收新任务，等待进行中的任务直到ctx截止，然后释放全部资源
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.running {
		e.cron.Stop()
		if err := e.pool.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if e.stopKeepAlive != nil {
			e.stopKeepAlive()
			<-e.keepAliveDone
			e.stopKeepAlive = nil
		}
		if e.janitor != nil {
			e.janitor.Stop(ctx)
		}
		e.running = false
	}
	if err := e.closeResources(); err != nil {
		errs = append(errs, err)
	}
	log.Infof("✅ [Engine] 已停止")
	return errors.Join(errs...)
}

func (e *Engine) closeResources() error {
	if e.resourcesClosed {
		return nil
	}
	e.resourcesClosed = true
	if e.plugins != nil {
		e.plugins.Wait()
	}
	var errs []error
	if e.metrics != nil {
		if err := e.metrics.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.backends.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Submit 按调度模式决策提交一次Workflow运行
func (e *Engine) Submit(ctx context.Context, snapshot *types.WorkflowSnapshot) (*types.Execution, error) {
	return e.hybrid.Submit(ctx, snapshot)
}

// Decide 返回快照将采用的调度模式
func (e *Engine) Decide(snapshot *types.WorkflowSnapshot) types.Mode {
	return e.hybrid.Decide(snapshot)
}

// Schedule 注册定时提交
func (e *Engine) Schedule(snapshot *types.WorkflowSnapshot, cronExpr string) error {
	return e.cron.Register(snapshot, cronExpr)
}

// Unschedule 取消定时提交
func (e *Engine) Unschedule(workflowID string) error {
	return e.cron.Unregister(workflowID)
}

func (e *Engine) onBreakerChange(key reliability.BreakerKey, from, to reliability.BreakerState) {
	var typ events.Type
	switch to {
	case reliability.BreakerOpen:
		typ = events.BreakerOpened
	case reliability.BreakerClosed:
		typ = events.BreakerClosed
	default:
		log.Infof("🔌 [Engine] 熔断器半开: key=%s", key)
		return
	}
	if e.events == nil {
		return
	}
	e.events.Emit(context.Background(), events.Event{
		Type:     typ,
		NodeType: key.NodeType,
		Status:   to.String(),
		Data:     map[string]any{"dependency": key.Dependency, "from": from.String(), "key": key.String()},
	})
}

// Config 引擎配置
func (e *Engine) Config() *config.EngineConfig {
	return e.cfg
}

// Registry 节点执行器注册表
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Plugins 插件管理器
func (e *Engine) Plugins() *plugin.Manager {
	return e.plugins
}

// Janitor 巡检服务，未启用时为nil
func (e *Engine) Janitor() *janitor.Janitor {
	return e.janitor
}

// Processor 任务处理器
func (e *Engine) Processor() *processor.Processor {
	return e.processor
}

// Running 是否在运行
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
