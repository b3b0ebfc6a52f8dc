package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/LENAX/node-engine/internal/storage"
	"github.com/LENAX/node-engine/pkg/config"
	"github.com/LENAX/node-engine/pkg/core/blob"
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

type pluginEntry struct {
	plugin plugin.Plugin
	params map[string]string
}

// EngineBuilder 引擎构建器（链式调用）
type EngineBuilder struct {
	configPath    string
	cfg           *config.EngineConfig
	registry      *registry.Registry
	plugins       []pluginEntry
	bindings      []plugin.Binding
	sinks         []events.Sink
	meterProvider metric.MeterProvider
	storageOpts   []storage.Option
	now           types.NowFunc
	err           error
}

// NewEngineBuilder 从配置文件创建构建器（入口）
func NewEngineBuilder(configPath string) *EngineBuilder {
	return &EngineBuilder{configPath: configPath, registry: registry.New()}
}

// NewEngineBuilderWithConfig 使用已加载的配置创建构建器
func NewEngineBuilderWithConfig(cfg *config.EngineConfig) *EngineBuilder {
	b := &EngineBuilder{cfg: cfg, registry: registry.New()}
	if cfg == nil {
		b.err = errors.New("engine config is nil")
	}
	return b
}

// WithExecutor 注册节点执行器（链式）
func (b *EngineBuilder) WithExecutor(nodeType string, exec registry.Executor) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if err := b.registry.Register(nodeType, exec); err != nil {
		b.err = err
	}
	return b
}

// WithExecutorFunc 注册函数形式的节点执行器（链式）
func (b *EngineBuilder) WithExecutorFunc(nodeType string, fn registry.ExecutorFunc) *EngineBuilder {
	return b.WithExecutor(nodeType, fn)
}

// WithWorkflowExecutor 设置Workflow级任务的执行器（链式）
func (b *EngineBuilder) WithWorkflowExecutor(w registry.WorkflowExecutor) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if w == nil {
		b.err = errors.New("workflow executor cannot be nil")
		return b
	}
	b.registry.SetWorkflowExecutor(w)
	return b
}

// WithPlugin 注册插件并在Build时初始化（链式）
func (b *EngineBuilder) WithPlugin(p plugin.Plugin, params map[string]string) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if p == nil {
		b.err = errors.New("plugin cannot be nil")
		return b
	}
	if p.Name() == "" {
		b.err = errors.New("plugin name cannot be empty")
		return b
	}
	b.plugins = append(b.plugins, pluginEntry{plugin: p, params: params})
	return b
}

// WithPluginBinding 绑定插件到事件（链式）
func (b *EngineBuilder) WithPluginBinding(binding plugin.Binding) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if binding.PluginName == "" {
		b.err = errors.New("plugin name cannot be empty")
		return b
	}
	if binding.Event == "" {
		b.err = errors.New("trigger event cannot be empty")
		return b
	}
	for _, entry := range b.plugins {
		if entry.plugin.Name() == binding.PluginName {
			b.bindings = append(b.bindings, binding)
			return b
		}
	}
	b.err = fmt.Errorf("plugin %s not registered, please register it first using WithPlugin", binding.PluginName)
	return b
}

// WithEventSink 追加事件订阅者（链式）
func (b *EngineBuilder) WithEventSink(sink events.Sink) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if sink == nil {
		b.err = errors.New("event sink cannot be nil")
		return b
	}
	b.sinks = append(b.sinks, sink)
	return b
}

// WithMeterProvider 指定指标使用的MeterProvider，默认使用otel全局Provider（链式）
func (b *EngineBuilder) WithMeterProvider(mp metric.MeterProvider) *EngineBuilder {
	if b.err != nil {
		return b
	}
	b.meterProvider = mp
	return b
}

// WithStorageOptions 透传存储工厂选项（链式）
func (b *EngineBuilder) WithStorageOptions(opts ...storage.Option) *EngineBuilder {
	if b.err != nil {
		return b
	}
	b.storageOpts = append(b.storageOpts, opts...)
	return b
}

// WithClock 注入时钟，测试使用（链式）
func (b *EngineBuilder) WithClock(now types.NowFunc) *EngineBuilder {
	if b.err != nil {
		return b
	}
	b.now = now
	return b
}

// Build 构建引擎实例（最终步骤）
func (b *EngineBuilder) Build(ctx context.Context) (eng *Engine, err error) {
	if b.err != nil {
		return nil, b.err
	}

	// 1. 加载配置
	cfg := b.cfg
	if cfg == nil {
		if cfg, err = config.LoadEngineConfig(b.configPath); err != nil {
			return nil, fmt.Errorf("load engine config failed: %w", err)
		}
	} else {
		cfg.ApplyDefaults()
		if err = cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate engine config failed: %w", err)
		}
	}
	ne := &cfg.NodeEngine
	log.SetLevel(ne.General.LogLevel)

	// 2. 存储后端
	storageOpts := b.storageOpts
	if b.now != nil {
		storageOpts = append([]storage.Option{storage.WithClock(b.now)}, storageOpts...)
	}
	backends, err := storage.Open(ctx, cfg, storageOpts...)
	if err != nil {
		return nil, fmt.Errorf("init storage failed: %w", err)
	}
	e := &Engine{cfg: cfg, backends: backends, registry: b.registry}
	defer func() {
		if err != nil {
			e.closeResources()
		}
	}()

	// 3. 事件：插件、指标、外部订阅者
	if err = b.buildPlugins(e); err != nil {
		return nil, err
	}
	breaker := reliability.NewCircuitBreaker(ne.Breaker.FailureThreshold, ne.Breaker.Cooldown, b.breakerOpts(e)...)
	e.breaker = breaker
	sinks := events.Multi{e.plugins}
	if ne.Metrics.Enabled {
		mp := b.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		e.metrics, err = metrics.New(mp, metrics.Sources{Queue: backends.Queue, DLQ: backends.DLQ, Breaker: breaker})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, e.metrics)
	}
	sinks = append(sinks, b.sinks...)
	e.events = sinks

	// 4. 调度与处理
	policy, err := reliability.NewRetryPolicy(reliability.RetryConfig{
		Strategy:   ne.Execution.Retry.Strategy,
		BaseDelay:  ne.Execution.Retry.BaseDelay,
		MaxDelay:   ne.Execution.Retry.MaxDelay,
		Multiplier: ne.Execution.Retry.Multiplier,
		Jitter:     ne.Execution.Retry.Jitter,
	})
	if err != nil {
		return nil, err
	}
	codec := blob.NewCodec(backends.Blob, ne.Storage.Blob.InlineThreshold)
	nodeOpts := []scheduler.Option{
		scheduler.WithWakeDeadline(cfg.GetWakeDeadline()),
		scheduler.WithEvents(e.events),
		scheduler.WithDefaultMaxRetries(ne.Execution.DefaultMaxRetries),
	}
	procOpts := []processor.Option{
		processor.WithBreaker(breaker),
		processor.WithEvents(e.events),
		processor.WithWorkerID(ne.General.InstanceName),
	}
	if b.now != nil {
		nodeOpts = append(nodeOpts, scheduler.WithClock(b.now))
		procOpts = append(procOpts, processor.WithClock(b.now))
	}
	e.nodes = scheduler.NewNodeScheduler(backends.Store, backends.Queue, codec, nodeOpts...)
	e.hybrid = scheduler.NewHybridScheduler(hybridConfig(ne.Scheduler), e.nodes, b.registry)
	e.processor = processor.New(backends.Queue, e.nodes, b.registry, reliability.NewPolicySet(policy), backends.DLQ, procOpts...)
	e.replayer = reliability.NewReplayer(backends.DLQ, backends.Queue)

	// 5. Worker池、巡检、定时提交
	var poolOpts []worker.Option
	if backends.Notifier != nil {
		poolOpts = append(poolOpts, worker.WithNotifier(backends.Notifier))
	}
	if b.now != nil {
		poolOpts = append(poolOpts, worker.WithClock(b.now))
	}
	e.pool, err = worker.New(backends.Queue, e.processor, worker.Config{
		Loops:             ne.Execution.WorkerCount,
		Concurrency:       ne.Execution.WorkerConcurrency,
		BatchSize:         ne.Queue.BatchSize,
		VisibilityTimeout: cfg.GetVisibilityTimeout(),
		PollInterval:      ne.Queue.PollInterval,
		ShutdownTimeout:   ne.Execution.ShutdownTimeout,
	}, poolOpts...)
	if err != nil {
		return nil, err
	}
	if ne.Janitor.Enabled {
		var janitorOpts []janitor.Option
		if b.now != nil {
			janitorOpts = append(janitorOpts, janitor.WithClock(b.now))
		}
		e.janitor, err = janitor.New(backends.Store, backends.Queue, e.nodes, backends.Elector, janitor.Config{
			Schedule:       ne.Janitor.Schedule,
			LivenessWindow: ne.Janitor.LivenessWindow,
			SweepBatch:     ne.Janitor.SweepBatch,
			EvictAfter:     ne.Janitor.EvictAfter,
			Retention:      ne.Janitor.Retention,
		}, janitorOpts...)
		if err != nil {
			return nil, err
		}
	}
	e.cron = NewCronScheduler(e.Submit)

	log.Infof("✅ [Engine] 构建完成: instance=%s, executors=%v", ne.General.InstanceName, b.registry.Types())
	return e, nil
}

func (b *EngineBuilder) buildPlugins(e *Engine) error {
	e.plugins = plugin.NewManager(plugin.WithAsync())
	for _, entry := range b.plugins {
		if err := e.plugins.RegisterWithInit(entry.plugin, entry.params); err != nil {
			return err
		}
	}
	for _, binding := range b.bindings {
		if err := e.plugins.Bind(binding); err != nil {
			return err
		}
	}

	em := e.cfg.NodeEngine.Alerts.Email
	if !em.Enabled {
		return nil
	}
	if err := e.plugins.RegisterWithInit(plugin.NewEmailPlugin(), map[string]string{
		"smtp_host": em.SMTPHost,
		"smtp_port": fmt.Sprint(em.SMTPPort),
		"username":  em.Username,
		"password":  em.Password,
		"from":      em.From,
		"to":        strings.Join(em.To, ","),
	}); err != nil {
		return err
	}
	alertEvents := plugin.AlertEvents
	if len(em.Events) > 0 {
		alertEvents = make([]events.Type, 0, len(em.Events))
		for _, name := range em.Events {
			alertEvents = append(alertEvents, events.Type(name))
		}
	}
	for _, t := range alertEvents {
		if err := e.plugins.Bind(plugin.Binding{PluginName: plugin.EmailPluginName, Event: t}); err != nil {
			return err
		}
	}
	return nil
}

// breakerOpts 熔断状态变化转成领域事件
func (b *EngineBuilder) breakerOpts(e *Engine) []reliability.BreakerOption {
	opts := []reliability.BreakerOption{
		reliability.WithStateChangeHook(func(key reliability.BreakerKey, from, to reliability.BreakerState) {
			e.onBreakerChange(key, from, to)
		}),
	}
	if b.now != nil {
		opts = append(opts, reliability.WithBreakerClock(b.now))
	}
	return opts
}

func hybridConfig(sc config.SchedulerConfig) scheduler.HybridConfig {
	hc := scheduler.HybridConfig{
		NodeLevelThreshold: sc.NodeLevelThreshold,
		LongRunningTypes:   sc.LongRunningNodeTypes,
		DurationThreshold:  sc.HistoricalDurationThreshold,
	}
	switch sc.Mode {
	case "node":
		hc.ForceMode = types.ModeNodeLevel
	case "workflow":
		hc.ForceMode = types.ModeWorkflowLevel
	}
	return hc
}
