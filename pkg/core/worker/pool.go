// Package worker 轮询任务队列并在有界协程池中处理租约任务（对外导出）
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/LENAX/node-engine/pkg/core/processor"
	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// Handler 处理单个租约任务
type Handler interface {
	Process(ctx context.Context, lease *types.LeasedTask) processor.Outcome
}

// HandlerFunc 函数形式的Handler
type HandlerFunc func(ctx context.Context, lease *types.LeasedTask) processor.Outcome

// Process 实现Handler
func (f HandlerFunc) Process(ctx context.Context, lease *types.LeasedTask) processor.Outcome {
	return f(ctx, lease)
}

// Config Worker池配置
type Config struct {
	// Loops 独立轮询循环数
	Loops int
	// Concurrency 同时处理的任务上限
	Concurrency int
	// BatchSize 单次Dequeue的最大任务数
	BatchSize int
	// VisibilityTimeout 租约时长
	VisibilityTimeout time.Duration
	// PollInterval 队列为空时的轮询间隔
	PollInterval time.Duration
	// HeartbeatInterval 续租间隔，<=0时取VisibilityTimeout的1/3
	HeartbeatInterval time.Duration
	// ShutdownTimeout 关闭时等待进行中任务的最长时间
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Loops <= 0 {
		c.Loops = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.VisibilityTimeout / 3
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Pool Worker池（对外导出）
// 进程内不共享调度状态，所有协调都经过任务队列与Execution Store
type Pool struct {
	cfg      Config
	queue    queue.TaskQueue
	handler  Handler
	notifier queue.Notifier
	now      types.NowFunc

	pool      *ants.Pool
	loopWG    sync.WaitGroup
	taskWG    sync.WaitGroup
	running   atomic.Bool
	stopLoops context.CancelFunc
	abandon   context.CancelFunc
	execCtx   context.Context

	mu       sync.Mutex
	outcomes map[processor.Outcome]int64
}

// Option Worker池选项
type Option func(*Pool)

// WithNotifier 订阅入队提示以降低空闲唤醒延迟
func WithNotifier(n queue.Notifier) Option {
	return func(p *Pool) { p.notifier = n }
}

// WithClock 注入时钟
func WithClock(now types.NowFunc) Option {
	return func(p *Pool) { p.now = now }
}

// New 创建Worker池
func New(q queue.TaskQueue, handler Handler, cfg Config, opts ...Option) (*Pool, error) {
	cfg.applyDefaults()
	pool, err := ants.NewPool(cfg.Concurrency, ants.WithPreAlloc(false))
	if err != nil {
		return nil, fmt.Errorf("创建协程池失败: %w", err)
	}
	p := &Pool{
		cfg:      cfg,
		queue:    q,
		handler:  handler,
		now:      time.Now,
		pool:     pool,
		outcomes: make(map[processor.Outcome]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start 启动轮询循环
func (p *Pool) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("Worker池已在运行")
	}
	loopCtx, stopLoops := context.WithCancel(ctx)
	execCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	p.stopLoops, p.abandon, p.execCtx = stopLoops, abandon, execCtx

	var hints <-chan struct{}
	if p.notifier != nil {
		h, err := p.notifier.Subscribe(loopCtx)
		if err != nil {
			log.Warnf("⚠️ [Worker] 订阅入队提示失败，退化为纯轮询: %v", err)
		} else {
			hints = h
		}
	}

	for i := 0; i < p.cfg.Loops; i++ {
		p.loopWG.Add(1)
		go p.loop(loopCtx, i, hints)
	}
	log.Infof("🚀 [Worker] Worker池启动: 循环数=%d, 并发=%d, 批量=%d", p.cfg.Loops, p.cfg.Concurrency, p.cfg.BatchSize)
	return nil
}

func (p *Pool) loop(ctx context.Context, id int, hints <-chan struct{}) {
	defer p.loopWG.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		free := p.pool.Free()
		if free <= 0 {
			if !queue.Wait(ctx, nil, p.cfg.PollInterval/10+time.Millisecond) {
				return
			}
			continue
		}
		batch := p.cfg.BatchSize
		if batch > free {
			batch = free
		}
		leases, err := p.queue.Dequeue(ctx, batch, p.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("⚠️ [Worker-%d] 领取任务失败: %v", id, err)
			if !queue.Wait(ctx, nil, p.cfg.PollInterval) {
				return
			}
			continue
		}
		if len(leases) == 0 {
			if !queue.Wait(ctx, hints, p.cfg.PollInterval) {
				return
			}
			continue
		}
		for _, lease := range leases {
			p.submit(id, lease)
		}
	}
}

func (p *Pool) submit(loopID int, lease *types.LeasedTask) {
	p.taskWG.Add(1)
	err := p.pool.Submit(func() {
		defer p.taskWG.Done()
		p.handle(lease)
	})
	if err != nil {
		// 租约过期后由其他Worker重新领取
		p.taskWG.Done()
		log.Warnf("⚠️ [Worker-%d] 提交任务失败，等待租约过期: TaskID=%s, err=%v", loopID, lease.Task.ID, err)
	}
}

func (p *Pool) handle(lease *types.LeasedTask) {
	ctx := p.execCtx
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		p.heartbeat(hbCtx, lease)
	}()

	outcome := func() (o processor.Outcome) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("❌ [Worker] 处理任务panic: TaskID=%s, panic=%v", lease.Task.ID, r)
				o = processor.OutcomeAbandoned
			}
		}()
		return p.handler.Process(ctx, lease)
	}()
	stopHeartbeat()
	hbWG.Wait()

	p.mu.Lock()
	p.outcomes[outcome]++
	p.mu.Unlock()
}

// heartbeat 周期性续租，使长时间运行的执行不会被误判为超时
func (p *Pool) heartbeat(ctx context.Context, lease *types.LeasedTask) {
	hb := &types.LeasedTask{Task: &types.Task{ID: lease.Task.ID}, LeaseToken: lease.LeaseToken, ExpiresAt: lease.ExpiresAt}
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extra := p.now().Add(p.cfg.VisibilityTimeout).Sub(hb.ExpiresAt)
			if extra <= 0 {
				continue
			}
			if err := p.queue.ExtendLease(ctx, hb, extra); err != nil {
				if errors.Is(err, types.ErrLeaseLost) {
					log.Warnf("⚠️ [Worker] 租约已丢失: TaskID=%s", hb.Task.ID)
					return
				}
				log.Warnf("⚠️ [Worker] 续租失败: TaskID=%s, err=%v", hb.Task.ID, err)
			}
		}
	}
}

// Stop 协作式关闭：停止领取新任务，等待进行中的任务至ShutdownTimeout，超时后放弃剩余租约
func (p *Pool) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.stopLoops()
	p.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		p.taskWG.Wait()
		close(done)
	}()
	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = fmt.Errorf("等待进行中的任务超时(%s)，剩余租约将过期重投", p.cfg.ShutdownTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.abandon()
	if err != nil {
		log.Warnf("⚠️ [Worker] %v", err)
		p.pool.Release()
		return err
	}
	if rerr := p.pool.ReleaseTimeout(p.cfg.ShutdownTimeout); rerr != nil {
		log.Warnf("⚠️ [Worker] 释放协程池超时: %v", rerr)
	}
	log.Infof("✅ [Worker] Worker池已停止")
	return nil
}

// Running 是否在运行
func (p *Pool) Running() bool {
	return p.running.Load()
}

// InFlight 正在处理的任务数
func (p *Pool) InFlight() int {
	return p.pool.Running()
}

// Outcomes 各处理结果的累计次数
func (p *Pool) Outcomes() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64, len(p.outcomes))
	for k, v := range p.outcomes {
		out[k.String()] = v
	}
	return out
}
