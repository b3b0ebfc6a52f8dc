// Package janitor 恢复与清理服务：存活检查、停车间兜底唤醒、历史数据清理（对外导出）
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/scheduler"
	"github.com/LENAX/node-engine/pkg/core/store"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// DefaultSchedule 默认每5秒执行一次（秒级cron表达式）
const DefaultSchedule = "*/5 * * * * *"

// LeaderElector 领导权选举（对外导出）
// 多个Janitor实例同时运行时只有Leader执行修改性的清理
type LeaderElector interface {
	// TryAcquire 获取或续期领导权
	TryAcquire(ctx context.Context) (bool, error)
	// Release 主动放弃领导权
	Release(ctx context.Context) error
}

// AlwaysLeader 单实例部署时使用
type AlwaysLeader struct{}

// TryAcquire 总是成功
func (AlwaysLeader) TryAcquire(context.Context) (bool, error) { return true, nil }

// Release 空操作
func (AlwaysLeader) Release(context.Context) error { return nil }

// Store Janitor依赖的存储能力
type Store interface {
	store.HotStore
	Evict(ctx context.Context, executionID string) error
	Cold() store.ColdStore
}

// Config Janitor配置
type Config struct {
	// Schedule 秒级cron表达式
	Schedule string
	// LivenessWindow 非终态Execution超过该时长无进展且无存活任务时判定为卡死
	LivenessWindow time.Duration
	// SweepBatch 单次唤醒的停车条目上限
	SweepBatch int
	// EvictAfter 终态Execution结束超过该时长后从热存储驱逐，<=0表示不驱逐
	EvictAfter time.Duration
	// Retention 冷存储保留时长，<=0表示永久保留
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 5 * time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
}

// Report 单轮清理结果
type Report struct {
	Leader    bool `json:"leader"`
	Woken     int  `json:"woken"`
	Finalized int  `json:"finalized"`
	Failed    int  `json:"failed"`
	Evicted   int  `json:"evicted"`
	Purged    int  `json:"purged"`
}

// Janitor 恢复与清理服务（对外导出）
type Janitor struct {
	cfg     Config
	store   Store
	queue   queue.TaskQueue
	nodes   *scheduler.NodeScheduler
	elector LeaderElector
	now     types.NowFunc

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	last    Report
}

// Option Janitor选项
type Option func(*Janitor)

// WithClock 注入时钟
func WithClock(now types.NowFunc) Option {
	return func(j *Janitor) { j.now = now }
}

// New 创建Janitor，elector为nil时视为单实例
func New(st Store, q queue.TaskQueue, nodes *scheduler.NodeScheduler, elector LeaderElector, cfg Config, opts ...Option) (*Janitor, error) {
	cfg.applyDefaults()
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("Janitor的Cron表达式无效: %w", err)
	}
	if elector == nil {
		elector = AlwaysLeader{}
	}
	j := &Janitor{
		cfg:     cfg,
		store:   st,
		queue:   q,
		nodes:   nodes,
		elector: elector,
		now:     time.Now,
		cron:    cron.New(cron.WithSeconds()),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Start 按cron计划周期执行RunOnce
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	_, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			log.Warnf("⚠️ [Janitor] 清理失败: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("添加Cron任务失败: %w", err)
	}
	j.cron.Start()
	j.running = true
	log.Infof("✅ [Janitor] 已启动: schedule=%s, liveness=%s", j.cfg.Schedule, j.cfg.LivenessWindow)
	return nil
}

// Stop 停止调度，等待进行中的一轮结束后释放领导权
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	j.mu.Unlock()

	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
	if err := j.elector.Release(ctx); err != nil {
		log.Warnf("⚠️ [Janitor] 释放领导权失败: %v", err)
	}
	log.Infof("✅ [Janitor] 已停止")
}

// LastReport 最近一轮的清理结果
func (j *Janitor) LastReport() Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// RunOnce 执行一轮清理，非Leader时直接返回
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	leader, err := j.elector.TryAcquire(ctx)
	if err != nil {
		return report, fmt.Errorf("获取领导权失败: %w", err)
	}
	if !leader {
		return report, nil
	}
	report.Leader = true

	woken, err := j.nodes.WakeExpired(ctx, j.cfg.SweepBatch)
	if err != nil {
		return report, fmt.Errorf("唤醒停车任务失败: %w", err)
	}
	report.Woken = woken

	if err := j.checkLiveness(ctx, &report); err != nil {
		return report, err
	}
	if err := j.retain(ctx, &report); err != nil {
		return report, err
	}

	j.mu.Lock()
	j.last = report
	j.mu.Unlock()
	if report.Woken+report.Finalized+report.Failed+report.Evicted+report.Purged > 0 {
		log.Infof("🧹 [Janitor] 本轮清理: 唤醒=%d, 补完成=%d, 卡死失败=%d, 驱逐=%d, 清理历史=%d",
			report.Woken, report.Finalized, report.Failed, report.Evicted, report.Purged)
	}
	return report, nil
}

// checkLiveness 非终态Execution超过存活窗口未更新，且队列与停车间中都没有它的任务时判定为卡死
func (j *Janitor) checkLiveness(ctx context.Context, report *Report) error {
	execs, err := j.store.ListExecutions(ctx)
	if err != nil {
		return fmt.Errorf("列出Execution失败: %w", err)
	}
	deadline := j.now().Add(-j.cfg.LivenessWindow)
	for _, e := range execs {
		if e.Status.IsTerminal() || e.UpdatedAt.After(deadline) {
			continue
		}
		queued, err := j.queue.CountByExecution(ctx, e.ExecutionID)
		if err != nil {
			return fmt.Errorf("统计排队任务失败: %w", err)
		}
		parked, err := j.store.CountParked(ctx, e.ExecutionID)
		if err != nil {
			return fmt.Errorf("统计停车任务失败: %w", err)
		}
		if queued > 0 || parked > 0 {
			continue
		}
		// 计数器更新丢失时节点其实已全部完成
		finalized, err := j.nodes.FinalizeIfDone(ctx, e.ExecutionID)
		if err != nil {
			log.Warnf("⚠️ [Janitor] 判定Execution完成失败: ExecutionID=%s, err=%v", e.ExecutionID, err)
			continue
		}
		if finalized {
			report.Finalized++
			continue
		}
		reason := fmt.Sprintf("超过存活窗口 %s 无进展且没有存活任务", j.cfg.LivenessWindow)
		applied, err := j.nodes.FinishExecution(ctx, e.ExecutionID, types.ExecutionFailed, reason)
		if err != nil {
			log.Warnf("⚠️ [Janitor] 标记卡死Execution失败: ExecutionID=%s, err=%v", e.ExecutionID, err)
			continue
		}
		if applied {
			report.Failed++
			log.Warnf("⏱️ [Janitor] Execution卡死，标记为失败: ExecutionID=%s", e.ExecutionID)
		}
	}
	return nil
}

// retain 驱逐已结束的热状态，清理过期的冷存储历史
func (j *Janitor) retain(ctx context.Context, report *Report) error {
	now := j.now()
	if j.cfg.EvictAfter > 0 {
		execs, err := j.store.ListExecutions(ctx)
		if err != nil {
			return fmt.Errorf("列出Execution失败: %w", err)
		}
		cutoff := now.Add(-j.cfg.EvictAfter)
		for _, e := range execs {
			if !e.Status.IsTerminal() || e.EndedAt == nil || e.EndedAt.After(cutoff) {
				continue
			}
			if err := j.store.Evict(ctx, e.ExecutionID); err != nil {
				log.Warnf("⚠️ [Janitor] 驱逐Execution失败: ExecutionID=%s, err=%v", e.ExecutionID, err)
				continue
			}
			report.Evicted++
		}
	}
	if j.cfg.Retention > 0 && j.store.Cold() != nil {
		n, err := j.store.Cold().PurgeBefore(ctx, now.Add(-j.cfg.Retention))
		if err != nil {
			return fmt.Errorf("清理冷存储失败: %w", err)
		}
		report.Purged = n
	}
	return nil
}
