package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// SubmitFunc 提交一次Workflow运行
type SubmitFunc func(ctx context.Context, snapshot *types.WorkflowSnapshot) (*types.Execution, error)

type cronEntry struct {
	id       cron.EntryID
	expr     string
	snapshot []byte
}

// CronScheduler 按Cron表达式周期性提交Workflow快照（对外导出）
type CronScheduler struct {
	cron    *cron.Cron
	submit  SubmitFunc
	entries map[string]cronEntry
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCronScheduler 创建定时调度器（对外导出）
func NewCronScheduler(submit SubmitFunc) *CronScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		cron:    cron.New(cron.WithSeconds()),
		submit:  submit,
		entries: make(map[string]cronEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register 注册Workflow快照，快照在注册时固化，之后的修改不影响定时运行
func (cs *CronScheduler) Register(snapshot *types.WorkflowSnapshot, expr string) error {
	if snapshot == nil {
		return fmt.Errorf("Workflow快照不能为空")
	}
	if err := snapshot.Validate(); err != nil {
		return err
	}
	wfID := snapshot.WorkflowID

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("Workflow %s 的Cron表达式无效: %w", wfID, err)
	}
	data, err := snapshot.Marshal()
	if err != nil {
		return fmt.Errorf("序列化Workflow %s 失败: %w", wfID, err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, exists := cs.entries[wfID]; exists {
		return fmt.Errorf("Workflow %s 已注册到定时调度器", wfID)
	}
	id, err := cs.cron.AddFunc(expr, func() { cs.trigger(wfID, data) })
	if err != nil {
		return fmt.Errorf("添加Cron任务失败: %w", err)
	}
	cs.entries[wfID] = cronEntry{id: id, expr: expr, snapshot: data}

	log.Infof("✅ [Cron调度器] 已注册Workflow: ID=%s, CronExpr=%s", wfID, expr)
	return nil
}

// Unregister 取消注册Workflow
func (cs *CronScheduler) Unregister(workflowID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, exists := cs.entries[workflowID]
	if !exists {
		return fmt.Errorf("Workflow %s 未注册到定时调度器", workflowID)
	}
	cs.cron.Remove(entry.id)
	delete(cs.entries, workflowID)

	log.Infof("✅ [Cron调度器] 已取消注册Workflow: ID=%s", workflowID)
	return nil
}

// trigger 每次触发解码出独立的快照副本
func (cs *CronScheduler) trigger(workflowID string, data []byte) {
	if cs.ctx.Err() != nil {
		return
	}
	snapshot, err := types.UnmarshalSnapshot(data)
	if err != nil {
		log.Errorf("❌ [Cron调度器] 解码Workflow快照失败: WorkflowID=%s, Error=%v", workflowID, err)
		return
	}
	log.Infof("🕐 [Cron调度器] 触发Workflow执行: ID=%s", workflowID)

	exec, err := cs.submit(cs.ctx, snapshot)
	if err != nil {
		log.Errorf("❌ [Cron调度器] 提交Workflow失败: WorkflowID=%s, Error=%v", workflowID, err)
		return
	}
	log.Infof("✅ [Cron调度器] Workflow已提交执行: WorkflowID=%s, ExecutionID=%s", workflowID, exec.ExecutionID)
}

// Start 启动定时调度器
func (cs *CronScheduler) Start() {
	cs.cron.Start()
	log.Infof("✅ [Cron调度器] 已启动")
}

// Stop 停止定时调度器，等待正在执行的触发结束
func (cs *CronScheduler) Stop() {
	cs.cancel()
	<-cs.cron.Stop().Done()
	log.Infof("✅ [Cron调度器] 已停止")
}

// Registered 已注册的Workflow ID，按字典序
func (cs *CronScheduler) Registered() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	ids := make([]string, 0, len(cs.entries))
	for id := range cs.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
