// Package scheduler Hybrid调度决策与分布式节点调度（对外导出）
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/node-engine/pkg/core/blob"
	"github.com/LENAX/node-engine/pkg/core/cache"
	"github.com/LENAX/node-engine/pkg/core/dag"
	"github.com/LENAX/node-engine/pkg/core/events"
	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/store"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// DefaultWakeDeadline 停车条目的默认唤醒期限
const DefaultWakeDeadline = 5 * time.Second

// DependencyState 依赖检查结果
type DependencyState int

const (
	// DependenciesReady 所有前驱均已满足
	DependenciesReady DependencyState = iota
	// DependenciesParked 存在未终结的前驱，任务已放入停车间
	DependenciesParked
	// DependencyFailed 存在失败或取消的前驱，节点应被跳过
	DependencyFailed
)

// NodeScheduler 分布式节点调度器（对外导出）
// 每个节点终结时由处理它的Worker推进后继：逐边幂等递减入度，入度归零即入队
type NodeScheduler struct {
	store             store.HotStore
	queue             queue.TaskQueue
	codec             *blob.Codec
	graphs            *cache.TTLCache[*graphEntry]
	events            events.Sink
	now               types.NowFunc
	wakeDeadline      time.Duration
	defaultMaxRetries int
	writeAttempts     int
	writeDelay        time.Duration
}

type graphEntry struct {
	snapshot *types.WorkflowSnapshot
	graph    *dag.DependencyGraph
}

// Option 调度器选项
type Option func(*NodeScheduler)

// WithWakeDeadline 设置停车唤醒期限
func WithWakeDeadline(d time.Duration) Option {
	return func(s *NodeScheduler) { s.wakeDeadline = d }
}

// WithClock 注入时钟
func WithClock(now types.NowFunc) Option {
	return func(s *NodeScheduler) { s.now = now }
}

// WithEvents 设置事件订阅方
func WithEvents(sink events.Sink) Option {
	return func(s *NodeScheduler) { s.events = events.OrNoop(sink) }
}

// WithDefaultMaxRetries 节点未指定MaxRetries时使用的重试预算
func WithDefaultMaxRetries(n int) Option {
	return func(s *NodeScheduler) { s.defaultMaxRetries = n }
}

// WithStoreWriteRetry 存储写入的重试次数与间隔
func WithStoreWriteRetry(attempts int, delay time.Duration) Option {
	return func(s *NodeScheduler) {
		s.writeAttempts = attempts
		s.writeDelay = delay
	}
}

// NewNodeScheduler 创建节点调度器
func NewNodeScheduler(st store.HotStore, q queue.TaskQueue, codec *blob.Codec, opts ...Option) *NodeScheduler {
	s := &NodeScheduler{
		store:             st,
		queue:             q,
		codec:             codec,
		events:            events.Noop,
		now:               time.Now,
		wakeDeadline:      DefaultWakeDeadline,
		defaultMaxRetries: 3,
		writeAttempts:     3,
		writeDelay:        50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.graphs = cache.New[*graphEntry](cache.Options{DefaultTTL: 30 * time.Minute, Now: s.now})
	return s
}

// Store 返回底层存储
func (s *NodeScheduler) Store() store.HotStore {
	return s.store
}

// Codec 返回负载编解码器
func (s *NodeScheduler) Codec() *blob.Codec {
	return s.codec
}

// Graph 加载并缓存Execution使用的DAG，快照在Execution内不可变
func (s *NodeScheduler) Graph(ctx context.Context, executionID string, ref types.PayloadRef) (*dag.DependencyGraph, *types.WorkflowSnapshot, error) {
	if e, ok := s.graphs.Get(executionID); ok {
		return e.graph, e.snapshot, nil
	}
	data, err := s.codec.Bytes(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	snapshot, err := types.UnmarshalSnapshot(data)
	if err != nil {
		return nil, nil, err
	}
	graph, err := dag.Build(snapshot)
	if err != nil {
		return nil, nil, err
	}
	s.graphs.Set(executionID, &graphEntry{snapshot: snapshot, graph: graph}, 0)
	return graph, snapshot, nil
}

func (s *NodeScheduler) cacheGraph(executionID string, snapshot *types.WorkflowSnapshot, graph *dag.DependencyGraph) {
	s.graphs.Set(executionID, &graphEntry{snapshot: snapshot, graph: graph}, 0)
}

// NewNodeTask 按节点定义创建任务，未指定重试预算时使用默认值
func (s *NodeScheduler) NewNodeTask(exec *types.Execution, spec types.NodeSpec) *types.Task {
	task := types.NewNodeTask(exec.ExecutionID, exec.WorkflowID, spec, exec.SnapshotRef)
	if task.MaxRetries == 0 {
		task.MaxRetries = s.defaultMaxRetries
	}
	task.CreatedAt = s.now()
	return task
}

func (s *NodeScheduler) write(ctx context.Context, op func(ctx context.Context) error) error {
	return reliability.RetryStoreWrite(ctx, s.writeAttempts, s.writeDelay, op)
}

// StartExecution 以节点级模式启动Execution
// prior为恢复执行时沿用的已完成节点记录，入度只统计未完成的前驱
func (s *NodeScheduler) StartExecution(ctx context.Context, exec *types.Execution, snapshot *types.WorkflowSnapshot, prior map[string]*types.NodeResultRecord) error {
	graph, err := dag.Build(snapshot)
	if err != nil {
		return err
	}
	s.cacheGraph(exec.ExecutionID, snapshot, graph)

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("创建Execution失败: %w", err)
	}

	indegrees := make(map[string]int, graph.Len())
	remaining := 0
	for _, id := range graph.NodeIDs() {
		if rec, done := prior[id]; done && rec.Status.SatisfiesDependency() {
			continue
		}
		remaining++
		n := 0
		for _, pred := range graph.Predecessors(id) {
			if rec, done := prior[pred]; done && rec.Status.SatisfiesDependency() {
				continue
			}
			n++
		}
		indegrees[id] = n
	}
	for id, rec := range prior {
		if !rec.Status.SatisfiesDependency() {
			continue
		}
		c := rec.Clone()
		c.ExecutionID = exec.ExecutionID
		c.ClaimedBy, c.ClaimExpiresAt = "", 0
		if err := s.store.PutNodeRecord(ctx, c); err != nil && !errors.Is(err, types.ErrTerminalRecordExists) {
			return fmt.Errorf("复制节点 %s 的记录失败: %w", id, err)
		}
	}
	if err := s.store.InitCounters(ctx, exec.ExecutionID, indegrees, remaining); err != nil {
		return fmt.Errorf("初始化计数器失败: %w", err)
	}
	if _, _, err := s.store.TransitionExecution(ctx, exec.ExecutionID, types.ExecutionRunning, ""); err != nil {
		return err
	}
	s.events.Emit(ctx, events.Event{Type: events.ExecutionStarted, ExecutionID: exec.ExecutionID, WorkflowID: exec.WorkflowID, Status: string(types.ExecutionRunning)})

	if remaining == 0 {
		_, err := s.FinishExecution(ctx, exec.ExecutionID, types.ExecutionSuccess, "")
		return err
	}

	tasks := make([]*types.Task, 0)
	for _, id := range graph.NodeIDs() {
		if n, pending := indegrees[id]; pending && n == 0 {
			spec, _ := graph.Node(id)
			tasks = append(tasks, s.NewNodeTask(exec, spec))
		}
	}
	if _, err := s.queue.EnqueueBatch(ctx, tasks); err != nil {
		return fmt.Errorf("入队根节点失败: %w", err)
	}
	log.Infof("🚀 [NodeScheduler] Execution启动: ExecutionID=%s, 节点数=%d, 根节点数=%d", exec.ExecutionID, graph.Len(), len(tasks))
	return nil
}

// CheckDependencies 检查节点的前驱是否都已满足
// 按快照顺序找到第一个未终结的前驱并停车，停车后再次确认该前驱以关闭与其终结之间的竞态窗口
func (s *NodeScheduler) CheckDependencies(ctx context.Context, task *types.Task) (DependencyState, string, error) {
	graph, _, err := s.Graph(ctx, task.ExecutionID, task.Node.WorkflowSnapshotRef)
	if err != nil {
		return DependenciesReady, "", err
	}
	for _, pred := range graph.Predecessors(task.NodeID()) {
		rec, err := s.store.GetNodeRecord(ctx, task.ExecutionID, pred)
		if err != nil {
			return DependenciesReady, "", err
		}
		if rec != nil && rec.Status.IsTerminal() {
			if rec.Status.SatisfiesDependency() {
				continue
			}
			return DependencyFailed, pred, nil
		}
		if err := s.park(ctx, task, pred); err != nil {
			return DependenciesReady, "", err
		}
		return DependenciesParked, pred, nil
	}
	return DependenciesReady, "", nil
}

func (s *NodeScheduler) park(ctx context.Context, task *types.Task, waitingOn string) error {
	now := s.now()
	parked := task.Clone()
	parked.ScheduledAt = nil
	entry := &types.ParkedTaskEntry{
		TaskID:       task.ID,
		ExecutionID:  task.ExecutionID,
		WaitingOn:    waitingOn,
		Task:         parked,
		WakeDeadline: now.Add(s.wakeDeadline),
		ParkedAt:     now,
	}
	if err := s.write(ctx, func(ctx context.Context) error { return s.store.Park(ctx, entry) }); err != nil {
		return fmt.Errorf("停车失败: %w", err)
	}
	s.events.Emit(ctx, events.Event{Type: events.TaskParked, ExecutionID: task.ExecutionID, TaskID: task.ID, NodeID: task.NodeID(), Data: map[string]any{"waiting_on": waitingOn}})
	log.Debugf("🅿️ [NodeScheduler] 任务停车: TaskID=%s, 等待=%s", task.ID, waitingOn)

	rec, err := s.store.GetNodeRecord(ctx, task.ExecutionID, waitingOn)
	if err != nil {
		return nil
	}
	if rec != nil && rec.Status.IsTerminal() {
		_, err := s.WakeParked(ctx, task.ExecutionID, waitingOn)
		return err
	}
	return nil
}

// WakeParked 把等待某个前驱的条目重新入队
func (s *NodeScheduler) WakeParked(ctx context.Context, executionID, waitingOn string) (int, error) {
	entries, err := s.store.TakeParked(ctx, executionID, waitingOn)
	if err != nil {
		return 0, err
	}
	return s.requeue(ctx, entries), nil
}

// WakeExpired 把到期的停车条目重新入队，由Janitor周期性调用
func (s *NodeScheduler) WakeExpired(ctx context.Context, limit int) (int, error) {
	entries, err := s.store.TakeExpiredParked(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	n := s.requeue(ctx, entries)
	if n > 0 {
		log.Infof("⏰ [NodeScheduler] 唤醒到期停车任务: %d", n)
	}
	return n, nil
}

func (s *NodeScheduler) requeue(ctx context.Context, entries []*types.ParkedTaskEntry) int {
	n := 0
	for _, e := range entries {
		task := e.Task.Clone()
		task.ID = types.WakeTaskID(e.TaskID)
		task.ScheduledAt = nil
		if _, err := s.queue.Enqueue(ctx, task); err != nil {
			// Execution已结束或已取消时丢弃
			log.Debugf("[NodeScheduler] 停车任务不再入队: TaskID=%s, err=%v", e.TaskID, err)
			continue
		}
		n++
	}
	return n
}

// OnNodeTerminal 节点进入终态后推进调度
// 成功或跳过：逐边递减后继入度，归零的后继入队；失败：Execution失败并跳过所有后代
// 所有步骤都是幂等的，重复调用不会重复派发
func (s *NodeScheduler) OnNodeTerminal(ctx context.Context, task *types.Task, rec *types.NodeResultRecord) error {
	exec, err := s.store.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		return err
	}
	graph, _, err := s.Graph(ctx, exec.ExecutionID, exec.SnapshotRef)
	if err != nil {
		return err
	}
	nodeID := rec.NodeID

	switch {
	case rec.Status.SatisfiesDependency():
		ready := make([]*types.Task, 0)
		for _, succ := range graph.Successors(nodeID) {
			var (
				remaining int
				applied   bool
			)
			err := s.write(ctx, func(ctx context.Context) error {
				var err error
				remaining, applied, err = s.store.DecrementIndegree(ctx, exec.ExecutionID, succ, nodeID)
				return err
			})
			if err != nil {
				return fmt.Errorf("递减入度失败: %w", err)
			}
			if applied && remaining == 0 && !exec.Status.IsTerminal() && !exec.CancelRequested {
				spec, _ := graph.Node(succ)
				ready = append(ready, s.NewNodeTask(exec, spec))
			}
		}
		if len(ready) > 0 {
			if _, err := s.queue.EnqueueBatch(ctx, ready); err != nil && !isGateRejection(err) {
				return fmt.Errorf("入队后继节点失败: %w", err)
			}
		}
	case rec.Status == types.NodeFailed:
		reason := fmt.Sprintf("节点 %s 失败: %s", nodeID, rec.Error)
		if _, err := s.FinishExecution(ctx, exec.ExecutionID, types.ExecutionFailed, reason); err != nil {
			return err
		}
		if err := s.skipDescendants(ctx, exec.ExecutionID, graph, nodeID); err != nil {
			return err
		}
	}

	if _, err := s.WakeParked(ctx, exec.ExecutionID, nodeID); err != nil {
		log.Warnf("⚠️ [NodeScheduler] 唤醒停车任务失败: ExecutionID=%s, NodeID=%s, err=%v", exec.ExecutionID, nodeID, err)
	}
	if err := s.markDone(ctx, exec.ExecutionID, nodeID); err != nil {
		return err
	}
	_ = s.store.TouchExecution(ctx, exec.ExecutionID)
	return nil
}

func (s *NodeScheduler) markDone(ctx context.Context, executionID, nodeID string) error {
	var (
		remaining int
		applied   bool
	)
	err := s.write(ctx, func(ctx context.Context) error {
		var err error
		remaining, applied, err = s.store.MarkNodeDone(ctx, executionID, nodeID)
		return err
	})
	if err != nil {
		return fmt.Errorf("更新剩余节点数失败: %w", err)
	}
	if applied && remaining == 0 {
		if _, err := s.FinishExecution(ctx, executionID, types.ExecutionSuccess, ""); err != nil {
			return err
		}
	}
	return nil
}

// skipDescendants 把失败节点的所有后代标记为Skipped
func (s *NodeScheduler) skipDescendants(ctx context.Context, executionID string, graph *dag.DependencyGraph, nodeID string) error {
	for _, d := range graph.Descendants(nodeID) {
		rec := &types.NodeResultRecord{
			ExecutionID: executionID,
			NodeID:      d,
			Status:      types.NodeSkipped,
			Error:       fmt.Sprintf("上游节点 %s 失败", nodeID),
			UpdatedAt:   s.now(),
		}
		err := s.write(ctx, func(ctx context.Context) error { return s.store.PutNodeRecord(ctx, rec) })
		if err != nil && !errors.Is(err, types.ErrTerminalRecordExists) {
			return fmt.Errorf("跳过后代节点 %s 失败: %w", d, err)
		}
		if err := s.markDone(ctx, executionID, d); err != nil {
			return err
		}
	}
	return nil
}

// FinishExecution CAS迁移到终态，成功迁移时清理队列与停车间并发出事件
// 已处于终态时返回false且不报错
func (s *NodeScheduler) FinishExecution(ctx context.Context, executionID string, status types.ExecutionStatus, reason string) (bool, error) {
	var (
		applied bool
		exec    *types.Execution
	)
	err := s.write(ctx, func(ctx context.Context) error {
		var err error
		applied, exec, err = s.store.TransitionExecution(ctx, executionID, status, reason)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("迁移Execution状态失败: %w", err)
	}
	if !applied {
		return false, nil
	}
	if status != types.ExecutionSuccess {
		if n, err := s.queue.PurgeExecution(ctx, executionID); err == nil && n > 0 {
			log.Infof("🧹 [NodeScheduler] 清理排队任务: ExecutionID=%s, 数量=%d", executionID, n)
		}
	}
	if _, err := s.store.TakeParkedByExecution(ctx, executionID); err != nil {
		log.Warnf("⚠️ [NodeScheduler] 清理停车间失败: ExecutionID=%s, err=%v", executionID, err)
	}
	s.graphs.Delete(executionID)

	s.events.Emit(ctx, events.Event{
		Type:        executionEvent(status),
		ExecutionID: executionID,
		WorkflowID:  exec.WorkflowID,
		Status:      string(status),
		Error:       reason,
		Latency:     executionLatency(exec),
	})
	switch status {
	case types.ExecutionSuccess:
		log.Infof("✅ [NodeScheduler] Execution完成: ExecutionID=%s", executionID)
	case types.ExecutionFailed:
		log.Errorf("❌ [NodeScheduler] Execution失败: ExecutionID=%s, 原因=%s", executionID, reason)
	default:
		log.Warnf("🛑 [NodeScheduler] Execution已取消: ExecutionID=%s", executionID)
	}
	return true, nil
}

// Cancel 请求取消Execution
// 设置取消标记后迁移到Cancelled，清理排队任务；运行中的执行器通过ExecContext协作式停止
func (s *NodeScheduler) Cancel(ctx context.Context, executionID string) (*types.Execution, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		if exec.Status == types.ExecutionCancelled {
			return exec, nil
		}
		return exec, fmt.Errorf("%w: %s(%s)", types.ErrExecutionTerminal, executionID, exec.Status)
	}
	if _, err := s.store.RequestCancel(ctx, executionID); err != nil {
		return nil, err
	}
	if _, err := s.FinishExecution(ctx, executionID, types.ExecutionCancelled, "cancelled by request"); err != nil {
		return nil, err
	}
	return s.store.GetExecution(ctx, executionID)
}

func isGateRejection(err error) bool {
	kind := types.Classify(err)
	return errors.Is(err, types.ErrExecutionTerminal) || kind == types.ErrorKindCancellation
}

func executionEvent(status types.ExecutionStatus) events.Type {
	switch status {
	case types.ExecutionSuccess:
		return events.ExecutionSucceeded
	case types.ExecutionFailed:
		return events.ExecutionFailed
	default:
		return events.ExecutionCancelled
	}
}

func executionLatency(exec *types.Execution) time.Duration {
	if exec == nil || exec.StartedAt == nil || exec.EndedAt == nil {
		return 0
	}
	return exec.EndedAt.Sub(*exec.StartedAt)
}

// FinalizeIfDone 根据节点记录重新判定Execution是否已完成
// 用于计数器更新丢失后的兜底：所有节点终结且无失败时迁移到Success
func (s *NodeScheduler) FinalizeIfDone(ctx context.Context, executionID string) (bool, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status.IsTerminal() {
		return false, nil
	}
	records, err := s.store.ListNodeRecords(ctx, executionID)
	if err != nil {
		return false, err
	}
	done := 0
	for _, rec := range records {
		if !rec.Status.IsTerminal() {
			continue
		}
		if !rec.Status.SatisfiesDependency() {
			return s.FinishExecution(ctx, executionID, types.ExecutionFailed, fmt.Sprintf("节点 %s 状态为 %s", rec.NodeID, rec.Status))
		}
		done++
	}
	if done < exec.NodeCount {
		return false, nil
	}
	return s.FinishExecution(ctx, executionID, types.ExecutionSuccess, "")
}
