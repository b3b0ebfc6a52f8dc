// Package processor 单个租约任务的处理：依赖检查、执行、重试与死信（对外导出）
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/node-engine/pkg/core/events"
	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/registry"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/scheduler"
	"github.com/LENAX/node-engine/pkg/core/store"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// Outcome 一次投递的处理结果
type Outcome int

const (
	// OutcomeAcked 执行成功并确认
	OutcomeAcked Outcome = iota
	// OutcomeNacked 可恢复的失败，退避后重新投递
	OutcomeNacked
	// OutcomeDeadLettered 重试耗尽或不可恢复，进入死信队列
	OutcomeDeadLettered
	// OutcomeDeferred 依赖未满足，已放入停车间
	OutcomeDeferred
	// OutcomeShortCircuited 已有终态结果或Execution已结束，未调用执行器
	OutcomeShortCircuited
	// OutcomeCancelled Execution已取消
	OutcomeCancelled
	// OutcomeAbandoned Worker关闭，放弃租约等待过期重投
	OutcomeAbandoned
)

// String 结果名称
func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeNacked:
		return "nacked"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeShortCircuited:
		return "short_circuited"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Processor 任务处理器（对外导出）
// 所有任务级错误都在这里转换为ack/nack/死信，不会向Worker循环传播
type Processor struct {
	queue    queue.TaskQueue
	nodes    *scheduler.NodeScheduler
	store    store.HotStore
	registry *registry.Registry
	policies *reliability.PolicySet
	breaker  *reliability.CircuitBreaker
	dlq      reliability.DeadLetterQueue
	events   events.Sink
	now      types.NowFunc

	workerID            string
	cancelCheckInterval time.Duration
	writeAttempts       int
	writeDelay          time.Duration
}

// Option 处理器选项
type Option func(*Processor)

// WithBreaker 设置熔断器
func WithBreaker(b *reliability.CircuitBreaker) Option {
	return func(p *Processor) { p.breaker = b }
}

// WithEvents 设置事件订阅方
func WithEvents(sink events.Sink) Option {
	return func(p *Processor) { p.events = events.OrNoop(sink) }
}

// WithClock 注入时钟
func WithClock(now types.NowFunc) Option {
	return func(p *Processor) { p.now = now }
}

// WithWorkerID 设置Worker标识，写入失败记录
func WithWorkerID(id string) Option {
	return func(p *Processor) { p.workerID = id }
}

// WithCancelCheckInterval 执行器查询取消标记的最小间隔
func WithCancelCheckInterval(d time.Duration) Option {
	return func(p *Processor) { p.cancelCheckInterval = d }
}

// WithStoreWriteRetry 存储写入的重试次数与间隔
func WithStoreWriteRetry(attempts int, delay time.Duration) Option {
	return func(p *Processor) {
		p.writeAttempts = attempts
		p.writeDelay = delay
	}
}

// New 创建处理器，registry在构造时冻结
func New(q queue.TaskQueue, nodes *scheduler.NodeScheduler, reg *registry.Registry, policies *reliability.PolicySet, dlq reliability.DeadLetterQueue, opts ...Option) *Processor {
	p := &Processor{
		queue:               q,
		nodes:               nodes,
		store:               nodes.Store(),
		registry:            reg.Snapshot(),
		policies:            policies,
		dlq:                 dlq,
		events:              events.Noop,
		now:                 time.Now,
		workerID:            types.NewID(),
		cancelCheckInterval: time.Second,
		writeAttempts:       3,
		writeDelay:          50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process 处理一个租约任务
func (p *Processor) Process(ctx context.Context, lease *types.LeasedTask) Outcome {
	if err := ctx.Err(); err != nil {
		return OutcomeAbandoned
	}
	task := lease.Task
	if task.Type == types.TaskTypeNode {
		if task.Node == nil {
			return p.deadLetter(ctx, lease, nil, types.NewValidationError("NodeTask缺少节点信息", nil))
		}
		return p.processNode(ctx, lease)
	}
	if task.Type == types.TaskTypeWorkflow {
		return p.processWorkflow(ctx, lease)
	}
	return p.deadLetter(ctx, lease, nil, types.NewValidationError(fmt.Sprintf("未知的任务类型: %s", task.Type), nil))
}

// gate 检查Execution是否仍可执行，返回非零Outcome表示已处理完毕
func (p *Processor) gate(ctx context.Context, lease *types.LeasedTask) (*types.Execution, Outcome, bool) {
	task := lease.Task
	exec, err := p.store.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		if errors.Is(err, types.ErrExecutionNotFound) {
			return nil, p.deadLetter(ctx, lease, nil, types.NewValidationError("Execution不存在", err)), true
		}
		return nil, p.retry(ctx, lease, nil, types.NewTransientError("读取Execution失败", err)), true
	}
	if exec.Status == types.ExecutionCancelled || (exec.CancelRequested && !exec.Status.IsTerminal()) {
		return exec, p.cancelled(ctx, lease, exec), true
	}
	if exec.Status.IsTerminal() {
		p.ack(ctx, lease)
		p.emit(ctx, events.TaskShortCircuited, task, func(ev *events.Event) { ev.Status = string(exec.Status) })
		return exec, OutcomeShortCircuited, true
	}
	return exec, 0, false
}

func (p *Processor) processNode(ctx context.Context, lease *types.LeasedTask) Outcome {
	task := lease.Task
	nodeID := task.NodeID()

	exec, outcome, done := p.gate(ctx, lease)
	if done {
		return outcome
	}

	// 幂等：已有终态记录时不再调用执行器
	rec, err := p.store.GetNodeRecord(ctx, task.ExecutionID, nodeID)
	if err != nil {
		return p.retry(ctx, lease, nil, types.NewTransientError("读取节点记录失败", err))
	}
	if rec != nil && rec.Status.IsTerminal() {
		return p.shortCircuit(ctx, lease, rec)
	}

	graph, _, err := p.nodes.Graph(ctx, task.ExecutionID, task.Node.WorkflowSnapshotRef)
	if err != nil {
		return p.failByKind(ctx, lease, nil, err)
	}
	spec, err := graph.Node(nodeID)
	if err != nil {
		return p.deadLetter(ctx, lease, nil, types.NewValidationError("节点不在快照中", err))
	}

	state, waitingOn, err := p.nodes.CheckDependencies(ctx, task)
	if err != nil {
		return p.retry(ctx, lease, &spec, types.NewTransientError("检查依赖失败", err))
	}
	switch state {
	case scheduler.DependenciesParked:
		// 停车条目是待办工作的持久记录，原投递直接确认，不计入失败次数
		p.ack(ctx, lease)
		log.Debugf("🅿️ [Processor] 依赖未满足: TaskID=%s, 等待=%s", task.ID, waitingOn)
		return OutcomeDeferred
	case scheduler.DependencyFailed:
		skipped := &types.NodeResultRecord{
			ExecutionID: task.ExecutionID,
			NodeID:      nodeID,
			Status:      types.NodeSkipped,
			Error:       fmt.Sprintf("上游节点 %s 未成功", waitingOn),
			UpdatedAt:   p.now(),
		}
		return p.finishNode(ctx, lease, skipped, OutcomeShortCircuited)
	}

	executor, err := p.registry.Resolve(spec.Type)
	if err != nil {
		return p.deadLetter(ctx, lease, &spec, err)
	}

	key := reliability.BreakerKey{NodeType: spec.Type, Dependency: spec.Dependency}
	if ok, wait := p.breaker.Allow(key); !ok {
		return p.breakerOpen(ctx, lease, key, wait)
	}

	claim, claimed, err := p.store.ClaimNode(ctx, task.ExecutionID, nodeID, task.ID, lease.ExpiresAt)
	if err != nil {
		return p.retry(ctx, lease, &spec, types.NewTransientError("认领节点失败", err))
	}
	switch claim {
	case store.ClaimTerminal:
		return p.shortCircuit(ctx, lease, claimed)
	case store.ClaimHeld:
		// 另一个投递正在执行同一节点
		p.ack(ctx, lease)
		p.emit(ctx, events.TaskShortCircuited, task, func(ev *events.Event) { ev.Status = string(types.NodeRunning) })
		return OutcomeShortCircuited
	}

	inputs, err := p.resolveInputs(ctx, task.ExecutionID, graph.Predecessors(nodeID))
	if err != nil {
		return p.failByKind(ctx, lease, &spec, err)
	}

	ectx := p.execContext(ctx, lease, spec, exec)
	started := p.now()
	output, execErr := executor.Execute(registry.WithExecContext(ctx, ectx), spec, inputs, ectx)
	latency := p.now().Sub(started)

	if ctx.Err() != nil {
		if execErr != nil && !p.cancelRequested(exec.ExecutionID) {
			return OutcomeAbandoned
		}
		// Worker正在关闭，结果仍需落盘
		ctx = context.WithoutCancel(ctx)
	}
	p.recordBreaker(key, execErr)

	switch {
	case execErr == nil:
		ref, err := p.nodes.Codec().Encode(ctx, output)
		if err != nil {
			return p.retry(ctx, lease, &spec, err)
		}
		result := &types.NodeResultRecord{
			ExecutionID:    task.ExecutionID,
			NodeID:         nodeID,
			Status:         types.NodeSuccess,
			OutputRef:      ref,
			AttemptHistory: task.Attempts,
			UpdatedAt:      p.now(),
		}
		outcome := p.finishNode(ctx, lease, result, OutcomeAcked)
		if outcome == OutcomeAcked {
			p.emit(ctx, events.TaskSucceeded, task, func(ev *events.Event) {
				ev.NodeType = spec.Type
				ev.Latency = latency
				ev.Attempt = task.RetryCount + 1
			})
			log.Infof("✅ [Processor] 节点完成: TaskID=%s, 耗时=%s", task.ID, latency)
		}
		return outcome
	case errors.Is(execErr, types.ErrSkipNode):
		skipped := &types.NodeResultRecord{
			ExecutionID:    task.ExecutionID,
			NodeID:         nodeID,
			Status:         types.NodeSkipped,
			AttemptHistory: task.Attempts,
			UpdatedAt:      p.now(),
		}
		return p.finishNode(ctx, lease, skipped, OutcomeAcked)
	default:
		return p.failByKind(ctx, lease, &spec, execErr)
	}
}

func (p *Processor) execContext(ctx context.Context, lease *types.LeasedTask, spec types.NodeSpec, exec *types.Execution) *registry.ExecContext {
	check := func(ctx context.Context) (bool, error) {
		e, err := p.store.GetExecution(ctx, exec.ExecutionID)
		if err != nil {
			return false, err
		}
		return e.CancelRequested || e.Status == types.ExecutionCancelled, nil
	}
	extend := func(ctx context.Context, extra time.Duration) error {
		return p.queue.ExtendLease(ctx, lease, extra)
	}
	return registry.NewExecContext(ctx, lease.Task, spec,
		registry.WithCancelCheck(check, p.cancelCheckInterval),
		registry.WithLeaseExtender(extend),
		registry.WithWorkerID(p.workerID))
}

// resolveInputs 读取前驱节点的输出，Blob引用在此处延迟解析
func (p *Processor) resolveInputs(ctx context.Context, executionID string, preds []string) (map[string]any, error) {
	inputs := make(map[string]any, len(preds))
	for _, pred := range preds {
		rec, err := p.store.GetNodeRecord(ctx, executionID, pred)
		if err != nil {
			return nil, types.NewTransientError("读取前驱输出失败", err)
		}
		if rec == nil || rec.Status != types.NodeSuccess || rec.OutputRef.IsEmpty() {
			continue
		}
		var out map[string]any
		if err := p.nodes.Codec().Decode(ctx, rec.OutputRef, &out); err != nil {
			return nil, err
		}
		inputs[pred] = out
	}
	return inputs, nil
}

func (p *Processor) cancelRequested(executionID string) bool {
	e, err := p.store.GetExecution(context.Background(), executionID)
	if err != nil {
		return false
	}
	return e.CancelRequested || e.Status == types.ExecutionCancelled
}

func (p *Processor) recordBreaker(key reliability.BreakerKey, err error) {
	if err == nil || errors.Is(err, types.ErrSkipNode) {
		p.breaker.RecordSuccess(key)
		return
	}
	if types.Classify(err).Retryable() {
		p.breaker.RecordFailure(key)
	}
}

// breakerOpen 熔断期间快速失败，不消耗重试次数
func (p *Processor) breakerOpen(ctx context.Context, lease *types.LeasedTask, key reliability.BreakerKey, wait time.Duration) Outcome {
	if wait <= 0 {
		wait = time.Second
	}
	if err := p.queue.Nack(ctx, lease, wait); err != nil {
		log.Warnf("⚠️ [Processor] Nack失败: TaskID=%s, err=%v", lease.Task.ID, err)
	}
	p.emit(ctx, events.TaskRetrying, lease.Task, func(ev *events.Event) {
		ev.NodeType = key.NodeType
		ev.Delay = wait
		ev.Error = types.ErrCircuitOpen.Error()
	})
	log.Warnf("🔌 [Processor] 熔断器打开，推迟任务: TaskID=%s, 键=%s, 等待=%s", lease.Task.ID, key, wait)
	return OutcomeNacked
}

// failByKind 按错误分类决定重试、死信或取消
func (p *Processor) failByKind(ctx context.Context, lease *types.LeasedTask, spec *types.NodeSpec, err error) Outcome {
	switch types.Classify(err) {
	case types.ErrorKindCancellation:
		exec, gerr := p.store.GetExecution(ctx, lease.Task.ExecutionID)
		if gerr != nil {
			return p.retry(ctx, lease, spec, types.NewTransientError("读取Execution失败", gerr))
		}
		if exec.CancelRequested || exec.Status == types.ExecutionCancelled {
			return p.cancelled(ctx, lease, exec)
		}
		// 未请求取消时按执行器错误重试
		return p.retry(ctx, lease, spec, err)
	case types.ErrorKindValidation:
		return p.deadLetter(ctx, lease, spec, err)
	default:
		return p.retry(ctx, lease, spec, err)
	}
}

// retry 预算内退避重试，预算耗尽进入死信队列
func (p *Processor) retry(ctx context.Context, lease *types.LeasedTask, spec *types.NodeSpec, cause error) Outcome {
	task := lease.Task
	if task.RetryCount >= task.MaxRetries {
		return p.deadLetter(ctx, lease, spec, cause)
	}
	delay := p.policy(task).NextDelay(task.RetryCount)
	task.RecordAttempt(types.AttemptRecord{
		Attempt:  task.RetryCount + 1,
		Error:    cause.Error(),
		Kind:     types.Classify(cause),
		Delay:    delay,
		At:       p.now(),
		WorkerID: p.workerID,
	})
	task.RetryCount++
	if err := p.queue.Nack(ctx, lease, delay); err != nil {
		// 租约已失效时由新的持有者继续处理
		log.Warnf("⚠️ [Processor] Nack失败: TaskID=%s, err=%v", task.ID, err)
	}
	p.emit(ctx, events.TaskRetrying, task, func(ev *events.Event) {
		ev.Attempt = task.RetryCount
		ev.Delay = delay
		ev.Error = cause.Error()
		if spec != nil {
			ev.NodeType = spec.Type
		}
	})
	log.Warnf("🔄 [Processor] 任务失败，%s后重试(%d/%d): TaskID=%s, err=%v", delay, task.RetryCount, task.MaxRetries, task.ID, cause)
	return OutcomeNacked
}

func (p *Processor) policy(task *types.Task) reliability.RetryPolicy {
	if task.Node != nil {
		return p.policies.For(task.Node.NodeType)
	}
	return p.policies.For(string(task.Type))
}

// deadLetter 写入死信队列，节点标记为失败（可跳过的节点标记为跳过）并推进调度
func (p *Processor) deadLetter(ctx context.Context, lease *types.LeasedTask, spec *types.NodeSpec, cause error) Outcome {
	task := lease.Task
	if spec != nil && spec.SkipOnFailure && types.Classify(cause) != types.ErrorKindValidation {
		skipped := &types.NodeResultRecord{
			ExecutionID:    task.ExecutionID,
			NodeID:         task.NodeID(),
			Status:         types.NodeSkipped,
			Error:          cause.Error(),
			AttemptHistory: task.Attempts,
			UpdatedAt:      p.now(),
		}
		log.Warnf("⏭️ [Processor] 节点失败后跳过: TaskID=%s, err=%v", task.ID, cause)
		return p.finishNode(ctx, lease, skipped, OutcomeAcked)
	}

	entry := reliability.NewDeadLetterEntry(task, cause)
	entry.CreatedAt = p.now()
	if err := p.write(ctx, func(ctx context.Context) error { return p.dlq.Put(ctx, entry) }); err != nil {
		log.Errorf("❌ [Processor] 写入死信队列失败: TaskID=%s, err=%v", task.ID, err)
		if nerr := p.queue.Nack(ctx, lease, p.writeDelay); nerr != nil {
			log.Warnf("⚠️ [Processor] Nack失败: TaskID=%s, err=%v", task.ID, nerr)
		}
		return OutcomeNacked
	}

	if task.IsNode() {
		failed := &types.NodeResultRecord{
			ExecutionID:    task.ExecutionID,
			NodeID:         task.NodeID(),
			Status:         types.NodeFailed,
			Error:          cause.Error(),
			AttemptHistory: task.Attempts,
			UpdatedAt:      p.now(),
		}
		if err := p.completeNode(ctx, task, failed); err != nil && !errors.Is(err, types.ErrExecutionNotFound) {
			log.Errorf("❌ [Processor] 记录节点失败状态出错: TaskID=%s, err=%v", task.ID, err)
		}
	} else if task.ExecutionID != "" {
		if _, err := p.nodes.FinishExecution(ctx, task.ExecutionID, types.ExecutionFailed, cause.Error()); err != nil && !errors.Is(err, types.ErrExecutionNotFound) {
			log.Errorf("❌ [Processor] 标记Execution失败出错: ExecutionID=%s, err=%v", task.ExecutionID, err)
		}
	}

	p.ack(ctx, lease)
	p.emit(ctx, events.TaskDeadLettered, task, func(ev *events.Event) {
		ev.Error = cause.Error()
		ev.Attempt = len(task.Attempts)
		ev.Data = map[string]any{"dlq_id": entry.ID, "error_kind": string(entry.ErrorKind)}
		if spec != nil {
			ev.NodeType = spec.Type
		}
	})
	log.Errorf("💀 [Processor] 任务进入死信队列: TaskID=%s, 分类=%s, 尝试次数=%d, err=%v", task.ID, entry.ErrorKind, len(task.Attempts), cause)
	return OutcomeDeadLettered
}

// cancelled 取消路径：记录节点为Cancelled，确认投递，不重试不进死信
func (p *Processor) cancelled(ctx context.Context, lease *types.LeasedTask, exec *types.Execution) Outcome {
	task := lease.Task
	if task.IsNode() {
		rec := &types.NodeResultRecord{
			ExecutionID: task.ExecutionID,
			NodeID:      task.NodeID(),
			Status:      types.NodeCancelled,
			Error:       "execution cancelled",
			UpdatedAt:   p.now(),
		}
		err := p.write(ctx, func(ctx context.Context) error { return p.store.PutNodeRecord(ctx, rec) })
		if err != nil && !errors.Is(err, types.ErrTerminalRecordExists) {
			log.Warnf("⚠️ [Processor] 记录取消状态失败: TaskID=%s, err=%v", task.ID, err)
		}
	}
	if exec != nil && !exec.Status.IsTerminal() {
		if _, err := p.nodes.FinishExecution(ctx, exec.ExecutionID, types.ExecutionCancelled, "cancelled by request"); err != nil {
			log.Warnf("⚠️ [Processor] 迁移到Cancelled失败: ExecutionID=%s, err=%v", exec.ExecutionID, err)
		}
	}
	p.ack(ctx, lease)
	p.emit(ctx, events.TaskCancelled, task, nil)
	log.Infof("🛑 [Processor] 任务取消: TaskID=%s", task.ID)
	return OutcomeCancelled
}

func (p *Processor) shortCircuit(ctx context.Context, lease *types.LeasedTask, rec *types.NodeResultRecord) Outcome {
	p.ack(ctx, lease)
	p.emit(ctx, events.TaskShortCircuited, lease.Task, func(ev *events.Event) {
		if rec != nil {
			ev.Status = string(rec.Status)
		}
	})
	log.Debugf("⏩ [Processor] 节点已有终态结果，跳过执行: TaskID=%s", lease.Task.ID)
	return OutcomeShortCircuited
}

// finishNode 写入终态记录并推进调度；终态记录已存在说明另一个投递已完成该节点
func (p *Processor) finishNode(ctx context.Context, lease *types.LeasedTask, rec *types.NodeResultRecord, outcome Outcome) Outcome {
	err := p.completeNode(ctx, lease.Task, rec)
	switch {
	case err == nil:
		p.ack(ctx, lease)
		return outcome
	case errors.Is(err, types.ErrTerminalRecordExists):
		return p.shortCircuit(ctx, lease, rec)
	default:
		// 写入仍失败时放弃租约，重投后由幂等检查继续推进
		log.Errorf("❌ [Processor] 推进调度失败: TaskID=%s, err=%v", lease.Task.ID, err)
		if nerr := p.queue.Nack(ctx, lease, p.writeDelay); nerr != nil {
			log.Warnf("⚠️ [Processor] Nack失败: TaskID=%s, err=%v", lease.Task.ID, nerr)
		}
		return OutcomeNacked
	}
}

func (p *Processor) completeNode(ctx context.Context, task *types.Task, rec *types.NodeResultRecord) error {
	err := p.write(ctx, func(ctx context.Context) error { return p.store.PutNodeRecord(ctx, rec) })
	if err != nil {
		if !errors.Is(err, types.ErrTerminalRecordExists) {
			return err
		}
		// 已有终态记录时仍推进一次，补齐上次中断的后继派发
		existing, gerr := p.store.GetNodeRecord(ctx, task.ExecutionID, rec.NodeID)
		if gerr == nil && existing != nil {
			_ = p.nodes.OnNodeTerminal(ctx, task, existing)
		}
		return err
	}
	return p.write(ctx, func(ctx context.Context) error { return p.nodes.OnNodeTerminal(ctx, task, rec) })
}

func (p *Processor) ack(ctx context.Context, lease *types.LeasedTask) {
	if err := p.queue.Ack(ctx, lease); err != nil {
		log.Warnf("⚠️ [Processor] Ack失败: TaskID=%s, err=%v", lease.Task.ID, err)
	}
}

func (p *Processor) write(ctx context.Context, op func(ctx context.Context) error) error {
	return reliability.RetryStoreWrite(ctx, p.writeAttempts, p.writeDelay, op)
}

func (p *Processor) emit(ctx context.Context, typ events.Type, task *types.Task, fill func(ev *events.Event)) {
	ev := events.Event{
		Type:        typ,
		ExecutionID: task.ExecutionID,
		WorkflowID:  task.WorkflowID,
		TaskID:      task.ID,
		NodeID:      task.NodeID(),
		At:          p.now(),
	}
	if task.Node != nil {
		ev.NodeType = task.Node.NodeType
	}
	if fill != nil {
		fill(&ev)
	}
	p.events.Emit(ctx, ev)
}
