package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/node-engine/pkg/core/events"
	"github.com/LENAX/node-engine/pkg/core/registry"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// processWorkflow Workflow级任务：由单次Worker调用端到端执行整个Workflow
// 每个节点终结时立即持久化，重试时跳过已完成的节点
func (p *Processor) processWorkflow(ctx context.Context, lease *types.LeasedTask) Outcome {
	task := lease.Task
	exec, outcome, done := p.gate(ctx, lease)
	if done {
		return outcome
	}

	data, err := p.nodes.Codec().Bytes(ctx, task.Payload)
	if err != nil {
		return p.failByKind(ctx, lease, nil, err)
	}
	snapshot, err := types.UnmarshalSnapshot(data)
	if err != nil {
		return p.deadLetter(ctx, lease, nil, err)
	}

	records, err := p.store.ListNodeRecords(ctx, task.ExecutionID)
	if err != nil {
		return p.retry(ctx, lease, nil, types.NewTransientError("读取节点记录失败", err))
	}
	completed := make(map[string]types.NodeStatus, len(records))
	outputs := make(map[string]map[string]any, len(records))
	for _, rec := range records {
		if !rec.Status.IsTerminal() {
			continue
		}
		completed[rec.NodeID] = rec.Status
		if rec.Status == types.NodeSuccess && !rec.OutputRef.IsEmpty() {
			var out map[string]any
			if err := p.nodes.Codec().Decode(ctx, rec.OutputRef, &out); err != nil {
				return p.failByKind(ctx, lease, nil, err)
			}
			outputs[rec.NodeID] = out
		}
	}

	var (
		openKey  reliability.BreakerKey
		openWait time.Duration
		opened   bool
	)
	run := &registry.WorkflowRun{
		Snapshot:  snapshot,
		Completed: completed,
		Outputs:   outputs,
		BeforeNode: func(spec types.NodeSpec) error {
			key := reliability.BreakerKey{NodeType: spec.Type, Dependency: spec.Dependency}
			if ok, wait := p.breaker.Allow(key); !ok {
				openKey, openWait, opened = key, wait, true
				return fmt.Errorf("节点 %s: %w", spec.ID, types.ErrCircuitOpen)
			}
			return nil
		},
		AfterNode: func(spec types.NodeSpec, err error) {
			p.recordBreaker(reliability.BreakerKey{NodeType: spec.Type, Dependency: spec.Dependency}, err)
		},
		OnNode: func(ctx context.Context, nr registry.NodeRun) error {
			rec := &types.NodeResultRecord{
				ExecutionID: task.ExecutionID,
				NodeID:      nr.NodeID,
				Status:      nr.Status,
				UpdatedAt:   p.now(),
			}
			if nr.Err != nil {
				rec.Error = nr.Err.Error()
			}
			if nr.Output != nil {
				ref, err := p.nodes.Codec().Encode(ctx, nr.Output)
				if err != nil {
					return err
				}
				rec.OutputRef = ref
			}
			err := p.write(ctx, func(ctx context.Context) error { return p.store.PutNodeRecord(ctx, rec) })
			if err != nil && !errors.Is(err, types.ErrTerminalRecordExists) {
				return types.NewTransientError("写入节点记录失败", err)
			}
			return nil
		},
	}

	ectx := p.execContext(ctx, lease, types.NodeSpec{Type: string(types.TaskTypeWorkflow)}, exec)
	started := p.now()
	execErr := p.registry.WorkflowExecutor().ExecuteWorkflow(ctx, p.registry, run, ectx)
	latency := p.now().Sub(started)

	if ctx.Err() != nil {
		if execErr != nil && !p.cancelRequested(exec.ExecutionID) {
			return OutcomeAbandoned
		}
		ctx = context.WithoutCancel(ctx)
	}

	switch {
	case execErr == nil:
		if _, err := p.nodes.FinishExecution(ctx, task.ExecutionID, types.ExecutionSuccess, ""); err != nil {
			return p.retry(ctx, lease, nil, types.NewTransientError("完成Execution失败", err))
		}
		p.ack(ctx, lease)
		p.emit(ctx, events.TaskSucceeded, task, func(ev *events.Event) {
			ev.Latency = latency
			ev.Attempt = task.RetryCount + 1
		})
		log.Infof("✅ [Processor] Workflow执行完成: ExecutionID=%s, 耗时=%s", task.ExecutionID, latency)
		return OutcomeAcked
	case errors.Is(execErr, types.ErrCircuitOpen) && opened:
		return p.breakerOpen(ctx, lease, openKey, openWait)
	default:
		return p.failByKind(ctx, lease, nil, execErr)
	}
}
