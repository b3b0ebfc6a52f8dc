package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// Progress 节点状态计数
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// ExecutionStatus 管理接口返回的Execution状态（对外导出）
type ExecutionStatus struct {
	Execution *types.Execution          `json:"execution"`
	Nodes     []*types.NodeResultRecord `json:"nodes"`
	Progress  Progress                  `json:"progress"`
	// Queued 队列中尚未确认的任务数
	Queued int `json:"queued"`
	// Parked 停车间中的任务数
	Parked int `json:"parked"`
}

// ReplayResult 死信重放结果
type ReplayResult struct {
	EntryID string `json:"entry_id"`
	// ExecutionID 重放后承载任务的Execution
	ExecutionID string `json:"execution_id"`
	// Resumed 原Execution已结束时为true，此时创建了新的Execution
	Resumed bool `json:"resumed"`
	// Cleared 一并清除的同一Execution的死信条目数（含本条）
	Cleared int    `json:"cleared"`
	TaskID  string `json:"task_id,omitempty"`
}

// GetStatus 查询Execution及其节点结果
func (e *Engine) GetStatus(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	st := e.backends.Store
	exec, err := st.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	nodes, err := st.ListNodeRecords(ctx, executionID)
	if err != nil {
		return nil, err
	}
	status := &ExecutionStatus{Execution: exec, Nodes: nodes}
	status.Progress.Total = exec.NodeCount
	for _, rec := range nodes {
		switch rec.Status {
		case types.NodeRunning:
			status.Progress.Running++
		case types.NodeSuccess:
			status.Progress.Succeeded++
		case types.NodeFailed:
			status.Progress.Failed++
		case types.NodeSkipped:
			status.Progress.Skipped++
		case types.NodeCancelled:
			status.Progress.Cancelled++
		}
	}
	done := status.Progress.Running + status.Progress.Succeeded + status.Progress.Failed +
		status.Progress.Skipped + status.Progress.Cancelled
	if status.Progress.Total > done {
		status.Progress.Pending = status.Progress.Total - done
	}

	if !exec.Status.IsTerminal() {
		if status.Queued, err = e.backends.Queue.CountByExecution(ctx, executionID); err != nil {
			return nil, err
		}
		if status.Parked, err = st.CountParked(ctx, executionID); err != nil {
			return nil, err
		}
	}
	return status, nil
}

// Cancel 请求取消Execution，已取消时幂等返回
func (e *Engine) Cancel(ctx context.Context, executionID string) (*types.Execution, error) {
	exec, err := e.nodes.Cancel(ctx, executionID)
	if err != nil {
		return exec, err
	}
	log.Infof("🛑 [Engine] Execution已取消: %s", executionID)
	return exec, nil
}

// Replay 手动重放死信
// 原Execution已结束时基于它恢复出新的Execution（沿用已成功的节点），并清除该Execution的全部死信；
// 原Execution仍在运行时清空重试状态后把任务重新入队
func (e *Engine) Replay(ctx context.Context, entryID string) (*ReplayResult, error) {
	dlq := e.backends.DLQ
	entry, err := dlq.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	execID := entry.Task.ExecutionID
	exec, err := e.backends.Store.GetExecution(ctx, execID)
	if err != nil && !errors.Is(err, types.ErrExecutionNotFound) {
		return nil, err
	}

	if exec == nil || !exec.Status.IsTerminal() {
		task, err := e.replayer.Replay(ctx, entryID)
		if err != nil {
			return nil, err
		}
		log.Infof("🔁 [Engine] 死信已重新入队: entry=%s, task=%s", entryID, task.ID)
		return &ReplayResult{EntryID: entryID, ExecutionID: execID, Cleared: 1, TaskID: task.ID}, nil
	}

	resumed, err := e.hybrid.Resume(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("恢复Execution %s 失败: %w", execID, err)
	}
	cleared, err := e.clearDLQ(ctx, dlq, execID)
	if err != nil {
		return nil, err
	}
	log.Infof("🔁 [Engine] 死信重放: entry=%s, 原Execution=%s, 新Execution=%s, 清除死信=%d",
		entryID, execID, resumed.ExecutionID, cleared)
	return &ReplayResult{EntryID: entryID, ExecutionID: resumed.ExecutionID, Resumed: true, Cleared: cleared}, nil
}

func (e *Engine) clearDLQ(ctx context.Context, dlq reliability.DeadLetterQueue, executionID string) (int, error) {
	entries, err := dlq.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, entry := range entries {
		if entry.Task == nil || entry.Task.ExecutionID != executionID {
			continue
		}
		if err := dlq.Delete(ctx, entry.ID); err != nil && !errors.Is(err, types.ErrDLQEntryNotFound) {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// ListDLQ 列出死信，按创建时间倒序，limit<=0表示全部
func (e *Engine) ListDLQ(ctx context.Context, limit int) ([]*reliability.DeadLetterEntry, error) {
	return e.backends.DLQ.List(ctx, limit)
}

// GetDLQEntry 查询单条死信
func (e *Engine) GetDLQEntry(ctx context.Context, entryID string) (*reliability.DeadLetterEntry, error) {
	return e.backends.DLQ.Get(ctx, entryID)
}

// QueueStats 队列统计
func (e *Engine) QueueStats(ctx context.Context) (queue.Stats, error) {
	return e.backends.Queue.Stats(ctx)
}
