package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/LENAX/node-engine/pkg/core/dag"
	"github.com/LENAX/node-engine/pkg/core/events"
	"github.com/LENAX/node-engine/pkg/core/registry"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// HybridConfig 调度模式决策配置（对外导出）
type HybridConfig struct {
	// ForceMode 非空时忽略其他条件
	ForceMode types.Mode
	// NodeLevelThreshold 节点数达到该值时使用节点级调度，<=0表示不按节点数判断
	NodeLevelThreshold int
	// LongRunningTypes 出现这些节点类型时使用节点级调度
	LongRunningTypes []string
	// DurationThreshold 预估时长达到该值时使用节点级调度，<=0表示不按时长判断
	DurationThreshold time.Duration
}

// Decide 根据快照与配置选择调度模式
// 纯函数：相同的快照与配置总是得到相同的结果
func Decide(snapshot *types.WorkflowSnapshot, cfg HybridConfig) types.Mode {
	if cfg.ForceMode == types.ModeNodeLevel || cfg.ForceMode == types.ModeWorkflowLevel {
		return cfg.ForceMode
	}
	longRunning := make(map[string]struct{}, len(cfg.LongRunningTypes))
	for _, t := range cfg.LongRunningTypes {
		longRunning[t] = struct{}{}
	}
	for _, n := range snapshot.Nodes {
		if n.LongRunning {
			return types.ModeNodeLevel
		}
		if _, ok := longRunning[n.Type]; ok {
			return types.ModeNodeLevel
		}
	}
	if snapshot.Hints.Parallel {
		return types.ModeNodeLevel
	}
	if cfg.NodeLevelThreshold > 0 && len(snapshot.Nodes) >= cfg.NodeLevelThreshold {
		return types.ModeNodeLevel
	}
	if cfg.DurationThreshold > 0 && snapshot.Hints.EstimatedDuration >= cfg.DurationThreshold {
		return types.ModeNodeLevel
	}
	return types.ModeWorkflowLevel
}

// HybridScheduler 按决策结果以Workflow级或节点级启动Execution（对外导出）
type HybridScheduler struct {
	cfg      HybridConfig
	nodes    *NodeScheduler
	registry *registry.Registry
}

// NewHybridScheduler 创建调度器，registry非空时提交前校验节点类型
func NewHybridScheduler(cfg HybridConfig, nodes *NodeScheduler, reg *registry.Registry) *HybridScheduler {
	return &HybridScheduler{cfg: cfg, nodes: nodes, registry: reg}
}

// Config 返回决策配置
func (h *HybridScheduler) Config() HybridConfig {
	return h.cfg
}

// Nodes 返回节点调度器
func (h *HybridScheduler) Nodes() *NodeScheduler {
	return h.nodes
}

// Decide 使用当前配置选择调度模式
func (h *HybridScheduler) Decide(snapshot *types.WorkflowSnapshot) types.Mode {
	return Decide(snapshot, h.cfg)
}

// Submit 校验快照并启动新的Execution
func (h *HybridScheduler) Submit(ctx context.Context, snapshot *types.WorkflowSnapshot) (*types.Execution, error) {
	return h.submit(ctx, snapshot, "", nil)
}

// Resume 基于已结束的Execution创建新Execution，沿用其中已成功的节点结果
func (h *HybridScheduler) Resume(ctx context.Context, executionID string) (*types.Execution, error) {
	st := h.nodes.Store()
	old, err := st.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !old.Status.IsTerminal() {
		return nil, types.NewValidationError(fmt.Sprintf("Execution %s 尚未结束(%s)，不能恢复", executionID, old.Status), nil)
	}
	data, err := h.nodes.Codec().Bytes(ctx, old.SnapshotRef)
	if err != nil {
		return nil, err
	}
	snapshot, err := types.UnmarshalSnapshot(data)
	if err != nil {
		return nil, err
	}
	records, err := st.ListNodeRecords(ctx, executionID)
	if err != nil {
		return nil, err
	}
	prior := make(map[string]*types.NodeResultRecord, len(records))
	for _, rec := range records {
		if rec.Status == types.NodeSuccess {
			prior[rec.NodeID] = rec
		}
	}
	return h.submit(ctx, snapshot, executionID, prior)
}

func (h *HybridScheduler) submit(ctx context.Context, snapshot *types.WorkflowSnapshot, resumedFrom string, prior map[string]*types.NodeResultRecord) (*types.Execution, error) {
	if snapshot == nil {
		return nil, types.NewValidationError("Workflow快照不能为空", nil)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	if _, err := dag.Build(snapshot); err != nil {
		return nil, err
	}
	if h.registry != nil {
		if err := h.registry.ValidateSnapshot(snapshot); err != nil {
			return nil, err
		}
	}
	ref, err := h.nodes.Codec().Encode(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	mode := h.Decide(snapshot)
	exec := types.NewExecution(snapshot.WorkflowID, mode, ref, len(snapshot.Nodes))
	exec.ResumedFrom = resumedFrom

	if mode == types.ModeNodeLevel {
		if err := h.nodes.StartExecution(ctx, exec, snapshot, prior); err != nil {
			return nil, err
		}
	} else if err := h.startWorkflowLevel(ctx, exec, prior); err != nil {
		return nil, err
	}
	log.Infof("📋 [HybridScheduler] 提交Workflow: WorkflowID=%s, ExecutionID=%s, 模式=%s", snapshot.WorkflowID, exec.ExecutionID, mode)
	return h.nodes.Store().GetExecution(ctx, exec.ExecutionID)
}

func (h *HybridScheduler) startWorkflowLevel(ctx context.Context, exec *types.Execution, prior map[string]*types.NodeResultRecord) error {
	st := h.nodes.Store()
	if err := st.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("创建Execution失败: %w", err)
	}
	for _, rec := range prior {
		c := rec.Clone()
		c.ExecutionID = exec.ExecutionID
		c.ClaimedBy, c.ClaimExpiresAt = "", 0
		if err := st.PutNodeRecord(ctx, c); err != nil {
			return fmt.Errorf("复制节点 %s 的记录失败: %w", rec.NodeID, err)
		}
	}
	if _, _, err := st.TransitionExecution(ctx, exec.ExecutionID, types.ExecutionRunning, ""); err != nil {
		return err
	}
	h.nodes.events.Emit(ctx, events.Event{Type: events.ExecutionStarted, ExecutionID: exec.ExecutionID, WorkflowID: exec.WorkflowID, Status: string(types.ExecutionRunning)})

	task := types.NewWorkflowTask(exec.ExecutionID, exec.WorkflowID, exec.SnapshotRef)
	task.MaxRetries = h.nodes.defaultMaxRetries
	task.CreatedAt = h.nodes.now()
	if _, err := h.nodes.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("入队Workflow任务失败: %w", err)
	}
	return nil
}
