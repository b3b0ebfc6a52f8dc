package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/LENAX/node-engine/pkg/core/dag"
	"github.com/LENAX/node-engine/pkg/core/types"
)

// NodeRun 单个节点在Workflow级执行中的结果
type NodeRun struct {
	NodeID string
	Status types.NodeStatus // Success、Skipped或Failed
	Output map[string]any
	Err    error
}

// WorkflowRun 一次Workflow级执行的输入
type WorkflowRun struct {
	Snapshot *types.WorkflowSnapshot
	// Completed 之前尝试中已终结的节点，不再执行
	Completed map[string]types.NodeStatus
	// Outputs 已完成节点的输出
	Outputs map[string]map[string]any
	// BeforeNode 节点执行前的检查（如熔断），返回错误则本次执行失败
	BeforeNode func(spec types.NodeSpec) error
	// AfterNode 节点执行后的回调（如熔断统计）
	AfterNode func(spec types.NodeSpec, err error)
	// OnNode 节点终结时的回调，用于立即持久化节点结果
	OnNode func(ctx context.Context, run NodeRun) error
}

// WorkflowExecutor 整体执行一个Workflow的执行器（对外导出）
type WorkflowExecutor interface {
	ExecuteWorkflow(ctx context.Context, reg *Registry, run *WorkflowRun, ectx *ExecContext) error
}

// SequentialExecutor 按拓扑序依次执行节点（对外导出）
type SequentialExecutor struct{}

// NewSequentialExecutor 创建顺序执行器
func NewSequentialExecutor() *SequentialExecutor {
	return &SequentialExecutor{}
}

// ExecuteWorkflow 执行Workflow
// 节点失败且不可跳过时立即返回执行器错误，已成功的节点通过OnNode持久化，重试时跳过
func (s *SequentialExecutor) ExecuteWorkflow(ctx context.Context, reg *Registry, run *WorkflowRun, ectx *ExecContext) error {
	graph, err := dag.Build(run.Snapshot)
	if err != nil {
		return err
	}
	outputs := make(map[string]map[string]any, graph.Len())
	for id, out := range run.Outputs {
		outputs[id] = out
	}

	for _, nodeID := range graph.TopologicalSort().Flatten() {
		if status, done := run.Completed[nodeID]; done && status.IsTerminal() {
			continue
		}
		if err := ectx.CheckCancelled(); err != nil {
			return err
		}
		spec, err := graph.Node(nodeID)
		if err != nil {
			return err
		}
		exec, err := reg.Resolve(spec.Type)
		if err != nil {
			return err
		}

		inputs := make(map[string]any)
		for _, pred := range graph.Predecessors(nodeID) {
			if out, ok := outputs[pred]; ok {
				inputs[pred] = out
			}
		}

		if run.BeforeNode != nil {
			if err := run.BeforeNode(spec); err != nil {
				return err
			}
		}
		nodeCtx := ectx.ForNode(spec)
		out, execErr := exec.Execute(WithExecContext(ctx, nodeCtx), spec, inputs, nodeCtx)
		if run.AfterNode != nil {
			run.AfterNode(spec, execErr)
		}

		nr := NodeRun{NodeID: nodeID, Status: types.NodeSuccess, Output: out}
		switch {
		case execErr == nil:
			outputs[nodeID] = out
		case errors.Is(execErr, types.ErrSkipNode):
			nr.Status, nr.Output, nr.Err = types.NodeSkipped, nil, execErr
		case types.Classify(execErr) == types.ErrorKindCancellation:
			return execErr
		case spec.SkipOnFailure:
			nr.Status, nr.Output, nr.Err = types.NodeSkipped, nil, execErr
		default:
			return wrapNodeError(spec, execErr)
		}
		if run.OnNode != nil {
			if err := run.OnNode(ctx, nr); err != nil {
				return err
			}
		}
	}
	return nil
}

// wrapNodeError 保留原始错误分类，补充节点信息
func wrapNodeError(spec types.NodeSpec, err error) error {
	switch types.Classify(err) {
	case types.ErrorKindExecutor:
		var ee *types.ExecutorError
		if errors.As(err, &ee) {
			return err
		}
		return types.NewExecutorError(spec.Type, fmt.Sprintf("节点 %s 执行失败", spec.ID), err)
	default:
		return fmt.Errorf("节点 %s 执行失败: %w", spec.ID, err)
	}
}

var _ WorkflowExecutor = (*SequentialExecutor)(nil)
