// Package registry 节点执行器注册中心（对外导出）
// 节点类型在处理器构造时解析，运行中的注册变更不影响已构造的处理器
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// Executor 节点执行器接口（对外导出）
// inputs为前驱节点的输出，键为前驱节点ID
type Executor interface {
	Execute(ctx context.Context, spec types.NodeSpec, inputs map[string]any, ectx *ExecContext) (map[string]any, error)
}

// ExecutorFunc 函数形式的执行器
type ExecutorFunc func(ctx context.Context, spec types.NodeSpec, inputs map[string]any, ectx *ExecContext) (map[string]any, error)

// Execute 实现Executor
func (f ExecutorFunc) Execute(ctx context.Context, spec types.NodeSpec, inputs map[string]any, ectx *ExecContext) (map[string]any, error) {
	return f(ctx, spec, inputs, ectx)
}

// Registry 节点类型到执行器的映射（对外导出）
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	workflow  WorkflowExecutor
	frozen    bool
}

// New 创建注册中心，默认使用顺序Workflow执行器
func New() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.workflow = NewSequentialExecutor()
	return r
}

// Register 注册执行器，同一类型重复注册返回错误
func (r *Registry) Register(nodeType string, exec Executor) error {
	if nodeType == "" {
		return fmt.Errorf("节点类型不能为空")
	}
	if exec == nil {
		return fmt.Errorf("节点类型 %s 的执行器为空", nodeType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("注册中心快照不可修改")
	}
	if _, exists := r.executors[nodeType]; exists {
		return fmt.Errorf("节点类型 %s 已注册", nodeType)
	}
	r.executors[nodeType] = exec
	log.Debugf("📝 [Registry] 注册节点类型: %s", nodeType)
	return nil
}

// RegisterFunc 注册函数形式的执行器
func (r *Registry) RegisterFunc(nodeType string, fn ExecutorFunc) error {
	return r.Register(nodeType, fn)
}

// MustRegister 注册失败时panic，用于启动阶段
func (r *Registry) MustRegister(nodeType string, exec Executor) {
	if err := r.Register(nodeType, exec); err != nil {
		panic(err)
	}
}

// SetWorkflowExecutor 替换整体执行Workflow时使用的执行器
func (r *Registry) SetWorkflowExecutor(w WorkflowExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflow = w
}

// WorkflowExecutor 返回Workflow执行器
func (r *Registry) WorkflowExecutor() WorkflowExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflow
}

// Resolve 查找节点类型的执行器，未注册时返回校验错误
func (r *Registry) Resolve(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[nodeType]
	if !ok {
		return nil, types.NewValidationError(nodeType, types.ErrUnknownNodeType)
	}
	return exec, nil
}

// Has 是否注册了节点类型
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[nodeType]
	return ok
}

// Types 已注册的节点类型，按字典序
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Snapshot 返回只读快照
func (r *Registry) Snapshot() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &Registry{executors: make(map[string]Executor, len(r.executors)), workflow: r.workflow, frozen: true}
	for k, v := range r.executors {
		s.executors[k] = v
	}
	return s
}

// ValidateSnapshot 检查快照中的所有节点类型都已注册
func (r *Registry) ValidateSnapshot(snapshot *types.WorkflowSnapshot) error {
	for _, n := range snapshot.Nodes {
		if !r.Has(n.Type) {
			return types.NewValidationError(fmt.Sprintf("节点 %s 的类型 %s", n.ID, n.Type), types.ErrUnknownNodeType)
		}
	}
	return nil
}
