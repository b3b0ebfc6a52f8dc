package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/node-engine/pkg/core/types"
)

// CancelCheck 查询Execution是否已请求取消
type CancelCheck func(ctx context.Context) (bool, error)

// LeaseExtender 延长当前任务的租约
type LeaseExtender func(ctx context.Context, extra time.Duration) error

// ExecContext 节点执行上下文，提供类型安全的API访问节点信息（对外导出）
// 长时间运行的执行器应周期性调用IsCancelled进行协作式取消
type ExecContext struct {
	ctx         context.Context
	ExecutionID string
	WorkflowID  string
	TaskID      string
	NodeID      string
	NodeType    string
	Attempt     int // 从1开始
	WorkerID    string
	Params      map[string]any

	cancelCheck   CancelCheck
	extender      LeaseExtender
	checkInterval time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	cancelled bool
}

// ExecContextOption ExecContext选项
type ExecContextOption func(*ExecContext)

// WithCancelCheck 设置取消检查函数，interval内的重复调用复用上次结果
func WithCancelCheck(check CancelCheck, interval time.Duration) ExecContextOption {
	return func(e *ExecContext) {
		e.cancelCheck = check
		e.checkInterval = interval
	}
}

// WithLeaseExtender 设置租约延长函数
func WithLeaseExtender(ext LeaseExtender) ExecContextOption {
	return func(e *ExecContext) { e.extender = ext }
}

// WithWorkerID 设置Worker标识
func WithWorkerID(id string) ExecContextOption {
	return func(e *ExecContext) { e.WorkerID = id }
}

// NewExecContext 根据任务创建执行上下文
func NewExecContext(ctx context.Context, task *types.Task, spec types.NodeSpec, opts ...ExecContextOption) *ExecContext {
	e := &ExecContext{
		ctx:         ctx,
		ExecutionID: task.ExecutionID,
		WorkflowID:  task.WorkflowID,
		TaskID:      task.ID,
		NodeID:      spec.ID,
		NodeType:    spec.Type,
		Attempt:     task.RetryCount + 1,
		Params:      spec.Config,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ForNode 派生同一任务内另一个节点的上下文（Workflow级执行时使用）
func (e *ExecContext) ForNode(spec types.NodeSpec) *ExecContext {
	return &ExecContext{
		ctx:           e.ctx,
		ExecutionID:   e.ExecutionID,
		WorkflowID:    e.WorkflowID,
		TaskID:        e.TaskID,
		NodeID:        spec.ID,
		NodeType:      spec.Type,
		Attempt:       e.Attempt,
		WorkerID:      e.WorkerID,
		Params:        spec.Config,
		cancelCheck:   e.cancelCheck,
		extender:      e.extender,
		checkInterval: e.checkInterval,
	}
}

// Context 返回底层context.Context
func (e *ExecContext) Context() context.Context {
	return e.ctx
}

// IsCancelled 是否应停止执行：底层context已取消或Execution已请求取消
func (e *ExecContext) IsCancelled() bool {
	if e.ctx != nil && e.ctx.Err() != nil {
		return true
	}
	if e.cancelCheck == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return true
	}
	if !e.lastCheck.IsZero() && time.Since(e.lastCheck) < e.checkInterval {
		return false
	}
	e.lastCheck = time.Now()
	cancelled, err := e.cancelCheck(e.ctx)
	if err != nil {
		return false
	}
	e.cancelled = cancelled
	return cancelled
}

// CheckCancelled IsCancelled为真时返回CancellationRequestedError
func (e *ExecContext) CheckCancelled() error {
	if e.IsCancelled() {
		return &types.CancellationRequestedError{ExecutionID: e.ExecutionID}
	}
	return nil
}

// ExtendLease 延长当前任务租约，长时间运行的执行器用于心跳
func (e *ExecContext) ExtendLease(extra time.Duration) error {
	if e.extender == nil {
		return nil
	}
	return e.extender(e.ctx, extra)
}

// GetParam 获取节点配置参数
func (e *ExecContext) GetParam(key string) any {
	if e.Params == nil {
		return nil
	}
	return e.Params[key]
}

// GetParamString 获取字符串参数
func (e *ExecContext) GetParamString(key string) string {
	val := e.GetParam(key)
	if val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", val)
}

// GetParamInt 获取整数参数，JSON反序列化后的数字为float64
func (e *ExecContext) GetParamInt(key string) (int, error) {
	val := e.GetParam(key)
	if val == nil {
		return 0, fmt.Errorf("参数 %s 不存在", key)
	}
	switch v := val.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		var i int
		_, err := fmt.Sscanf(v, "%d", &i)
		return i, err
	default:
		return 0, fmt.Errorf("参数 %s 类型不是整数，当前类型: %T", key, val)
	}
}

// GetParamBool 获取布尔参数
func (e *ExecContext) GetParamBool(key string) (bool, error) {
	val := e.GetParam(key)
	if val == nil {
		return false, fmt.Errorf("参数 %s 不存在", key)
	}
	switch v := val.(type) {
	case bool:
		return v, nil
	case string:
		return v == "true" || v == "1" || v == "yes", nil
	default:
		return false, fmt.Errorf("参数 %s 类型不是布尔值，当前类型: %T", key, val)
	}
}
