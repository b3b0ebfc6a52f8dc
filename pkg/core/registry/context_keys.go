package registry

import "context"

// context key类型，用于类型安全的context.Value访问
type contextKey string

const (
	// ExecContextKey ExecContext在context中的key
	ExecContextKey contextKey = "node.exec_context"
	// ExecutionIDKey Execution ID在context中的key
	ExecutionIDKey contextKey = "execution.id"
	// NodeIDKey 节点ID在context中的key
	NodeIDKey contextKey = "node.id"
)

// WithExecContext 将ExecContext及其标识添加到context中（对外导出）
func WithExecContext(ctx context.Context, ectx *ExecContext) context.Context {
	ctx = context.WithValue(ctx, ExecContextKey, ectx)
	ctx = context.WithValue(ctx, ExecutionIDKey, ectx.ExecutionID)
	return context.WithValue(ctx, NodeIDKey, ectx.NodeID)
}

// FromContext 从context中获取ExecContext（对外导出）
func FromContext(ctx context.Context) (*ExecContext, bool) {
	ectx, ok := ctx.Value(ExecContextKey).(*ExecContext)
	return ectx, ok
}

// GetExecutionID 从context中获取Execution ID（对外导出）
func GetExecutionID(ctx context.Context) string {
	if id, ok := ctx.Value(ExecutionIDKey).(string); ok {
		return id
	}
	return ""
}

// GetNodeID 从context中获取节点ID（对外导出）
func GetNodeID(ctx context.Context) string {
	if id, ok := ctx.Value(NodeIDKey).(string); ok {
		return id
	}
	return ""
}
