package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind 错误分类（对外导出）
type ErrorKind string

const (
	ErrorKindTransient             ErrorKind = "Transient"
	ErrorKindValidation            ErrorKind = "Validation"
	ErrorKindExecutor              ErrorKind = "Executor"
	ErrorKindDependencyUnsatisfied ErrorKind = "DependencyUnsatisfied"
	ErrorKindCancellation          ErrorKind = "CancellationRequested"
)

// Retryable 该类错误是否消耗重试预算后重试
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient || k == ErrorKindExecutor
}

// 哨兵错误
var (
	ErrTaskNotFound         = errors.New("任务不存在")
	ErrLeaseLost            = errors.New("租约已失效")
	ErrExecutionNotFound    = errors.New("Execution不存在")
	ErrExecutionTerminal    = errors.New("Execution已处于终态")
	ErrTerminalRecordExists = errors.New("节点已存在终态记录")
	ErrInvalidTransition    = errors.New("非法的状态迁移")
	ErrCircuitOpen          = errors.New("熔断器已打开")
	ErrBlobNotFound         = errors.New("Blob不存在")
	ErrDLQEntryNotFound     = errors.New("死信条目不存在")
	ErrNotLeader            = errors.New("当前实例不是Leader")
	ErrUnknownNodeType      = errors.New("未注册的节点类型")

	// ErrSkipNode 执行器返回该错误表示节点被主动跳过，后继节点继续执行
	ErrSkipNode = errors.New("节点被跳过")
)

// TransientError 瞬时错误（锁竞争、网络抖动），退避后重试
type TransientError struct {
	Msg string
	Err error
}

func (e *TransientError) Error() string { return formatErr("瞬时错误", e.Msg, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError 校验错误（未知节点类型、负载格式错误），直接进入DLQ
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string { return formatErr("校验错误", e.Msg, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// ExecutorError 业务逻辑错误，在预算内重试，耗尽后进入DLQ
type ExecutorError struct {
	NodeType string
	Msg      string
	Err      error
}

func (e *ExecutorError) Error() string {
	return formatErr(fmt.Sprintf("执行器错误[%s]", e.NodeType), e.Msg, e.Err)
}
func (e *ExecutorError) Unwrap() error { return e.Err }

// DependencyUnsatisfiedError 依赖未满足，不是错误，走停车路径
type DependencyUnsatisfiedError struct {
	NodeID    string
	WaitingOn string
}

func (e *DependencyUnsatisfiedError) Error() string {
	return fmt.Sprintf("节点 %s 的依赖 %s 尚未完成", e.NodeID, e.WaitingOn)
}

// CancellationRequestedError Execution已被取消
type CancellationRequestedError struct {
	ExecutionID string
}

func (e *CancellationRequestedError) Error() string {
	return fmt.Sprintf("Execution %s 已请求取消", e.ExecutionID)
}

// NewTransientError 创建瞬时错误
func NewTransientError(msg string, err error) error {
	return &TransientError{Msg: msg, Err: err}
}

// NewValidationError 创建校验错误
func NewValidationError(msg string, err error) error {
	return &ValidationError{Msg: msg, Err: err}
}

// NewExecutorError 创建执行器错误
func NewExecutorError(nodeType, msg string, err error) error {
	return &ExecutorError{NodeType: nodeType, Msg: msg, Err: err}
}

// Classify 对错误进行分类，未识别的错误按执行器错误处理
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		transient  *TransientError
		validation *ValidationError
		executor   *ExecutorError
		dep        *DependencyUnsatisfiedError
		cancel     *CancellationRequestedError
	)
	switch {
	case errors.As(err, &cancel), errors.Is(err, context.Canceled):
		return ErrorKindCancellation
	case errors.As(err, &dep):
		return ErrorKindDependencyUnsatisfied
	case errors.As(err, &validation), errors.Is(err, ErrUnknownNodeType):
		return ErrorKindValidation
	case errors.As(err, &transient), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrCircuitOpen):
		return ErrorKindTransient
	case errors.As(err, &executor):
		return ErrorKindExecutor
	default:
		return ErrorKindExecutor
	}
}

func formatErr(prefix, msg string, err error) string {
	switch {
	case err != nil && msg != "":
		return fmt.Sprintf("%s: %s: %v", prefix, msg, err)
	case err != nil:
		return fmt.Sprintf("%s: %v", prefix, err)
	default:
		return fmt.Sprintf("%s: %s", prefix, msg)
	}
}
