package dto

import (
	"encoding/json"
	"time"

	"github.com/LENAX/node-engine/pkg/core/reliability"
)

// APIResponse 通用API响应结构
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code int, message string) APIResponse[any] {
	return APIResponse[any]{
		Code:    code,
		Message: message,
	}
}

// ExecutionDetail Execution详细信息
type ExecutionDetail struct {
	ID          string       `json:"id"`
	WorkflowID  string       `json:"workflow_id"`
	Status      string       `json:"status"`
	Mode        string       `json:"mode"`
	Progress    ProgressInfo `json:"progress"`
	Queued      int          `json:"queued"`
	Parked      int          `json:"parked"`
	ResumedFrom string       `json:"resumed_from,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Duration    string       `json:"duration,omitempty"`
	Error       string       `json:"error,omitempty"`
	Nodes       []NodeDetail `json:"nodes"`
}

// ProgressInfo 进度信息
type ProgressInfo struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
}

// NodeDetail 节点执行结果
type NodeDetail struct {
	NodeID   string          `json:"node_id"`
	Status   string          `json:"status"`
	Attempts int             `json:"attempts"`
	Output   json.RawMessage `json:"output,omitempty"`
	BlobKey  string          `json:"blob_key,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// CancelResponse 取消响应
type CancelResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SubmitResponse 提交响应
type SubmitResponse struct {
	ExecutionID string `json:"execution_id"`
	Mode        string `json:"mode"`
	Message     string `json:"message"`
}

// DeadLetterSummary 死信摘要
type DeadLetterSummary struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	NodeID      string    `json:"node_id,omitempty"`
	NodeType    string    `json:"node_type,omitempty"`
	Error       string    `json:"error"`
	ErrorKind   string    `json:"error_kind"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDeadLetterSummary 从死信条目构建摘要
func NewDeadLetterSummary(entry *reliability.DeadLetterEntry) DeadLetterSummary {
	s := DeadLetterSummary{
		ID:        entry.ID,
		Error:     entry.Error,
		ErrorKind: string(entry.ErrorKind),
		Attempts:  len(entry.AttemptHistory),
		CreatedAt: entry.CreatedAt,
	}
	if t := entry.Task; t != nil {
		s.TaskID = t.ID
		s.ExecutionID = t.ExecutionID
		s.WorkflowID = t.WorkflowID
		if t.Node != nil {
			s.NodeID = t.Node.NodeID
			s.NodeType = t.Node.NodeType
		}
	}
	return s
}

// ReplayResponse 重放响应
type ReplayResponse struct {
	EntryID     string `json:"entry_id"`
	ExecutionID string `json:"execution_id"`
	Resumed     bool   `json:"resumed"`
	Cleared     int    `json:"cleared"`
	TaskID      string `json:"task_id,omitempty"`
}

// QueueStatsResponse 队列统计
type QueueStatsResponse struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
	Leased  int `json:"leased"`
	Depth   int `json:"depth"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
	Running   bool   `json:"running"`
}

// ListResponse 列表响应
type ListResponse[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}
