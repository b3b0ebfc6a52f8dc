package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskType 任务粒度（对外导出）
type TaskType string

const (
	// TaskTypeWorkflow 整个Workflow作为一个任务执行
	TaskTypeWorkflow TaskType = "workflow"
	// TaskTypeNode 单个DAG节点作为一个任务执行
	TaskTypeNode TaskType = "node"
)

// PayloadRef 负载引用（对外导出）
// 小负载直接内联，大负载写入Blob Store后只传递Key
type PayloadRef struct {
	Inline  json.RawMessage `json:"inline,omitempty"`
	BlobKey string          `json:"blob_key,omitempty"`
}

// IsEmpty 是否为空引用
func (r PayloadRef) IsEmpty() bool {
	return len(r.Inline) == 0 && r.BlobKey == ""
}

// IsBlob 是否为Blob引用
func (r PayloadRef) IsBlob() bool {
	return r.BlobKey != ""
}

// NodeTaskSpec NodeTask特有字段（对外导出）
type NodeTaskSpec struct {
	NodeID              string                `json:"node_id"`
	NodeType            string                `json:"node_type"`
	WorkflowSnapshotRef PayloadRef            `json:"workflow_snapshot_ref"`
	InputDataRefs       map[string]PayloadRef `json:"input_data_refs,omitempty"` // 前驱节点ID -> 输出引用
}

// AttemptRecord 单次失败尝试的记录（对外导出）
type AttemptRecord struct {
	Attempt  int           `json:"attempt"`
	Error    string        `json:"error"`
	Kind     ErrorKind     `json:"kind"`
	Delay    time.Duration `json:"delay"`
	At       time.Time     `json:"at"`
	WorkerID string        `json:"worker_id,omitempty"`
}

// Task 队列投递单元（对外导出）
// Node不为空时即为NodeTask
type Task struct {
	ID          string            `json:"id"`
	Type        TaskType          `json:"task_type"`
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	Priority    int               `json:"priority"`
	Payload     PayloadRef        `json:"payload_ref"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	CreatedAt   time.Time         `json:"created_at"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Node        *NodeTaskSpec     `json:"node,omitempty"`
	Attempts    []AttemptRecord   `json:"attempt_history,omitempty"`
}

// NewWorkflowTask 创建整个Workflow级别的任务（对外导出）
func NewWorkflowTask(executionID, workflowID string, snapshotRef PayloadRef) *Task {
	return &Task{
		ID:          WorkflowTaskID(executionID),
		Type:        TaskTypeWorkflow,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Payload:     snapshotRef,
		CreatedAt:   time.Now(),
	}
}

// NewNodeTask 创建节点级别任务（对外导出）
// 任务ID由(execution_id, node_id)确定，重复入队在队列层面去重
func NewNodeTask(executionID, workflowID string, node NodeSpec, snapshotRef PayloadRef) *Task {
	return &Task{
		ID:          NodeTaskID(executionID, node.ID),
		Type:        TaskTypeNode,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Priority:    node.Priority,
		Payload:     snapshotRef,
		MaxRetries:  node.MaxRetries,
		CreatedAt:   time.Now(),
		Node: &NodeTaskSpec{
			NodeID:              node.ID,
			NodeType:            node.Type,
			WorkflowSnapshotRef: snapshotRef,
		},
	}
}

// NodeTaskID 节点任务ID
func NodeTaskID(executionID, nodeID string) string {
	return fmt.Sprintf("%s/%s", executionID, nodeID)
}

// WakeTaskID 停车任务被唤醒时使用的新任务ID
// 原投递在停车后才确认，沿用原ID会被队列当作重复入队丢弃
func WakeTaskID(taskID string) string {
	base, _, _ := strings.Cut(taskID, wakeSuffix)
	return base + wakeSuffix + NewID()[:8]
}

const wakeSuffix = "/wake-"

// WorkflowTaskID Workflow任务ID
func WorkflowTaskID(executionID string) string {
	return executionID + "/" + string(TaskTypeWorkflow)
}

// NewID 生成新ID
func NewID() string {
	return uuid.NewString()
}

// IsNode 是否为NodeTask
func (t *Task) IsNode() bool {
	return t.Type == TaskTypeNode && t.Node != nil
}

// NodeID 返回节点ID，非NodeTask返回空字符串
func (t *Task) NodeID() string {
	if t.Node == nil {
		return ""
	}
	return t.Node.NodeID
}

// ExhaustedRetries 重试预算是否已用尽
func (t *Task) ExhaustedRetries() bool {
	return t.RetryCount >= t.MaxRetries
}

// RecordAttempt 追加一次失败尝试记录
func (t *Task) RecordAttempt(rec AttemptRecord) {
	t.Attempts = append(t.Attempts, rec)
}

// ResetRetries 清空重试状态（DLQ重放时使用）
func (t *Task) ResetRetries() {
	t.RetryCount = 0
	t.ScheduledAt = nil
	t.Attempts = nil
}

// Clone 深拷贝Task
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		c.ScheduledAt = &at
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Node != nil {
		n := *t.Node
		if t.Node.InputDataRefs != nil {
			n.InputDataRefs = make(map[string]PayloadRef, len(t.Node.InputDataRefs))
			for k, v := range t.Node.InputDataRefs {
				n.InputDataRefs[k] = v
			}
		}
		c.Node = &n
	}
	if t.Attempts != nil {
		c.Attempts = append([]AttemptRecord(nil), t.Attempts...)
	}
	return &c
}

// Marshal 序列化为JSON
func (t *Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTask 从JSON反序列化Task
func UnmarshalTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("反序列化Task失败: %w", err)
	}
	return &t, nil
}

// LeasedTask 带租约的任务（对外导出）
// LeaseToken用于Ack/Nack/ExtendLease时校验租约归属，过期租约的操作为空操作
type LeasedTask struct {
	Task       *Task     `json:"task"`
	LeaseToken string    `json:"lease_token"`
	ExpiresAt  time.Time `json:"expires_at"`
}
