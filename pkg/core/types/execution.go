package types

import (
	"encoding/json"
	"time"
)

// ExecutionStatus Execution状态（对外导出）
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "Pending"
	ExecutionRunning   ExecutionStatus = "Running"
	ExecutionSuccess   ExecutionStatus = "Success"
	ExecutionFailed    ExecutionStatus = "Failed"
	ExecutionCancelled ExecutionStatus = "Cancelled"
)

// IsValid 检查状态是否有效
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionSuccess, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 是否为终态
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed || s == ExecutionCancelled
}

// CanTransitionTo 状态单调迁移：终态不可再迁移
func (s ExecutionStatus) CanTransitionTo(target ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		// Pending可以进入Running或直接进入终态
		return target == ExecutionRunning || target.IsTerminal()
	case ExecutionRunning:
		return target.IsTerminal()
	default:
		return false
	}
}

// ExecutionSourcesFor 返回可以迁移到target的所有来源状态
func ExecutionSourcesFor(target ExecutionStatus) []ExecutionStatus {
	var sources []ExecutionStatus
	for _, s := range []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionSuccess, ExecutionFailed, ExecutionCancelled} {
		if s.CanTransitionTo(target) {
			sources = append(sources, s)
		}
	}
	return sources
}

// Mode 调度模式
type Mode string

const (
	ModeWorkflowLevel Mode = "WorkflowLevel"
	ModeNodeLevel     Mode = "NodeLevel"
)

// Execution 一次Workflow运行（对外导出）
type Execution struct {
	ExecutionID     string          `json:"execution_id"`
	WorkflowID      string          `json:"workflow_id"`
	Status          ExecutionStatus `json:"status"`
	Mode            Mode            `json:"mode"`
	SnapshotRef     PayloadRef      `json:"snapshot_ref"`
	NodeCount       int             `json:"node_count"`
	CancelRequested bool            `json:"cancel_requested"`
	Error           string          `json:"error,omitempty"`
	ResumedFrom     string          `json:"resumed_from,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewExecution 创建Pending状态的Execution
func NewExecution(workflowID string, mode Mode, snapshotRef PayloadRef, nodeCount int) *Execution {
	now := time.Now()
	return &Execution{
		ExecutionID: NewID(),
		WorkflowID:  workflowID,
		Status:      ExecutionPending,
		Mode:        mode,
		SnapshotRef: snapshotRef,
		NodeCount:   nodeCount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone 拷贝Execution
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// ApplyTransition 在内存对象上应用状态迁移并维护时间戳
func (e *Execution) ApplyTransition(target ExecutionStatus, reason string, now time.Time) bool {
	if !e.Status.CanTransitionTo(target) {
		return false
	}
	e.Status = target
	e.UpdatedAt = now
	if target == ExecutionRunning && e.StartedAt == nil {
		e.StartedAt = &now
	}
	if target.IsTerminal() {
		e.EndedAt = &now
		if reason != "" {
			e.Error = reason
		}
	}
	return true
}

// NodeStatus 节点状态（对外导出）
type NodeStatus string

const (
	NodePending   NodeStatus = "Pending"
	NodeRunning   NodeStatus = "Running"
	NodeSuccess   NodeStatus = "Success"
	NodeFailed    NodeStatus = "Failed"
	NodeCancelled NodeStatus = "Cancelled"
	NodeSkipped   NodeStatus = "Skipped"
)

// TerminalNodeStatuses 所有节点终态
var TerminalNodeStatuses = []NodeStatus{NodeSuccess, NodeFailed, NodeCancelled, NodeSkipped}

// IsTerminal 是否为终态
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeSuccess, NodeFailed, NodeCancelled, NodeSkipped:
		return true
	default:
		return false
	}
}

// SatisfiesDependency 终态且非失败：后继节点可以继续
func (s NodeStatus) SatisfiesDependency() bool {
	return s == NodeSuccess || s == NodeSkipped
}

// NodeResultRecord (execution_id, node_id)的执行结果（对外导出）
// 同一个(execution_id, node_id)最多只有一条终态记录
type NodeResultRecord struct {
	ExecutionID    string          `json:"execution_id"`
	NodeID         string          `json:"node_id"`
	Status         NodeStatus      `json:"status"`
	OutputRef      PayloadRef      `json:"output_ref"`
	Error          string          `json:"error,omitempty"`
	AttemptHistory []AttemptRecord `json:"attempt_history,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	ClaimExpiresAt int64           `json:"claim_expires_at,omitempty"` // 毫秒时间戳
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Marshal 序列化为JSON
func (r *NodeResultRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Clone 拷贝记录
func (r *NodeResultRecord) Clone() *NodeResultRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.AttemptHistory != nil {
		c.AttemptHistory = append([]AttemptRecord(nil), r.AttemptHistory...)
	}
	return &c
}

// ParkedTaskEntry 停车间条目（对外导出）
// 以未满足的前驱节点为键，WakeDeadline到期后由Janitor强制重新检查
type ParkedTaskEntry struct {
	TaskID       string    `json:"task_id"`
	ExecutionID  string    `json:"execution_id"`
	WaitingOn    string    `json:"waiting_on"`
	Task         *Task     `json:"task"`
	WakeDeadline time.Time `json:"wake_deadline"`
	ParkedAt     time.Time `json:"parked_at"`
}

// NowFunc 可注入的时钟
type NowFunc func() time.Time
