package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeSpec 节点定义（对外导出）
type NodeSpec struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Config        map[string]any `json:"config,omitempty"`
	Dependency    string         `json:"dependency,omitempty"` // 外部依赖标识，用于熔断器分组
	MaxRetries    int            `json:"max_retries,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	SkipOnFailure bool           `json:"skip_on_failure,omitempty"` // 失败时标记为Skipped而不是让整个Execution失败
	LongRunning   bool           `json:"long_running,omitempty"`
}

// Edge 有向边 From -> To
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WorkflowHints 调度提示
type WorkflowHints struct {
	Parallel          bool          `json:"parallel,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// WorkflowSnapshot 一次Execution使用的不可变Workflow快照（对外导出）
type WorkflowSnapshot struct {
	WorkflowID string        `json:"workflow_id"`
	Nodes      []NodeSpec    `json:"nodes"`
	Edges      []Edge        `json:"edges"`
	Hints      WorkflowHints `json:"hints"`
}

// Node 按ID查找节点
func (s *WorkflowSnapshot) Node(id string) (NodeSpec, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Validate 校验快照的基本结构（环检测在DAG构建时完成）
func (s *WorkflowSnapshot) Validate() error {
	if s.WorkflowID == "" {
		return NewValidationError("workflow_id不能为空", nil)
	}
	if len(s.Nodes) == 0 {
		return NewValidationError(fmt.Sprintf("Workflow %s 没有任何节点", s.WorkflowID), nil)
	}
	seen := make(map[string]struct{}, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			return NewValidationError("节点ID不能为空", nil)
		}
		if n.Type == "" {
			return NewValidationError(fmt.Sprintf("节点 %s 缺少类型", n.ID), nil)
		}
		if _, dup := seen[n.ID]; dup {
			return NewValidationError(fmt.Sprintf("节点ID重复: %s", n.ID), nil)
		}
		seen[n.ID] = struct{}{}
	}
	for _, e := range s.Edges {
		if _, ok := seen[e.From]; !ok {
			return NewValidationError(fmt.Sprintf("边引用了不存在的节点: %s", e.From), nil)
		}
		if _, ok := seen[e.To]; !ok {
			return NewValidationError(fmt.Sprintf("边引用了不存在的节点: %s", e.To), nil)
		}
		if e.From == e.To {
			return NewValidationError(fmt.Sprintf("节点 %s 存在自环", e.From), nil)
		}
	}
	return nil
}

// Marshal 序列化为JSON
func (s *WorkflowSnapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot 反序列化快照
func UnmarshalSnapshot(data []byte) (*WorkflowSnapshot, error) {
	var s WorkflowSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, NewValidationError("Workflow快照格式错误", err)
	}
	return &s, nil
}
