package dto

import "github.com/LENAX/node-engine/pkg/core/types"

// SubmitRequest 提交Workflow快照请求
type SubmitRequest struct {
	Snapshot *types.WorkflowSnapshot `json:"snapshot" binding:"required"`
}

// ListQueryRequest 通用列表查询请求
type ListQueryRequest struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// GetDefaultLimit 获取默认limit
func (r *ListQueryRequest) GetDefaultLimit() int {
	if r.Limit <= 0 {
		return 100
	}
	return r.Limit
}
