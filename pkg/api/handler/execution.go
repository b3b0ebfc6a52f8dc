package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/node-engine/pkg/api/dto"
	"github.com/LENAX/node-engine/pkg/core/engine"
)

// ExecutionHandler Execution API处理器
type ExecutionHandler struct {
	admin Admin
}

// NewExecutionHandler 创建ExecutionHandler
func NewExecutionHandler(admin Admin) *ExecutionHandler {
	return &ExecutionHandler{admin: admin}
}

// Submit 提交Workflow快照
// POST /api/v1/executions
func (h *ExecutionHandler) Submit(c *gin.Context) {
	var req dto.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("请求参数错误: %v", err)))
		return
	}
	exec, err := h.admin.Submit(c.Request.Context(), req.Snapshot)
	if err != nil {
		writeError(c, "提交失败", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(dto.SubmitResponse{
		ExecutionID: exec.ExecutionID,
		Mode:        string(exec.Mode),
		Message:     "Execution已提交",
	}))
}

// Get 获取Execution详情
// GET /api/v1/executions/:id
func (h *ExecutionHandler) Get(c *gin.Context) {
	st, err := h.admin.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "查询Execution失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(toExecutionDetail(st)))
}

// Cancel 取消Execution
// POST /api/v1/executions/:id/cancel
func (h *ExecutionHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	exec, err := h.admin.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, "取消失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.CancelResponse{
		ID:      id,
		Status:  string(exec.Status),
		Message: "Execution已取消",
	}))
}

func toExecutionDetail(st *engine.ExecutionStatus) dto.ExecutionDetail {
	exec := st.Execution
	detail := dto.ExecutionDetail{
		ID:          exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		Status:      string(exec.Status),
		Mode:        string(exec.Mode),
		Queued:      st.Queued,
		Parked:      st.Parked,
		ResumedFrom: exec.ResumedFrom,
		CreatedAt:   exec.CreatedAt,
		StartedAt:   exec.StartedAt,
		FinishedAt:  exec.EndedAt,
		Error:       exec.Error,
		Progress: dto.ProgressInfo{
			Total:     st.Progress.Total,
			Completed: st.Progress.Succeeded,
			Running:   st.Progress.Running,
			Failed:    st.Progress.Failed,
			Skipped:   st.Progress.Skipped,
			Cancelled: st.Progress.Cancelled,
			Pending:   st.Progress.Pending,
		},
		Nodes: make([]dto.NodeDetail, 0, len(st.Nodes)),
	}
	if exec.StartedAt != nil && exec.EndedAt != nil {
		detail.Duration = formatDuration(exec.EndedAt.Sub(*exec.StartedAt))
	}
	for _, rec := range st.Nodes {
		detail.Nodes = append(detail.Nodes, dto.NodeDetail{
			NodeID:   rec.NodeID,
			Status:   string(rec.Status),
			Attempts: len(rec.AttemptHistory),
			Output:   rec.OutputRef.Inline,
			BlobKey:  rec.OutputRef.BlobKey,
			Error:    rec.Error,
		})
	}
	return detail
}
