package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/node-engine/pkg/api/dto"
)

// DLQHandler 死信API处理器
type DLQHandler struct {
	admin Admin
}

// NewDLQHandler 创建DLQHandler
func NewDLQHandler(admin Admin) *DLQHandler {
	return &DLQHandler{admin: admin}
}

// List 列出死信
// GET /api/v1/dlq
func (h *DLQHandler) List(c *gin.Context) {
	var query dto.ListQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("查询参数错误: %v", err)))
		return
	}
	entries, err := h.admin.ListDLQ(c.Request.Context(), query.GetDefaultLimit())
	if err != nil {
		writeError(c, "查询死信失败", err)
		return
	}
	items := make([]dto.DeadLetterSummary, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dto.NewDeadLetterSummary(entry))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.DeadLetterSummary]{
		Total: len(items),
		Items: items,
	}))
}

// Get 获取单条死信
// GET /api/v1/dlq/:id
func (h *DLQHandler) Get(c *gin.Context) {
	entry, err := h.admin.GetDLQEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "查询死信失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.NewDeadLetterSummary(entry)))
}

// Replay 手动重放死信
// POST /api/v1/dlq/:id/replay
func (h *DLQHandler) Replay(c *gin.Context) {
	res, err := h.admin.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "重放失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ReplayResponse{
		EntryID:     res.EntryID,
		ExecutionID: res.ExecutionID,
		Resumed:     res.Resumed,
		Cleared:     res.Cleared,
		TaskID:      res.TaskID,
	}))
}
