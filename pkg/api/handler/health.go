package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/node-engine/pkg/api/dto"
)

// HealthHandler 健康检查与队列统计处理器
type HealthHandler struct {
	admin     Admin
	version   string
	startTime time.Time
}

// NewHealthHandler 创建HealthHandler
func NewHealthHandler(admin Admin, version string) *HealthHandler {
	return &HealthHandler{
		admin:     admin,
		version:   version,
		startTime: time.Now(),
	}
}

// Health 健康检查
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Uptime:    formatDuration(time.Since(h.startTime)),
		Timestamp: time.Now().Format(time.RFC3339),
		Running:   h.admin.Running(),
	}))
}

// Ready 就绪检查，引擎未运行时返回503
// GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.admin.Running() {
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponse(503, "引擎未运行"))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{
		"status": "ready",
	}))
}

// QueueStats 队列统计
// GET /api/v1/queue/stats
func (h *HealthHandler) QueueStats(c *gin.Context) {
	stats, err := h.admin.QueueStats(c.Request.Context())
	if err != nil {
		writeError(c, "查询队列统计失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.QueueStatsResponse{
		Ready:   stats.Ready,
		Delayed: stats.Delayed,
		Leased:  stats.Leased,
		Depth:   stats.Depth(),
	}))
}
