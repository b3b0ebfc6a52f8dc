package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/node-engine/pkg/api/dto"
	"github.com/LENAX/node-engine/pkg/core/engine"
	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/types"
)

// Admin 管理接口依赖的引擎能力，*engine.Engine 实现了该接口
type Admin interface {
	Submit(ctx context.Context, snapshot *types.WorkflowSnapshot) (*types.Execution, error)
	GetStatus(ctx context.Context, executionID string) (*engine.ExecutionStatus, error)
	Cancel(ctx context.Context, executionID string) (*types.Execution, error)
	Replay(ctx context.Context, entryID string) (*engine.ReplayResult, error)
	ListDLQ(ctx context.Context, limit int) ([]*reliability.DeadLetterEntry, error)
	GetDLQEntry(ctx context.Context, entryID string) (*reliability.DeadLetterEntry, error)
	QueueStats(ctx context.Context) (queue.Stats, error)
	Running() bool
}

var _ Admin = (*engine.Engine)(nil)

// writeError 按错误类型映射HTTP状态码
func writeError(c *gin.Context, action string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrExecutionNotFound), errors.Is(err, types.ErrDLQEntryNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrExecutionTerminal):
		code = http.StatusConflict
	case types.Classify(err) == types.ErrorKindValidation:
		code = http.StatusBadRequest
	}
	c.JSON(code, dto.NewErrorResponse(code, fmt.Sprintf("%s: %v", action, err)))
}

// formatDuration 格式化时长
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
