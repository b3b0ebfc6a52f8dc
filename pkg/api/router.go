package api

import (
	"github.com/gin-gonic/gin"

	"github.com/LENAX/node-engine/pkg/api/handler"
	"github.com/LENAX/node-engine/pkg/api/middleware"
)

// SetupRouter 设置路由
func SetupRouter(admin handler.Admin, version string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	executionHandler := handler.NewExecutionHandler(admin)
	dlqHandler := handler.NewDLQHandler(admin)
	healthHandler := handler.NewHealthHandler(admin, version)

	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		executions := v1.Group("/executions")
		{
			executions.POST("", executionHandler.Submit)
			executions.GET("/:id", executionHandler.Get)
			executions.POST("/:id/cancel", executionHandler.Cancel)
		}

		dlq := v1.Group("/dlq")
		{
			dlq.GET("", dlqHandler.List)
			dlq.GET("/:id", dlqHandler.Get)
			dlq.POST("/:id/replay", dlqHandler.Replay)
		}

		v1.GET("/queue/stats", healthHandler.QueueStats)
	}

	return router
}
