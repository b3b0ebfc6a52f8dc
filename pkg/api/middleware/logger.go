package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/node-engine/pkg/log"
)

// Logger 请求日志中间件
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		latency := time.Since(start)
		if status >= 500 {
			log.Warnf("🌐 [API] %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, latency)
			return
		}
		log.Debugf("🌐 [API] %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, latency)
	}
}
