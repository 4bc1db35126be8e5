package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
)

// RequestLogger 是一个 Gin 中间件，用于记录请求日志。
// 上传和下载都是大文件流，因此只记录元信息，不缓存请求体和响应体。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"bytesOut", c.Writer.Size(),
			"userId", c.GetString(ContextUserID),
		)
	}
}
