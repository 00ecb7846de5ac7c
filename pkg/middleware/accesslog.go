package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
)

// AccessLog はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
// quietPrefix で始まるパス（ヘルスチェックなど）はDebugレベルで出力する。
func AccessLog(logger hclog.Logger, quietPrefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := hclog.Info
		if quietPrefix != "" && strings.HasPrefix(c.Request.URL.Path, quietPrefix) {
			level = hclog.Debug
		}
		logger.Log(level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
			"request_id", GetRequestID(c),
		)
	}
}
