package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/nao1215/agrigate/pkg/apierror"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にスタックトレースをログに出力し、500エラーを返す。
// スタックトレースはレスポンスには含めない。
func Recovery(logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("パニックから回復しました",
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"request_id", GetRequestID(c),
					"panic", r,
					"stack", string(debug.Stack()),
				)
				apierror.Abort(c, apierror.InternalError, "内部サーバーエラーが発生しました")
			}
		}()
		c.Next()
	}
}
