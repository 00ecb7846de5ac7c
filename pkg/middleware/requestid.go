package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID はリクエストIDを伝播するHTTPヘッダー。
const HeaderRequestID = "X-Request-ID"

// contextKeyRequestID はGinコンテキストにリクエストIDを保存するキー。
const contextKeyRequestID = "request_id"

// maxRequestIDLength はクライアントから受け付けるリクエストIDの最大長。
const maxRequestIDLength = 128

// RequestID はリクエストごとにIDを割り当てるGinミドルウェアを返す。
// クライアントが妥当な X-Request-ID を送った場合はそれを引き継ぎ、無ければUUIDを生成する。
// IDはレスポンスヘッダーにも設定する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.New().String()
		}
		c.Set(contextKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString(contextKeyRequestID)
}

// validRequestID はヘッダーにそのまま書き戻せる値かどうかを返す。
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
