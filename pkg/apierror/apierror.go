// Package apierror はゲートウェイが生成するエラーレスポンスの共通形式を提供する。
//
// すべてのエラーは {"error": 種類, "message": 説明} のJSONで返す。
// 上流サービスが返したエラーはこの形式に変換せず、そのまま転送する。
package apierror

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind はエラーの種類。レスポンスの error フィールドにそのまま出力する。
type Kind string

const (
	// NotFound は一致するルートが無いことを表す。
	NotFound Kind = "NotFound"
	// Unauthenticated は資格情報が無い、または検証に失敗したことを表す。
	Unauthenticated Kind = "Unauthenticated"
	// Forbidden は有効な資格情報だが必要なロールを持たないことを表す。
	Forbidden Kind = "Forbidden"
	// RateLimited はレート制限を超えたことを表す。
	RateLimited Kind = "RateLimited"
	// CircuitOpen は上流のブレーカーが開いていることを表す。
	CircuitOpen Kind = "CircuitOpen"
	// UpstreamTimeout は上流が時間内に応答しなかったことを表す。
	UpstreamTimeout Kind = "UpstreamTimeout"
	// UpstreamUnreachable は上流へ到達できなかったことを表す。
	UpstreamUnreachable Kind = "UpstreamUnreachable"
	// InternalError はゲートウェイ内部のエラーを表す。
	InternalError Kind = "InternalError"
)

// Status は種類に対応するHTTPステータスコードを返す。
func (k Kind) Status() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case CircuitOpen:
		return http.StatusServiceUnavailable
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case UpstreamUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Envelope はエラーレスポンスのボディ。
type Envelope struct {
	// Error はエラーの種類。
	Error Kind `json:"error"`
	// Message は利用者向けの説明。内部のURLやスタックトレースを含めてはならない。
	Message string `json:"message"`
}

// Abort はエラーレスポンスを書き込み、以降のハンドラを中断する。
func Abort(c *gin.Context, kind Kind, message string) {
	c.AbortWithStatusJSON(kind.Status(), Envelope{Error: kind, Message: message})
}
