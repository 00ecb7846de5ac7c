package proxy

import (
	"net/http"
	"strings"
)

// ゲートウェイが上流へ付与するヘッダー。
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderUserID         = "X-User-ID"
	HeaderUserRoles      = "X-User-Roles"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedHost  = "X-Forwarded-Host"
	HeaderForwardedProto = "X-Forwarded-Proto"
)

// hopHeaders は接続ごとに意味を持ち、転送してはならないヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders はホップバイホップヘッダーと、Connection で列挙されたヘッダーを削除する。
func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
