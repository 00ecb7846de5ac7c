package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/agrigate/internal/breaker"
	"github.com/nao1215/agrigate/pkg/event"
)

// StatusResponse は運用ツール向けのステータス。
type StatusResponse struct {
	// Status は常に "ok"。ゲートウェイ自身が応答できることを表す。
	Status string `json:"status"`
	// Time はステータスを生成した時刻。
	Time time.Time `json:"time"`
	// Services はサービスごとのブレーカーの状態。サービスID順。
	Services []breaker.Snapshot `json:"services"`
	// RecentTransitions は直近のブレーカー遷移イベント。新しい順。
	RecentTransitions []event.Event `json:"recent_transitions"`
	// Routes は登録されているルート数。
	Routes int `json:"routes"`
	// RateLimitCounters は保持しているレート制限カウンター数。
	RateLimitCounters int `json:"rate_limit_counters"`
}

// handleStatus はブレーカーの状態を返すハンドラを返す。
// ブレーカーの遷移はリクエストの許可と結果の報告でのみ起こる。参照によって状態やイベントは変化しない。
func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status())
	}
}

// Status は現在のステータスを返す。
func (s *Server) Status() StatusResponse {
	return StatusResponse{
		Status:            "ok",
		Time:              s.clock().UTC(),
		Services:          s.breakers.Snapshots(),
		RecentTransitions: s.events.Recent(),
		Routes:            len(s.table.Policies()),
		RateLimitCounters: s.limiter.Len(),
	}
}
