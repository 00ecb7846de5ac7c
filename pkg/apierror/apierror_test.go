package apierror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestStatus は種類とステータスコードの対応を検証する。
func TestStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want int
	}{
		{NotFound, http.StatusNotFound},
		{Unauthenticated, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{RateLimited, http.StatusTooManyRequests},
		{CircuitOpen, http.StatusServiceUnavailable},
		{UpstreamTimeout, http.StatusGatewayTimeout},
		{UpstreamUnreachable, http.StatusBadGateway},
		{InternalError, http.StatusInternalServerError},
		{Kind("Unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()

			if got := tt.kind.Status(); got != tt.want {
				t.Errorf("Status() = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestAbort はエラーレスポンスの形式を検証する。
func TestAbort(t *testing.T) {
	t.Parallel()

	called := false
	router := gin.New()
	router.GET("/x", func(c *gin.Context) {
		Abort(c, CircuitOpen, "irrigation サービスは一時的に利用できません")
	}, func(_ *gin.Context) {
		called = true
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v", err)
	}
	if body["error"] != "CircuitOpen" {
		t.Errorf("error = %q, want %q", body["error"], "CircuitOpen")
	}
	if body["message"] == "" {
		t.Error("message が空")
	}
	if len(body) != 2 {
		t.Errorf("想定外のフィールドがある: %v", body)
	}
	if called {
		t.Error("Abort後に後続のハンドラが実行された")
	}
}
