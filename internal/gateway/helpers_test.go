package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/agrigate/internal/authz"
	"github.com/nao1215/agrigate/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWT署名秘密鍵。
var testSecret = []byte("test-secret-key")

// fakeClock はテスト用の時計。Advance を呼ぶまで時刻が進まない。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// newFakeClock は固定時刻から始まる時計を生成する。
func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)}
}

// Now は現在時刻を返す。
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance は時刻を進める。
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestServer は設定ファイルの内容からテスト用のサーバーを生成する。
func newTestServer(t *testing.T, f *config.File, clock *fakeClock) *Server {
	t.Helper()

	gw, err := f.Build()
	if err != nil {
		t.Fatalf("設定の構築に失敗: %v", err)
	}
	v, err := authz.NewHMACVerifier(testSecret, "")
	if err != nil {
		t.Fatalf("Verifierの生成に失敗: %v", err)
	}
	s, err := NewServer(Options{
		Port:             "0",
		Gateway:          gw,
		Verifier:         v,
		CORSOrigins:      []string{"http://localhost:3000"},
		MaxResponseBytes: 1 << 20,
		Clock:            clock.Now,
	})
	if err != nil {
		t.Fatalf("サーバーの生成に失敗: %v", err)
	}
	return s
}

// newBackend はテスト用の上流サービスを起動する。
func newBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)
	return backend
}

// testToken はテスト用のトークンを生成する。
func testToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()

	token, err := authz.GenerateToken(testSecret, subject, roles, time.Hour, "")
	if err != nil {
		t.Fatalf("テスト用JWT生成に失敗: %v", err)
	}
	return token
}

// doRequest はサーバーにリクエストを送信する。token が空でなければBearerトークンを付与する。
func doRequest(s *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// envelope はエラーレスポンスのボディ。
type envelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// decodeEnvelope はエラーレスポンスをパースし、種類とステータスコードを検証する。
func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, wantKind string) envelope {
	t.Helper()

	if w.Code != wantStatus {
		t.Errorf("ステータスコード = %d, want %d (body=%s)", w.Code, wantStatus, w.Body.String())
	}
	var body envelope
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	if body.Error != wantKind {
		t.Errorf("error = %q, want %q", body.Error, wantKind)
	}
	if body.Message == "" {
		t.Error("message が空")
	}
	return body
}
