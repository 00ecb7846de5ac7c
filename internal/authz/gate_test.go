package authz

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/agrigate/internal/route"
)

// testSecret はテスト用のJWT署名秘密鍵。
var testSecret = []byte("test-secret-key")

// protectedPolicy は admin または farmer を要求するテスト用ルート。
var protectedPolicy = &route.Policy{
	Pattern:      "/api/irrigation/*",
	Service:      "irrigation",
	Protected:    true,
	AllowedRoles: []string{"admin", "farmer"},
}

// newTestGate はHS256で検証するテスト用ゲートを生成する。
func newTestGate(t *testing.T) *Gate {
	t.Helper()

	v, err := NewHMACVerifier(testSecret, "")
	if err != nil {
		t.Fatalf("Verifierの生成に失敗: %v", err)
	}
	return NewGate(v)
}

// signClaims は任意のクレームをHS256で署名する。
func signClaims(t *testing.T, claims jwt.Claims) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("テスト用JWT生成に失敗: %v", err)
	}
	return signed
}

// generateTestJWT はテスト用のJWTトークンを生成する。
func generateTestJWT(t *testing.T, subject string, roles ...string) string {
	t.Helper()

	token, err := GenerateToken(testSecret, subject, roles, time.Hour, "")
	if err != nil {
		t.Fatalf("テスト用JWT生成に失敗: %v", err)
	}
	return token
}

// TestAuthorize は認可ゲートの判定を検証する。
func TestAuthorize(t *testing.T) {
	t.Parallel()

	g := newTestGate(t)

	t.Run("保護されていないルートは資格情報なしで通過すること", func(t *testing.T) {
		t.Parallel()

		id, err := g.Authorize("", &route.Policy{Pattern: "/api/environment/*"})
		if err != nil || id != nil {
			t.Errorf("Authorize() = (%v, %v), want (nil, nil)", id, err)
		}
	})

	t.Run("資格情報が無い場合は401相当であり403にならないこと", func(t *testing.T) {
		t.Parallel()

		_, err := g.Authorize("", protectedPolicy)
		if !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
		if errors.Is(err, ErrForbidden) {
			t.Error("資格情報なしがForbiddenとして扱われた")
		}
	})

	t.Run("Bearer形式でない場合は401相当であること", func(t *testing.T) {
		t.Parallel()

		token := generateTestJWT(t, "user-1", "admin")
		for _, h := range []string{"Basic " + token, token, "Bearer ", "Bearer    "} {
			if _, err := g.Authorize(h, protectedPolicy); !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("header=%q: err = %v, want ErrUnauthenticated", h, err)
			}
		}
	})

	t.Run("署名が不正な場合は401相当であること", func(t *testing.T) {
		t.Parallel()

		token, err := GenerateToken([]byte("other-secret"), "user-1", []string{"admin"}, time.Hour, "")
		if err != nil {
			t.Fatalf("JWT生成に失敗: %v", err)
		}
		if _, err := g.Authorize("Bearer "+token, protectedPolicy); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("有効期限切れの場合は401相当であること", func(t *testing.T) {
		t.Parallel()

		token := signClaims(t, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
			Roles: []string{"admin"},
		})
		if _, err := g.Authorize("Bearer "+token, protectedPolicy); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("expが無いトークンは401相当であること", func(t *testing.T) {
		t.Parallel()

		token := signClaims(t, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
			Roles:            []string{"admin"},
		})
		if _, err := g.Authorize("Bearer "+token, protectedPolicy); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("有効だがロールが足りない場合は403相当であり401にならないこと", func(t *testing.T) {
		t.Parallel()

		token := generateTestJWT(t, "user-2", "viewer")
		_, err := g.Authorize("Bearer "+token, protectedPolicy)
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("err = %v, want ErrForbidden", err)
		}
		if errors.Is(err, ErrUnauthenticated) {
			t.Error("権限不足がUnauthenticatedとして扱われた")
		}
	})

	t.Run("ロールを1つでも持っていれば識別情報を返すこと", func(t *testing.T) {
		t.Parallel()

		token := generateTestJWT(t, "user-3", "viewer", "farmer")
		id, err := g.Authorize("bearer "+token, protectedPolicy)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if id.Subject != "user-3" {
			t.Errorf("Subject = %q, want %q", id.Subject, "user-3")
		}
		if len(id.Roles) != 2 {
			t.Errorf("Roles = %v, want 2件", id.Roles)
		}
		if id.ExpiresAt.IsZero() {
			t.Error("ExpiresAtが設定されていない")
		}
	})

	t.Run("単一ロール形式とuser_id形式のトークンを受け付けること", func(t *testing.T) {
		t.Parallel()

		token := signClaims(t, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			UserID: "legacy-user",
			Role:   "admin",
		})
		id, err := g.Authorize("Bearer "+token, protectedPolicy)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if id.Subject != "legacy-user" {
			t.Errorf("Subject = %q, want %q", id.Subject, "legacy-user")
		}
	})
}

// TestJWTVerifier はVerifierの設定ごとの振る舞いを検証する。
func TestJWTVerifier(t *testing.T) {
	t.Parallel()

	t.Run("空の共有秘密鍵は拒否されること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewHMACVerifier(nil, ""); err == nil {
			t.Error("エラーが返されなかった")
		}
	})

	t.Run("発行者が一致しないトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		v, err := NewHMACVerifier(testSecret, "agri-auth")
		if err != nil {
			t.Fatalf("Verifierの生成に失敗: %v", err)
		}
		token, _ := GenerateToken(testSecret, "user-1", []string{"admin"}, time.Hour, "someone-else")
		if _, err := v.Verify(token); err == nil {
			t.Error("発行者が異なるトークンが受け付けられた")
		}

		token, _ = GenerateToken(testSecret, "user-1", []string{"admin"}, time.Hour, "agri-auth")
		if _, err := v.Verify(token); err != nil {
			t.Errorf("予期しないエラー: %v", err)
		}
	})

	t.Run("RS256の公開鍵で検証できHS256のトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("RSA鍵の生成に失敗: %v", err)
		}
		der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			t.Fatalf("公開鍵のエンコードに失敗: %v", err)
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

		v, err := NewRSAVerifier(pemBytes, "")
		if err != nil {
			t.Fatalf("Verifierの生成に失敗: %v", err)
		}

		signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "rsa-user",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Roles: []string{"analyst"},
		}).SignedString(priv)
		if err != nil {
			t.Fatalf("RS256署名に失敗: %v", err)
		}

		claims, err := v.Verify(signed)
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if claims.SubjectID() != "rsa-user" {
			t.Errorf("SubjectID() = %q, want %q", claims.SubjectID(), "rsa-user")
		}

		hs := generateTestJWT(t, "user-1", "admin")
		if _, err := v.Verify(hs); err == nil {
			t.Error("HS256のトークンが受け付けられた")
		}
	})

	t.Run("不正なPEMは拒否されること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewRSAVerifier([]byte("not a pem"), ""); err == nil {
			t.Error("エラーが返されなかった")
		}
	})
}

// TestRoleSet はロールの統合を検証する。
func TestRoleSet(t *testing.T) {
	t.Parallel()

	c := &Claims{Roles: []string{"farmer", "admin", "farmer"}, Role: "admin"}
	got := c.RoleSet()
	if len(got) != 2 || got[0] != "farmer" || got[1] != "admin" {
		t.Errorf("RoleSet() = %v, want [farmer admin]", got)
	}
}
