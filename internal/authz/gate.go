// Package authz はゲートウェイの認可ゲートを提供する。
//
// Bearerトークンの署名と有効期限を検証し、トークンのロールが
// ルートの許可ロールと交差するかどうかを判定する。
// 資格情報が無い・不正な場合（401）と、有効だが権限が足りない場合（403）を厳密に区別する。
package authz

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/nao1215/agrigate/internal/route"
)

var (
	// ErrUnauthenticated は資格情報が無い、形式が不正、または検証に失敗したことを表す。
	ErrUnauthenticated = errors.New("認証が必要です")
	// ErrForbidden は資格情報は有効だが、ルートの許可ロールを持っていないことを表す。
	ErrForbidden = errors.New("このリソースへのアクセス権限がありません")
)

// Identity は検証済みのトークンから導出されるクライアントの識別情報。
// 1リクエストの間だけ存在し、永続化されない。
type Identity struct {
	// Subject はユーザーの一意識別子。
	Subject string
	// Roles はユーザーが持つロール。
	Roles []string
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time
}

// Gate は認可ゲート。
type Gate struct {
	verifier Verifier
}

// NewGate は新しい認可ゲートを生成する。
func NewGate(verifier Verifier) *Gate {
	return &Gate{verifier: verifier}
}

// Authorize はAuthorizationヘッダーの値をルートポリシーに照らして検証する。
// 保護されていないルートでは検証を行わず nil, nil を返す。
func (g *Gate) Authorize(authorization string, policy *route.Policy) (*Identity, error) {
	if !policy.Protected {
		return nil, nil
	}

	token, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrUnauthenticated
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		return nil, errors.Join(ErrUnauthenticated, err)
	}

	roles := claims.RoleSet()
	if !hasAnyRole(roles, policy.AllowedRoles) {
		return nil, ErrForbidden
	}

	id := &Identity{
		Subject: claims.SubjectID(),
		Roles:   roles,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// bearerToken は "Bearer <token>" 形式のヘッダーからトークンを取り出す。
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// hasAnyRole はロールが1つでも許可ロールに含まれるかどうかを返す。
func hasAnyRole(roles, allowed []string) bool {
	for _, r := range roles {
		if slices.Contains(allowed, r) {
			return true
		}
	}
	return false
}
