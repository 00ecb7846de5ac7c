package authz

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims は認証サービスが発行するJWTのクレーム（ペイロード）を表す。
// ゲートウェイはこの契約に従ってトークンを検証するだけで、発行は行わない。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は sub が無いトークン向けのユーザーID。
	UserID string `json:"user_id,omitempty"`
	// Roles はユーザーが持つロール。
	Roles []string `json:"roles,omitempty"`
	// Role は単一ロール形式のトークン向けのロール。
	Role string `json:"role,omitempty"`
}

// SubjectID はユーザーの識別子を返す。sub を優先し、無ければ user_id を使う。
func (c *Claims) SubjectID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// RoleSet は roles と role を合わせた重複の無いロール一覧を返す。
func (c *Claims) RoleSet() []string {
	out := make([]string, 0, len(c.Roles)+1)
	for _, r := range append(slices.Clone(c.Roles), c.Role) {
		if r != "" && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// Verifier はBearerトークンの署名と有効期限を検証する。
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier は共有秘密鍵（HS256）または公開鍵（RS256）でJWTを検証する。
type JWTVerifier struct {
	// method は許可する署名アルゴリズム。これ以外のアルゴリズムは拒否する。
	method jwt.SigningMethod
	// key は検証鍵。HS256 では []byte、RS256 では *rsa.PublicKey。
	key any
	// issuer は期待する発行者。空の場合は検証しない。
	issuer string
}

// NewHMACVerifier は共有秘密鍵で検証するVerifierを生成する。
func NewHMACVerifier(secret []byte, issuer string) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("JWTの共有秘密鍵が空です")
	}
	return &JWTVerifier{method: jwt.SigningMethodHS256, key: secret, issuer: issuer}, nil
}

// NewRSAVerifier はPEM形式の公開鍵で検証するVerifierを生成する。
func NewRSAVerifier(pemBytes []byte, issuer string) (*JWTVerifier, error) {
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("JWT公開鍵の読み込みに失敗: %w", err)
	}
	return newRSAVerifier(pub, issuer), nil
}

func newRSAVerifier(pub *rsa.PublicKey, issuer string) *JWTVerifier {
	return &JWTVerifier{method: jwt.SigningMethodRS256, key: pub, issuer: issuer}
}

// Verify はトークンを検証してクレームを返す。
// exp は必須であり、設定されたアルゴリズム以外で署名されたトークンは拒否する。
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("トークンが無効です")
	}
	if claims.SubjectID() == "" {
		return nil, errors.New("トークンにユーザーIDが含まれていません")
	}
	return claims, nil
}

// GenerateToken は共有秘密鍵で署名したトークンを生成する。
// 認証サービスと同じ契約のトークンを開発・テスト用に発行するために使う。
func GenerateToken(secret []byte, subject string, roles []string, ttl time.Duration, issuer string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		Roles: roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}
