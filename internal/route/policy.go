package route

import (
	"path"
	"slices"
	"strings"
	"time"
)

// ReservedPrefix はゲートウェイ自身の運用エンドポイントが使用するパス接頭辞。
// ルートポリシーはこの配下を宣言できない。
const ReservedPrefix = "/_gateway"

// wildcardSuffix はワイルドカードパターンの末尾。
const wildcardSuffix = "/*"

// RateLimit はルートごとのレート制限設定。
type RateLimit struct {
	// Window は固定ウィンドウの長さ。
	Window time.Duration
	// Max はウィンドウ内で許可する最大リクエスト数。
	Max int
}

// Policy はパスパターンを上流サービスとアクセス・耐障害性ルールに結びつける設定単位。
type Policy struct {
	// ID はルートの識別子。レート制限カウンターの分割キーとして使用する。
	// 空の場合は "メソッド パターン" から生成される。
	ID string
	// Pattern はパスパターン。リテラル（/api/irrigation/status）または
	// 末尾ワイルドカード（/api/irrigation/*）のいずれか。
	Pattern string
	// Methods は許可するHTTPメソッド。空の場合はすべてのメソッドに一致する。
	Methods []string
	// Service は転送先サービスのID。
	Service string
	// Protected が true の場合、Bearer トークンによる認可が必要。
	Protected bool
	// AllowedRoles はアクセスを許可するロール。いずれか1つを持っていればよい。
	AllowedRoles []string
	// RateLimit はクライアントごとのレート制限。
	RateLimit RateLimit
	// StripPrefix が true の場合、転送時にパターンのリテラル部分を取り除く。
	StripPrefix bool
	// Timeout は上流呼び出しのタイムアウト。0 の場合はサービスの既定値を使う。
	Timeout time.Duration
}

// Wildcard はパターンが末尾ワイルドカードかどうかを返す。
func (p *Policy) Wildcard() bool {
	return p.Pattern == "/*" || strings.HasSuffix(p.Pattern, wildcardSuffix)
}

// Literal はパターンのリテラル部分を返す。"/*" の場合は空文字列。
func (p *Policy) Literal() string {
	if p.Wildcard() {
		return strings.TrimSuffix(p.Pattern, wildcardSuffix)
	}
	return p.Pattern
}

// AllowsMethod はメソッドがポリシーの対象かどうかを返す。
func (p *Policy) AllowsMethod(method string) bool {
	if len(p.Methods) == 0 {
		return true
	}
	return slices.Contains(p.Methods, strings.ToUpper(method))
}

// Rewrite は転送先のパスを返す。パスは照合と同じく path.Clean で正規化してから転送する。
// 連続した "//" は一つにまとめられ、"." と ".." のセグメントは解決されるため、
// 上流は元のリクエストとは異なる正規化済みのパスを受け取る。
// StripPrefix が設定されている場合はリテラル部分を取り除き、常に "/" から始まるパスにする。
// 末尾スラッシュは元のリクエストのものを保持する。
func (p *Policy) Rewrite(requestPath string) string {
	cleaned := cleanPath(requestPath)
	rest := cleaned
	if p.StripPrefix {
		rest = strings.TrimPrefix(cleaned, p.Literal())
	}
	if rest == "" {
		rest = "/"
	}
	if rest != "/" && strings.HasSuffix(requestPath, "/") {
		rest += "/"
	}
	return rest
}

// matches はクリーン済みのパスがパターンに一致するかどうかを返す。
func (p *Policy) matches(cleaned string) bool {
	literal := p.Literal()
	if !p.Wildcard() {
		return cleaned == literal
	}
	if literal == "" {
		return true
	}
	return cleaned == literal || strings.HasPrefix(cleaned, literal+"/")
}

// methodsOverlap は2つのポリシーのメソッド集合が重なるかどうかを返す。
func methodsOverlap(a, b *Policy) bool {
	if len(a.Methods) == 0 || len(b.Methods) == 0 {
		return true
	}
	for _, m := range a.Methods {
		if slices.Contains(b.Methods, m) {
			return true
		}
	}
	return false
}

// cleanPath はパスを正規化する。".." によってプレフィックスの外へ出ることはできない。
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}
