package route

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ErrInvalidTable はルートテーブルの検証に失敗したことを表す。
var ErrInvalidTable = errors.New("ルートテーブルが不正です")

// Table は起動時に一度だけ構築される不変のルートテーブル。
// 構築後は読み取り専用であり、同期なしで並行に参照できる。
type Table struct {
	// policies は宣言順のポリシー。
	policies []*Policy
	// exact はリテラルパス → 宣言順の候補。
	exact map[string][]*Policy
	// wildcards はリテラル部分の長い順（同じ長さは宣言順）に並べたワイルドカードポリシー。
	wildcards []*Policy
}

// NewTable はポリシーを検証してルートテーブルを構築する。
// 曖昧なルートや不正なパターンはすべて集約してエラーとして返す。
func NewTable(policies []Policy) (*Table, error) {
	t := &Table{
		exact: make(map[string][]*Policy),
	}

	var result *multierror.Error
	ids := make(map[string]int, len(policies))

	for i := range policies {
		p := normalize(policies[i])
		if err := validatePolicy(&p); err != nil {
			result = multierror.Append(result, fmt.Errorf("routes[%d] %q: %w", i, p.Pattern, err))
			continue
		}
		if prev, ok := ids[p.ID]; ok {
			result = multierror.Append(result, fmt.Errorf("routes[%d] %q: ID %q は routes[%d] と重複しています", i, p.Pattern, p.ID, prev))
			continue
		}
		for j, other := range t.policies {
			if other.Pattern == p.Pattern && methodsOverlap(other, &p) {
				result = multierror.Append(result, fmt.Errorf("routes[%d] %q: routes[%d] と同じパスに対して曖昧です", i, p.Pattern, j))
			}
		}
		ids[p.ID] = i
		t.policies = append(t.policies, &p)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}

	for _, p := range t.policies {
		if p.Wildcard() {
			t.wildcards = append(t.wildcards, p)
			continue
		}
		t.exact[p.Pattern] = append(t.exact[p.Pattern], p)
	}
	sort.SliceStable(t.wildcards, func(i, j int) bool {
		return len(t.wildcards[i].Literal()) > len(t.wildcards[j].Literal())
	})

	return t, nil
}

// Resolve はメソッドとパスに一致するポリシーを返す。
// リテラル一致はワイルドカードより優先され、ワイルドカード同士ではリテラル部分が長いものが、
// 同じ長さであれば先に宣言されたものが優先される。
func (t *Table) Resolve(method, requestPath string) (*Policy, bool) {
	cleaned := cleanPath(requestPath)

	for _, p := range t.exact[cleaned] {
		if p.AllowsMethod(method) {
			return p, true
		}
	}
	for _, p := range t.wildcards {
		if p.matches(cleaned) && p.AllowsMethod(method) {
			return p, true
		}
	}
	return nil, false
}

// Policies は宣言順のポリシーを返す。
func (t *Table) Policies() []*Policy {
	out := make([]*Policy, len(t.policies))
	copy(out, t.policies)
	return out
}

// Services はポリシーが参照するサービスIDを重複なく宣言順で返す。
func (t *Table) Services() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range t.policies {
		if _, ok := seen[p.Service]; ok {
			continue
		}
		seen[p.Service] = struct{}{}
		out = append(out, p.Service)
	}
	return out
}

// normalize はメソッドを大文字に揃え、IDを補完したコピーを返す。
func normalize(p Policy) Policy {
	methods := make([]string, 0, len(p.Methods))
	for _, m := range p.Methods {
		methods = append(methods, strings.ToUpper(strings.TrimSpace(m)))
	}
	sort.Strings(methods)
	p.Methods = methods
	p.AllowedRoles = append([]string(nil), p.AllowedRoles...)

	if p.ID == "" {
		m := "*"
		if len(methods) > 0 {
			m = strings.Join(methods, ",")
		}
		p.ID = m + " " + p.Pattern
	}
	return p
}

// validatePolicy は単一ポリシーの整合性を検証する。
func validatePolicy(p *Policy) error {
	switch {
	case !strings.HasPrefix(p.Pattern, "/"):
		return errors.New("パターンは / から始まる必要があります")
	case strings.Contains(strings.TrimSuffix(p.Pattern, wildcardSuffix), "*"):
		return errors.New("* は末尾の /* としてのみ使用できます")
	case p.Pattern != "/" && p.Literal() != "" && cleanPath(p.Literal()) != p.Literal():
		return errors.New("パターンは正規化されたパスである必要があります")
	case p.Literal() == ReservedPrefix || strings.HasPrefix(p.Literal(), ReservedPrefix+"/"):
		return fmt.Errorf("%s 配下は予約されています", ReservedPrefix)
	case p.Service == "":
		return errors.New("転送先サービスが指定されていません")
	case p.Protected && len(p.AllowedRoles) == 0:
		return errors.New("保護されたルートには許可ロールが必要です")
	case p.RateLimit.Window <= 0 || p.RateLimit.Max <= 0:
		return errors.New("レート制限のウィンドウと最大数は正の値である必要があります")
	case p.Timeout < 0:
		return errors.New("タイムアウトは負の値にできません")
	}
	return nil
}
