package gateway

import (
	"net/http"
	"time"

	"github.com/nao1215/agrigate/internal/authz"
	"github.com/nao1215/agrigate/internal/breaker"
	"github.com/nao1215/agrigate/internal/config"
	"github.com/nao1215/agrigate/internal/proxy"
	"github.com/nao1215/agrigate/internal/ratelimit"
	"github.com/nao1215/agrigate/internal/route"
	"github.com/nao1215/agrigate/pkg/apierror"
)

// RequestContext は1リクエストがパイプラインを通過する間の状態。
// 各ステージが順に埋めていき、レスポンス確定後は変更しない。
type RequestContext struct {
	// RequestID はリクエストID。
	RequestID string
	// Request はクライアントからのリクエスト。
	Request *http.Request
	// ClientKey はレート制限の分割キー（クライアントIP）。
	ClientKey string
	// Route は解決されたルートポリシー。
	Route *route.Policy
	// Service は転送先サービス。
	Service config.Service
	// RateLimit はレート制限の判定結果。
	RateLimit ratelimit.Decision
	// Identity は認可済みの識別情報。公開ルートでは nil。
	Identity *authz.Identity
	// Ticket はブレーカーが発行したチケット。
	Ticket *breaker.Ticket
	// Result は上流への転送結果。
	Result proxy.Result
	// Failure はリクエストを終了させた拒否またはエラー。成功時は nil。
	Failure *Failure
	// StartedAt はパイプラインの開始時刻。
	StartedAt time.Time
	// FinishedAt はパイプラインの終了時刻。
	FinishedAt time.Time
}

// Dispatched は上流へ転送したかどうかを返す。
func (rc *RequestContext) Dispatched() bool {
	return rc.Ticket != nil
}

// RouteID はメトリクスのラベルに使うルートIDを返す。
func (rc *RequestContext) RouteID() string {
	if rc.Route == nil {
		return "unmatched"
	}
	return rc.Route.ID
}

// Failure はパイプラインを終了させた結果。
type Failure struct {
	// Kind はクライアントへ返すエラーの種類。
	Kind apierror.Kind
	// Message はクライアントへ返す説明。
	Message string
	// Err はログ用の内部的な原因。クライアントには返さない。
	Err error
	// ClientGone はクライアントが切断したためレスポンスを返せないことを表す。
	ClientGone bool
}

// Error はログ出力用の文字列を返す。
func (f *Failure) Error() string {
	if f.Err != nil {
		return string(f.Kind) + ": " + f.Message + ": " + f.Err.Error()
	}
	return string(f.Kind) + ": " + f.Message
}

// result はメトリクスのラベルに使う結果名を返す。
func (f *Failure) result() string {
	if f.ClientGone {
		return "canceled"
	}
	return string(f.Kind)
}

// reject はクライアントへ返すエラーを生成する。
func reject(kind apierror.Kind, message string, err error) *Failure {
	return &Failure{Kind: kind, Message: message, Err: err}
}
