package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/agrigate/internal/authz"
	"github.com/nao1215/agrigate/internal/breaker"
	"github.com/nao1215/agrigate/internal/config"
	"github.com/nao1215/agrigate/internal/proxy"
	"github.com/nao1215/agrigate/internal/ratelimit"
	"github.com/nao1215/agrigate/internal/route"
	"github.com/nao1215/agrigate/pkg/apierror"
)

// stage はパイプラインの1段階。nil を返せば次のステージへ進み、
// Failure を返せばパイプラインを終了する。
type stage struct {
	name string
	run  func(ctx context.Context, rc *RequestContext) *Failure
}

// Pipeline はリクエストごとに固定順のステージを実行する。
// 共有状態はすべて構築時に渡され、パイプライン自身は状態を持たない。
type Pipeline struct {
	table      *route.Table
	services   map[string]config.Service
	limiter    *ratelimit.Limiter
	gate       *authz.Gate
	breakers   *breaker.Registry
	dispatcher *proxy.Dispatcher
	clock      func() time.Time
	stages     []stage
}

// PipelineDeps はパイプラインが使用するコンポーネント。
type PipelineDeps struct {
	// Table はルートテーブル。
	Table *route.Table
	// Services はサービスレジストリ。
	Services map[string]config.Service
	// Limiter はレートリミッター。
	Limiter *ratelimit.Limiter
	// Gate は認可ゲート。
	Gate *authz.Gate
	// Breakers はサービスごとのブレーカー。
	Breakers *breaker.Registry
	// Dispatcher は上流への転送を行う。
	Dispatcher *proxy.Dispatcher
	// Clock は現在時刻を返す。nil の場合は time.Now。
	Clock func() time.Time
}

// NewPipeline はパイプラインを構築する。
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		table:      deps.Table,
		services:   deps.Services,
		limiter:    deps.Limiter,
		gate:       deps.Gate,
		breakers:   deps.Breakers,
		dispatcher: deps.Dispatcher,
		clock:      deps.Clock,
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	// 順序は固定。レート制限は認可より前に判定する。
	p.stages = []stage{
		{name: "resolve", run: p.resolve},
		{name: "ratelimit", run: p.rateLimit},
		{name: "authorize", run: p.authorize},
		{name: "admit", run: p.admit},
		{name: "dispatch", run: p.dispatch},
	}
	return p
}

// Execute はステージを順に実行する。拒否された時点で以降のステージは実行しない。
func (p *Pipeline) Execute(ctx context.Context, rc *RequestContext) {
	rc.StartedAt = p.clock()
	defer func() { rc.FinishedAt = p.clock() }()

	for _, s := range p.stages {
		if f := s.run(ctx, rc); f != nil {
			rc.Failure = f
			return
		}
	}
}

// resolve はルートポリシーと転送先サービスを決定する。
func (p *Pipeline) resolve(_ context.Context, rc *RequestContext) *Failure {
	policy, ok := p.table.Resolve(rc.Request.Method, rc.Request.URL.Path)
	if !ok {
		return reject(apierror.NotFound, "指定されたパスに一致するルートがありません", nil)
	}
	svc, ok := p.services[policy.Service]
	if !ok {
		return reject(apierror.InternalError, "ゲートウェイの設定に問題があります",
			fmt.Errorf("ルート %q のサービス %q が登録されていません", policy.ID, policy.Service))
	}
	rc.Route = policy
	rc.Service = svc
	return nil
}

// rateLimit はルートとクライアントの組ごとのレート制限を判定する。
func (p *Pipeline) rateLimit(_ context.Context, rc *RequestContext) *Failure {
	rc.RateLimit = p.limiter.Admit(rc.Route.ID, rc.ClientKey, rc.Route.RateLimit, p.clock())
	if !rc.RateLimit.Allowed {
		return reject(apierror.RateLimited, "リクエスト数が上限を超えました。しばらくしてから再試行してください", nil)
	}
	return nil
}

// authorize は保護されたルートの資格情報とロールを検証する。
func (p *Pipeline) authorize(_ context.Context, rc *RequestContext) *Failure {
	id, err := p.gate.Authorize(rc.Request.Header.Get("Authorization"), rc.Route)
	switch {
	case err == nil:
		rc.Identity = id
		return nil
	case errors.Is(err, authz.ErrForbidden):
		return reject(apierror.Forbidden, "このリソースへのアクセス権限がありません", err)
	case errors.Is(err, authz.ErrUnauthenticated):
		return reject(apierror.Unauthenticated, "有効な認証トークンが必要です", err)
	default:
		return reject(apierror.InternalError, "認可処理に失敗しました", err)
	}
}

// admit は転送先サービスのブレーカーに通過を問い合わせる。
func (p *Pipeline) admit(_ context.Context, rc *RequestContext) *Failure {
	b, ok := p.breakers.Get(rc.Service.ID)
	if !ok {
		return reject(apierror.InternalError, "ゲートウェイの設定に問題があります",
			fmt.Errorf("サービス %q のブレーカーがありません", rc.Service.ID))
	}
	ticket, err := b.Admit()
	if err != nil {
		return reject(apierror.CircuitOpen,
			fmt.Sprintf("%s サービスは一時的に利用できません", rc.Service.ID), err)
	}
	rc.Ticket = ticket
	return nil
}

// dispatch は上流へ転送し、転送結果をエラーの種類に変換する。
// 上流が返したステータスコードは成功として扱い、変換しない。
func (p *Pipeline) dispatch(ctx context.Context, rc *RequestContext) *Failure {
	rc.Result = p.dispatcher.Dispatch(ctx, proxy.Request{
		Inbound:   rc.Request,
		RequestID: rc.RequestID,
		Service:   rc.Service,
		Policy:    rc.Route,
		Identity:  rc.Identity,
	}, rc.Ticket)

	res := rc.Result
	switch {
	case res.Err == nil:
		return nil
	case errors.Is(res.Err, proxy.ErrInternal):
		return reject(apierror.InternalError, "上流サービスの応答を処理できませんでした", res.Err)
	case res.Outcome == breaker.Timeout:
		return reject(apierror.UpstreamTimeout,
			fmt.Sprintf("%s サービスが時間内に応答しませんでした", rc.Service.ID), res.Err)
	case res.Outcome == breaker.Canceled:
		return &Failure{Kind: apierror.InternalError, Message: "クライアントが切断しました", Err: res.Err, ClientGone: true}
	default:
		return reject(apierror.UpstreamUnreachable,
			fmt.Sprintf("%s サービスに接続できませんでした", rc.Service.ID), res.Err)
	}
}
