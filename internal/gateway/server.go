package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/agrigate/internal/authz"
	"github.com/nao1215/agrigate/internal/breaker"
	"github.com/nao1215/agrigate/internal/config"
	"github.com/nao1215/agrigate/internal/metrics"
	"github.com/nao1215/agrigate/internal/proxy"
	"github.com/nao1215/agrigate/internal/ratelimit"
	"github.com/nao1215/agrigate/internal/route"
	"github.com/nao1215/agrigate/pkg/apierror"
	"github.com/nao1215/agrigate/pkg/event"
	"github.com/nao1215/agrigate/pkg/httpclient"
	"github.com/nao1215/agrigate/pkg/middleware"
)

const (
	// statusClientClosedRequest はクライアントが応答前に切断したことを表すステータス。ログとメトリクス用。
	statusClientClosedRequest = 499
	// defaultSweepInterval はレート制限カウンターの掃除間隔。
	defaultSweepInterval = time.Minute
	// defaultShutdownTimeout はグレースフルシャットダウンの待機時間。
	defaultShutdownTimeout = 10 * time.Second
	// recentTransitions はステータスに表示する直近の遷移イベント数。
	recentTransitions = 50
	// maxIdleConnsPerHost は上流ホストごとに保持するアイドル接続数。
	maxIdleConnsPerHost = 64
)

// Options はサーバーの構築オプション。
type Options struct {
	// Logger はロガー。nil の場合は出力しない。
	Logger hclog.Logger
	// Port はリッスンポート。
	Port string
	// Gateway は検証済みの実行時構成。
	Gateway *config.Gateway
	// Verifier はトークンの検証器。
	Verifier authz.Verifier
	// CORSOrigins はCORSで許可するオリジン。
	CORSOrigins []string
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシ。空の場合は接続元アドレスをそのまま使う。
	TrustedProxies []string
	// MaxResponseBytes は上流レスポンスボディの最大サイズ。
	MaxResponseBytes int64
	// Clock は現在時刻を返す。テストで差し替える。
	Clock func() time.Time
	// SweepInterval はレート制限カウンターの掃除間隔。
	SweepInterval time.Duration
}

// Server はAPIゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// logger はロガー。
	logger hclog.Logger
	// pipeline はポリシーパイプライン。
	pipeline *Pipeline
	// table はルートテーブル。
	table *route.Table
	// limiter はレートリミッター。
	limiter *ratelimit.Limiter
	// breakers はサービスごとのブレーカー。
	breakers *breaker.Registry
	// events は直近のブレーカー遷移イベント。
	events *event.Log
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// clock は現在時刻を返す。
	clock func() time.Time
	// sweepInterval はレート制限カウンターの掃除間隔。
	sweepInterval time.Duration
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(opts Options) (*Server, error) {
	if opts.Gateway == nil || opts.Verifier == nil {
		return nil, errors.New("実行時構成とトークン検証器は必須です")
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}

	m := metrics.New()
	events := event.NewLog(recentTransitions)
	breakers, err := breaker.NewRegistry(opts.Gateway.Breakers,
		breaker.WithClock(clock),
		breaker.WithListener(newTransitionListener(logger.Named("breaker"), events, m)),
	)
	if err != nil {
		return nil, fmt.Errorf("ブレーカーの初期化に失敗: %w", err)
	}
	m.InitBreakers(breakers.Snapshots())

	limiter := ratelimit.New()
	pipeline := NewPipeline(PipelineDeps{
		Table:      opts.Gateway.Table,
		Services:   opts.Gateway.Services,
		Limiter:    limiter,
		Gate:       authz.NewGate(opts.Verifier),
		Breakers:   breakers,
		Dispatcher: proxy.New(httpclient.NewUpstream(maxIdleConnsPerHost), opts.MaxResponseBytes),
		Clock:      clock,
	})

	router := gin.New()
	if err := router.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES の値が不正: %w", err)
	}
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger.Named("recovery")))
	router.Use(middleware.AccessLog(logger.Named("access"), route.ReservedPrefix))
	router.Use(middleware.CORS(opts.CORSOrigins))

	s := &Server{
		router:        router,
		port:          opts.Port,
		logger:        logger,
		pipeline:      pipeline,
		table:         opts.Gateway.Table,
		limiter:       limiter,
		breakers:      breakers,
		events:        events,
		metrics:       m,
		clock:         clock,
		sweepInterval: sweep,
	}
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctx が終了したらグレースフルシャットダウンする。
// レート制限カウンターの掃除も同じライフサイクルで実行する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("ゲートウェイを起動します", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
		}
		s.logger.Info("ゲートウェイを停止しました")
		return nil
	})
	group.Go(func() error {
		return s.limiter.Run(groupCtx, s.sweepInterval, s.clock)
	})
	return group.Wait()
}

// setupRoutes は運用エンドポイントとパイプラインを設定する。
// 運用エンドポイント以外のパスはすべてパイプラインで処理する。
func (s *Server) setupRoutes() {
	ops := s.router.Group(route.ReservedPrefix)
	{
		ops.GET("/health", s.handleHealth())
		ops.GET("/status", s.handleStatus())
		ops.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.router.NoRoute(s.handlePipeline())
}

// handleHealth はヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	}
}

// handlePipeline はリクエストをパイプラインで処理し、結果をレスポンスに書き込むハンドラを返す。
func (s *Server) handlePipeline() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := &RequestContext{
			RequestID: middleware.GetRequestID(c),
			Request:   c.Request,
			ClientKey: c.ClientIP(),
		}
		s.pipeline.Execute(c.Request.Context(), rc)

		if rc.Dispatched() {
			s.metrics.ObserveUpstream(rc.Service.ID, rc.Result.Outcome, rc.Result.Latency)
		}
		setRateLimitHeaders(c, rc)

		if f := rc.Failure; f != nil {
			s.metrics.ObserveRequest(rc.RouteID(), f.result())
			if f.Kind == apierror.RateLimited {
				s.metrics.RateLimited.WithLabelValues(rc.RouteID()).Inc()
			}
			s.writeFailure(c, rc)
			return
		}

		s.metrics.ObserveRequest(rc.RouteID(), "proxied")
		writeUpstream(c, rc.Result)
	}
}

// writeFailure はパイプラインの拒否をエラーレスポンスとして書き込む。
func (s *Server) writeFailure(c *gin.Context, rc *RequestContext) {
	f := rc.Failure
	if f.ClientGone {
		s.logger.Debug("クライアントが切断したため転送を中止しました",
			"request_id", rc.RequestID, "service", rc.Service.ID)
		c.AbortWithStatus(statusClientClosedRequest)
		return
	}

	switch f.Kind {
	case apierror.InternalError:
		s.logger.Error("リクエストの処理に失敗しました", "request_id", rc.RequestID, "route", rc.RouteID(), "error", f)
	case apierror.UpstreamTimeout, apierror.UpstreamUnreachable:
		s.logger.Warn("上流サービスの呼び出しに失敗しました", "request_id", rc.RequestID, "service", rc.Service.ID, "error", f)
	}
	if f.Kind == apierror.RateLimited {
		c.Header("Retry-After", strconv.Itoa(rc.RateLimit.RetryAfter(s.clock())))
	}
	apierror.Abort(c, f.Kind, f.Message)
}

// setRateLimitHeaders はレート制限の判定を行ったリクエストに残り回数のヘッダーを設定する。
func setRateLimitHeaders(c *gin.Context, rc *RequestContext) {
	d := rc.RateLimit
	if d.Limit == 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// writeUpstream は上流のレスポンスをそのままクライアントへ書き込む。
// 上流が返したエラーのステータスとボディも変換しない。
// ゲートウェイが設定済みのヘッダー（リクエストID、CORS、レート制限）は上流の値で上書きしない。
func writeUpstream(c *gin.Context, res proxy.Result) {
	h := c.Writer.Header()
	for k, vs := range res.Header {
		if _, set := h[k]; set && k != "Vary" {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	c.Status(res.Status)
	if len(res.Body) > 0 {
		_, _ = c.Writer.Write(res.Body)
	} else {
		c.Writer.WriteHeaderNow()
	}
}
