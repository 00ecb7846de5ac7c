// Package proxy は認可とブレーカーの判定を通過したリクエストを上流サービスへ転送する。
//
// 転送はルートまたはサービスのタイムアウトで打ち切り、結果をブレーカーの
// Outcome に変換して必ず1回だけ報告する。上流が返したステータスコードは
// 問わず Success として扱い、ボディとともにそのままクライアントへ返す。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nao1215/agrigate/internal/authz"
	"github.com/nao1215/agrigate/internal/breaker"
	"github.com/nao1215/agrigate/internal/config"
	"github.com/nao1215/agrigate/internal/route"
	"github.com/nao1215/agrigate/pkg/httpclient"
)

// ErrInternal はゲートウェイ側の処理で転送を完了できなかったことを表す。上流の障害ではない。
var ErrInternal = errors.New("転送処理に失敗しました")

// ErrResponseTooLarge は上流のレスポンスボディが上限を超えたことを表す。
var ErrResponseTooLarge = fmt.Errorf("%w: レスポンスボディが上限を超えました", ErrInternal)

// Request は1件の転送に必要な情報。
type Request struct {
	// Inbound はクライアントからのリクエスト。
	Inbound *http.Request
	// RequestID はゲートウェイが割り当てたリクエストID。
	RequestID string
	// Service は転送先サービス。
	Service config.Service
	// Policy は解決済みのルートポリシー。
	Policy *route.Policy
	// Identity は認可済みの識別情報。公開ルートでは nil。
	Identity *authz.Identity
}

// Result は転送の結果。
type Result struct {
	// Outcome はブレーカーに報告した結果。
	Outcome breaker.Outcome
	// Status は上流のステータスコード。Success の場合のみ有効。
	Status int
	// Header はホップバイホップヘッダーを除いた上流のレスポンスヘッダー。
	Header http.Header
	// Body は上流のレスポンスボディ。
	Body []byte
	// Err は転送が完了しなかった原因。
	Err error
	// Latency は上流呼び出しの所要時間。
	Latency time.Duration
}

// Dispatcher は上流サービスへの転送を行う。
type Dispatcher struct {
	// client は上流転送用のHTTPクライアント。
	client *httpclient.Client
	// maxResponseBytes はレスポンスボディの最大サイズ。
	maxResponseBytes int64
}

// defaultMaxResponseBytes は上限が指定されなかった場合のレスポンスボディの最大サイズ。
const defaultMaxResponseBytes = 10 << 20

// New はDispatcherを生成する。maxResponseBytes が0以下の場合は既定値を使う。
func New(client *httpclient.Client, maxResponseBytes int64) *Dispatcher {
	if maxResponseBytes <= 0 {
		maxResponseBytes = defaultMaxResponseBytes
	}
	return &Dispatcher{
		client:           client,
		maxResponseBytes: maxResponseBytes,
	}
}

// Dispatch はリクエストを上流へ転送し、結果を ticket に1回だけ報告する。
// ctx はクライアントのリクエストに紐づくコンテキスト。クライアントが切断すると転送を中止し、
// Canceled として報告する。
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, ticket *breaker.Ticket) (res Result) {
	defer func() { ticket.Done(res.Outcome) }()

	timeout := req.Policy.Timeout
	if timeout <= 0 {
		timeout = req.Service.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.newUpstreamRequest(callCtx, req)
	if err != nil {
		// 上流に接続していないため、ブレーカーの統計には含めない。
		return Result{Outcome: breaker.Canceled, Err: fmt.Errorf("%w: %w", ErrInternal, err)}
	}

	start := time.Now()
	resp, err := d.client.Do(out)
	if err != nil {
		return failed(ctx, callCtx, err, time.Since(start))
	}
	defer resp.Body.Close()

	// ボディの読み取りもタイムアウトの対象とする。
	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxResponseBytes+1))
	if err != nil {
		return failed(ctx, callCtx, err, time.Since(start))
	}
	latency := time.Since(start)
	if int64(len(body)) > d.maxResponseBytes {
		return Result{Outcome: breaker.Success, Status: resp.StatusCode, Err: ErrResponseTooLarge, Latency: latency}
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	return Result{
		Outcome: breaker.Success,
		Status:  resp.StatusCode,
		Header:  header,
		Body:    body,
		Latency: latency,
	}
}

// failed はトランスポートエラーを結果に変換する。
func failed(parent, callCtx context.Context, err error, latency time.Duration) Result {
	var outcome breaker.Outcome
	switch httpclient.Classify(parent, callCtx, err) {
	case httpclient.FailureCanceled:
		outcome = breaker.Canceled
	case httpclient.FailureTimeout:
		outcome = breaker.Timeout
	default:
		outcome = breaker.Failure
	}
	return Result{Outcome: outcome, Err: err, Latency: latency}
}

// newUpstreamRequest は転送用のリクエストを作成する。
// メソッドとボディ、ルーティング以外のヘッダーは元のリクエストのものを引き継ぐ。
func (d *Dispatcher) newUpstreamRequest(ctx context.Context, req Request) (*http.Request, error) {
	in := req.Inbound
	target := req.Service.URL + req.Policy.Rewrite(in.URL.Path)
	if in.URL.RawQuery != "" {
		target += "?" + in.URL.RawQuery
	}

	var body io.Reader
	if in.Body != nil && in.Body != http.NoBody {
		body = in.Body
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("転送リクエストの作成に失敗: %w", err)
	}
	out.ContentLength = in.ContentLength

	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)
	// 識別情報ヘッダーはゲートウェイだけが設定する。
	out.Header.Del(HeaderUserID)
	out.Header.Del(HeaderUserRoles)

	setForwardedHeaders(out.Header, in)
	if req.RequestID != "" {
		out.Header.Set(HeaderRequestID, req.RequestID)
	}
	if req.Identity != nil {
		out.Header.Set(HeaderUserID, req.Identity.Subject)
		out.Header.Set(HeaderUserRoles, strings.Join(req.Identity.Roles, ","))
	}
	return out, nil
}

// setForwardedHeaders は X-Forwarded-* ヘッダーを設定する。
// 既存の X-Forwarded-For には接続元アドレスを追記する。
func setForwardedHeaders(h http.Header, in *http.Request) {
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := h.Values(HeaderForwardedFor); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		h.Set(HeaderForwardedFor, ip)
	}
	h.Set(HeaderForwardedHost, in.Host)
	if in.TLS != nil {
		h.Set(HeaderForwardedProto, "https")
	} else {
		h.Set(HeaderForwardedProto, "http")
	}
}
