// Package metrics はゲートウェイのPrometheusメトリクスを定義する。
//
// レジストリはサーバーごとに生成し、グローバルなデフォルトレジストリは使わない。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/agrigate/internal/breaker"
)

const namespace = "agrigate"

// Metrics はゲートウェイが公開するメトリクス。
type Metrics struct {
	registry *prometheus.Registry

	// Requests はルートと結果の種類ごとのリクエスト数。
	Requests *prometheus.CounterVec
	// RateLimited はルートごとのレート制限による拒否数。
	RateLimited *prometheus.CounterVec
	// UpstreamDuration はサービスと結果ごとの上流呼び出しの所要時間。
	UpstreamDuration *prometheus.HistogramVec
	// BreakerState はサービスごとのブレーカー状態（0: closed, 1: open, 2: half-open）。
	BreakerState *prometheus.GaugeVec
	// BreakerTransitions はサービスと遷移先ごとの状態遷移数。
	BreakerTransitions *prometheus.CounterVec
}

// New はメトリクスを生成し、専用のレジストリに登録する。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "The total number of requests handled by the pipeline",
		}, []string{"route", "result"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "The total number of requests rejected by the rate limiter",
		}, []string{"route"}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "The duration of upstream calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "outcome"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "The current circuit breaker state per service (0=closed, 1=open, 2=half-open)",
		}, []string{"service"}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "The total number of circuit breaker state transitions",
		}, []string{"service", "to"}),
	}
}

// Handler はメトリクスのエクスポジションハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest はパイプラインの最終結果を記録する。
func (m *Metrics) ObserveRequest(routeID, result string) {
	m.Requests.WithLabelValues(routeID, result).Inc()
}

// ObserveUpstream は上流呼び出しの所要時間を記録する。
func (m *Metrics) ObserveUpstream(service string, outcome breaker.Outcome, d time.Duration) {
	m.UpstreamDuration.WithLabelValues(service, outcome.String()).Observe(d.Seconds())
}

// ObserveTransition はブレーカーの状態遷移を記録する。
func (m *Metrics) ObserveTransition(tr breaker.Transition) {
	m.BreakerState.WithLabelValues(tr.Service).Set(float64(tr.To))
	m.BreakerTransitions.WithLabelValues(tr.Service, tr.To.String()).Inc()
}

// InitBreakers は登録済みサービスの状態を closed で初期化する。
// 遷移が一度も無いサービスもメトリクスに現れるようにする。
func (m *Metrics) InitBreakers(snapshots []breaker.Snapshot) {
	for _, s := range snapshots {
		m.BreakerState.WithLabelValues(s.Service).Set(float64(s.State))
	}
}
