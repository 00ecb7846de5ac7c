package gateway

import (
	"github.com/hashicorp/go-hclog"

	"github.com/nao1215/agrigate/internal/breaker"
	"github.com/nao1215/agrigate/internal/metrics"
	"github.com/nao1215/agrigate/pkg/event"
)

// transitionEventTypes は遷移先の状態とイベントの種類の対応。
var transitionEventTypes = map[breaker.State]event.Type{
	breaker.Open:     event.TypeBreakerOpened,
	breaker.HalfOpen: event.TypeBreakerHalfOpened,
	breaker.Closed:   event.TypeBreakerClosed,
}

// newTransitionListener はブレーカーの状態遷移をイベントとして記録するリスナーを返す。
// 遷移はログに出力し、直近のイベントログとメトリクスに反映する。
func newTransitionListener(logger hclog.Logger, events *event.Log, m *metrics.Metrics) breaker.Listener {
	return func(tr breaker.Transition) {
		m.ObserveTransition(tr)

		level := hclog.Info
		if tr.To == breaker.Open {
			level = hclog.Warn
		}
		logger.Log(level, "ブレーカーの状態が遷移しました",
			"service", tr.Service,
			"from", tr.From.String(),
			"to", tr.To.String(),
			"failure_rate", tr.FailureRate,
			"generation", tr.Generation,
		)

		e, err := event.New(tr.Service, transitionEventTypes[tr.To], tr.Generation, tr.At, event.BreakerTransitionData{
			From:        tr.From.String(),
			To:          tr.To.String(),
			FailureRate: tr.FailureRate,
		})
		if err != nil {
			logger.Error("遷移イベントの生成に失敗", "service", tr.Service, "error", err)
			return
		}
		events.Append(*e)
	}
}
