// Package metrics は推薦パイプラインの Prometheus メトリクスを提供する
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

const namespace = "cbp"

// Metrics は推薦パイプラインの計測値を Prometheus に記録する
type Metrics struct {
	stageDuration   *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	cacheTotal      *prometheus.CounterVec
	rerankTotal     *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

// New は reg にメトリクスを登録する
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "recommend_stage_duration_seconds",
				Help:      "Duration of each recommendation pipeline stage in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "recommend_request_duration_seconds",
				Help:      "Duration of recommendation requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recommend_requests_total",
				Help:      "Total number of recommendation requests by terminal state",
			},
			[]string{"outcome"},
		),
		cacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recommend_cache_lookups_total",
				Help:      "Total number of response cache lookups",
			},
			[]string{"result"},
		),
		rerankTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recommend_rerank_total",
				Help:      "Total number of rerank stages by outcome",
			},
			[]string{"outcome"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
			},
			[]string{"name"},
		),
	}
}

// ObserveStage はステージの所要時間を記録する
func (m *Metrics) ObserveStage(state recommend.State, elapsed time.Duration) {
	m.stageDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

// ObserveCache はキャッシュのヒット・ミスを記録する
func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheTotal.WithLabelValues(result).Inc()
}

// ObserveRerank は再ランキングの結果区分を記録する
func (m *Metrics) ObserveRerank(outcome recommend.RerankOutcome) {
	m.rerankTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveResult はリクエストの終了状態と所要時間を記録する
func (m *Metrics) ObserveResult(state recommend.State, elapsed time.Duration) {
	outcome := "success"
	if state == recommend.StateFailed {
		outcome = "failure"
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// BreakerStateChanged はサーキットブレーカーの状態遷移を記録する
// openai.BreakerSettings.OnStateChange に渡す
func (m *Metrics) BreakerStateChanged(name, _, to string) {
	m.breakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// インターフェース実装の確認
var _ recommend.Observer = (*Metrics)(nil)
