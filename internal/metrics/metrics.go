// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 評価サイクルのワーカーから利用する。
type MetricsCollector interface {
	RecordFatigueVerdict(reason string)
	RecordTriggerCreated(action string)
	RecordTriggerOutcome(state string)
	RecordCycleLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fatigueVerdicts *prometheus.CounterVec
	triggersCreated *prometheus.CounterVec
	triggerOutcomes *prometheus.CounterVec
	cycleLatency    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fatigueVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfloop_fatigue_verdicts_total",
			Help: "疲弊判定の理由コード別の合計数",
		}, []string{"reason"}),
		triggersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfloop_triggers_created_total",
			Help: "作成されたトリガーのアクション別の合計数",
		}, []string{"action"}),
		triggerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfloop_trigger_outcomes_total",
			Help: "トリガー実行後の状態別の合計数",
		}, []string{"state"}),
		cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perfloop_cycle_latency_seconds",
			Help:    "評価サイクルのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.fatigueVerdicts,
		c.triggersCreated,
		c.triggerOutcomes,
		c.cycleLatency,
	)

	return c
}

// RecordFatigueVerdict は疲弊判定の理由コードを記録する。
func (c *Collector) RecordFatigueVerdict(reason string) {
	c.fatigueVerdicts.WithLabelValues(reason).Inc()
}

// RecordTriggerCreated はトリガー作成をアクション別に記録する。
func (c *Collector) RecordTriggerCreated(action string) {
	c.triggersCreated.WithLabelValues(action).Inc()
}

// RecordTriggerOutcome はトリガー実行後の状態を記録する。
func (c *Collector) RecordTriggerOutcome(state string) {
	c.triggerOutcomes.WithLabelValues(state).Inc()
}

// RecordCycleLatency は評価サイクルのレイテンシを記録する。
func (c *Collector) RecordCycleLatency(duration time.Duration) {
	c.cycleLatency.Observe(duration.Seconds())
}

// NopCollector は何も記録しないMetricsCollector実装。
// メトリクス収集を必要としない構成やテストで使用する。
type NopCollector struct{}

func (NopCollector) RecordFatigueVerdict(reason string)        {}
func (NopCollector) RecordTriggerCreated(action string)        {}
func (NopCollector) RecordTriggerOutcome(state string)         {}
func (NopCollector) RecordCycleLatency(duration time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
