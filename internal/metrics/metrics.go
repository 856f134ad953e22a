// Package metrics はGatewayのPrometheusメトリクスを提供する。
//
// Collector はサーキットブレーカーの Observer を実装し、状態遷移と呼び出し結果、
// レート制限の判定、上流サービスの応答時間を記録する。
// メトリクスはプロセス全体のデフォルトレジストリではなく Collector ごとのレジストリに登録する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/edgegate/internal/breaker"
)

// Namespace はメトリクス名の接頭辞。
const Namespace = "edgegate"

// レート制限の判定結果のラベル値。
const (
	// DecisionAllowed は許可されたことを表す。
	DecisionAllowed = "allowed"
	// DecisionRejected は拒否されたことを表す。
	DecisionRejected = "rejected"
	// DecisionError はストア障害で判定できなかったことを表す。
	DecisionError = "error"
)

// Collector はGatewayのメトリクスを保持する。
type Collector struct {
	registry *prometheus.Registry

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	upstreamResults    *prometheus.CounterVec
	upstreamDuration   *prometheus.HistogramVec
	rateLimitDecisions *prometheus.CounterVec
}

// New は新しいCollectorを生成し、Goランタイムとプロセスのメトリクスも登録する。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "サーキットブレーカーの状態（0: CLOSED, 1: OPEN, 2: HALF_OPEN）",
		}, []string{"service"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "サーキットブレーカーの状態遷移の回数",
		}, []string{"service", "from", "to"}),
		upstreamResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "results_total",
			Help:      "ブレーカーを経由した呼び出しの結果",
		}, []string{"service", "result"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "上流サービスの応答時間",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "code"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "レート制限の判定結果",
		}, []string{"decision"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.breakerState,
		c.breakerTransitions,
		c.upstreamResults,
		c.upstreamDuration,
		c.rateLimitDecisions,
	)
	return c
}

// InitServices はサービスごとの状態ゲージをCLOSEDで初期化する。
func (c *Collector) InitServices(services ...string) {
	for _, s := range services {
		c.breakerState.WithLabelValues(s).Set(float64(breaker.StateClosed))
	}
}

// OnStateChange はbreaker.Observerを実装する。
func (c *Collector) OnStateChange(service string, from, to breaker.State) {
	c.breakerState.WithLabelValues(service).Set(float64(to))
	c.breakerTransitions.WithLabelValues(service, from.String(), to.String()).Inc()
}

// OnResult はbreaker.Observerを実装する。
func (c *Collector) OnResult(service string, result breaker.Result) {
	c.upstreamResults.WithLabelValues(service, string(result)).Inc()
}

// ObserveUpstream は上流サービスの応答ステータスと所要時間を記録する。
// statusが0の場合は応答を得られなかったことを表す。
func (c *Collector) ObserveUpstream(service string, status int, d time.Duration) {
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.upstreamDuration.WithLabelValues(service, code).Observe(d.Seconds())
}

// ObserveRateLimit はレート制限の判定結果を記録する。
func (c *Collector) ObserveRateLimit(decision string) {
	c.rateLimitDecisions.WithLabelValues(decision).Inc()
}

// Registry はメトリクスの登録先を返す。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler はメトリクスを公開するHTTPハンドラーを返す。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
