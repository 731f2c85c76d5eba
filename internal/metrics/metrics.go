// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "duesync"

// Collector はPrometheusメトリクスを収集する実装。
// syncer.Recorderとauth.CallbackRecorderを満たす。
type Collector struct {
	syncRuns       *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	fetchFailures  *prometheus.CounterVec
	events         *prometheus.CounterVec
	oauthCallbacks *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "結果別の同期実行回数",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "同期1回あたりの所要時間（秒）",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "段階別の課題取得失敗数",
		}, []string{"stage"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_events_total",
			Help:      "結果別のカレンダーイベント登録数",
		}, []string{"result"}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_callbacks_total",
			Help:      "プロバイダー・結果別のOAuthコールバック数",
		}, []string{"provider", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "ステータスコード・メソッド別のHTTPリクエスト数",
		}, []string{"code", "method"}),
	}

	reg.MustRegister(
		c.syncRuns,
		c.syncDuration,
		c.fetchFailures,
		c.events,
		c.oauthCallbacks,
		c.httpRequests,
	)

	return c
}

// RecordSyncRun は同期1回の結果と所要時間を記録する。
func (c *Collector) RecordSyncRun(outcome string, duration time.Duration) {
	c.syncRuns.WithLabelValues(outcome).Inc()
	c.syncDuration.Observe(duration.Seconds())
}

// RecordFetchFailure は課題取得の失敗を記録する。
func (c *Collector) RecordFetchFailure(stage string) {
	c.fetchFailures.WithLabelValues(stage).Inc()
}

// RecordEvents はイベント登録の件数を記録する。
func (c *Collector) RecordEvents(published, failed, skipped int) {
	c.events.WithLabelValues("published").Add(float64(published))
	c.events.WithLabelValues("failed").Add(float64(failed))
	c.events.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordOAuthCallback はOAuthコールバックの成否を記録する。
func (c *Collector) RecordOAuthCallback(provider string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.oauthCallbacks.WithLabelValues(provider, result).Inc()
}

// Middleware はHTTPリクエスト数をステータスコード・メソッド別に数えるミドルウェアを返す。
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(c.httpRequests, next)
}

// RegisterSessionGauge は保持中のセッション数を公開するゲージを登録する。
func RegisterSessionGauge(reg prometheus.Registerer, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "メモリ上に保持しているセッション数",
	}, func() float64 {
		return float64(count())
	}))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
