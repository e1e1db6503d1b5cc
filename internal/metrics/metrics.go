// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Webhookイベントの処理結果ラベル。
const (
	WebhookProcessed    = "processed"
	WebhookRejected     = "rejected"
	WebhookDeadLettered = "dead_lettered"
)

// MetricsCollector はメトリクス収集のインターフェース。
// バッチジョブ、Webhookハンドラー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordScan(job string, counts map[string]int, duration time.Duration)
	RecordWebhook(source, outcome string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	jobRecords    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobLastRun    *prometheus.GaugeVec
	webhookEvents *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loandesk_job_records_total",
			Help: "バッチジョブが処理したレコード数（結果別）",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loandesk_job_duration_seconds",
			Help:    "バッチジョブ1回の所要時間（秒）",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		jobLastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loandesk_job_last_run_timestamp_seconds",
			Help: "バッチジョブの最終実行時刻（UNIX秒）",
		}, []string{"job"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loandesk_webhook_events_total",
			Help: "受信したWebhookイベント数（送信元・結果別）",
		}, []string{"source", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loandesk_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.jobRecords,
		c.jobDuration,
		c.jobLastRun,
		c.webhookEvents,
		c.httpStatus,
	)

	return c
}

// RecordScan はバッチジョブ1回分の結果件数と所要時間を記録する。
func (c *Collector) RecordScan(job string, counts map[string]int, duration time.Duration) {
	for outcome, n := range counts {
		c.jobRecords.WithLabelValues(job, outcome).Add(float64(n))
	}
	c.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	c.jobLastRun.WithLabelValues(job).SetToCurrentTime()
}

// RecordWebhook はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhook(source, outcome string) {
	c.webhookEvents.WithLabelValues(source, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*Collector)(nil)
