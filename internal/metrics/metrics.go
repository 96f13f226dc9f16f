// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordClaim()
	RecordClaimEmpty()
	RecordFetchOutcome(outcome string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordItemsCreated(count int)
	RecordItemsUpdated(count int)
	RecordStateMerge(applied bool)
	RecordOriginThrottled()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	claims          prometheus.Counter
	claimsEmpty     prometheus.Counter
	fetchOutcomes   *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	fetchLatency    prometheus.Histogram
	itemsCreated    prometheus.Counter
	itemsUpdated    prometheus.Counter
	stateMerges     *prometheus.CounterVec
	originThrottled prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpull_job_claims_total",
			Help: "ジョブクレーム成功の合計数",
		}),
		claimsEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpull_job_claims_empty_total",
			Help: "クレーム対象が無かったポーリングの合計数",
		}),
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpull_fetch_outcomes_total",
			Help: "フェッチ結果分類別の合計数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpull_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedpull_fetch_latency_seconds",
			Help:    "フェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpull_items_created_total",
			Help: "リコンシリエーションで新規作成された記事の合計数",
		}),
		itemsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpull_items_updated_total",
			Help: "リコンシリエーションで更新された記事の合計数",
		}),
		stateMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpull_state_merges_total",
			Help: "記事状態マージの合計数（タイムスタンプゲートの採否別）",
		}, []string{"result"}),
		originThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpull_origin_throttled_total",
			Help: "オリジンレート制限により延期されたフェッチの合計数",
		}),
	}

	reg.MustRegister(
		c.claims,
		c.claimsEmpty,
		c.fetchOutcomes,
		c.httpStatus,
		c.fetchLatency,
		c.itemsCreated,
		c.itemsUpdated,
		c.stateMerges,
		c.originThrottled,
	)

	return c
}

// RecordClaim はジョブクレーム成功を記録する。
func (c *Collector) RecordClaim() {
	c.claims.Inc()
}

// RecordClaimEmpty はクレーム対象が無かったポーリングを記録する。
func (c *Collector) RecordClaimEmpty() {
	c.claimsEmpty.Inc()
}

// RecordFetchOutcome はフェッチ結果分類を記録する。
func (c *Collector) RecordFetchOutcome(outcome string) {
	c.fetchOutcomes.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordItemsCreated は新規作成された記事数を記録する。
func (c *Collector) RecordItemsCreated(count int) {
	c.itemsCreated.Add(float64(count))
}

// RecordItemsUpdated は更新された記事数を記録する。
func (c *Collector) RecordItemsUpdated(count int) {
	c.itemsUpdated.Add(float64(count))
}

// RecordStateMerge は記事状態マージを採否別に記録する。
func (c *Collector) RecordStateMerge(applied bool) {
	result := "applied"
	if !applied {
		result = "rejected"
	}
	c.stateMerges.WithLabelValues(result).Inc()
}

// RecordOriginThrottled はオリジンレート制限による延期を記録する。
func (c *Collector) RecordOriginThrottled() {
	c.originThrottled.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
