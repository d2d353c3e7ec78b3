// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 検索インデックスクライアント、インデクサー、タスクワーカーから利用する。
type MetricsCollector interface {
	RecordSearchQuery(index, outcome string, duration time.Duration)
	RecordDocumentsIndexed(index string, count int)
	RecordIndexWriteFailure(index string)
	RecordFeedIndexed()
	RecordFullIndexCompleted(duration time.Duration)
	RecordTask(name, status string, duration time.Duration)
	RecordDiscoveryCache(hit bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	searchQueries  *prometheus.CounterVec
	searchLatency  *prometheus.HistogramVec
	docsIndexed    *prometheus.CounterVec
	writeFailures  *prometheus.CounterVec
	feedsIndexed   prometheus.Counter
	fullIndexes    prometheus.Counter
	fullIndexTime  prometheus.Histogram
	tasks          *prometheus.CounterVec
	taskLatency    *prometheus.HistogramVec
	discoveryCache *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		searchQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsearch_search_queries_total",
			Help: "検索クエリの結果種別ごとの合計数",
		}, []string{"index", "outcome"}),
		searchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedsearch_search_latency_seconds",
			Help:    "検索クエリのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"index"}),
		docsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsearch_documents_indexed_total",
			Help: "インデックスに登録したドキュメントの合計数",
		}, []string{"index"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsearch_index_write_failures_total",
			Help: "バックエンド到達不能などで失われたインデックス書き込みの合計数",
		}, []string{"index"}),
		feedsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsearch_feeds_indexed_total",
			Help: "記事の投入が完了したフィードの合計数",
		}),
		fullIndexes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsearch_full_indexes_completed_total",
			Help: "完了したユーザー単位フルインデックスの合計数",
		}),
		fullIndexTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsearch_full_index_duration_seconds",
			Help:    "フルインデックス開始から完了までの時間（秒）",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsearch_tasks_total",
			Help: "実行したタスクの名前・結果ごとの合計数",
		}, []string{"name", "status"}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedsearch_task_duration_seconds",
			Help:    "タスクの実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
		discoveryCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsearch_discovery_cache_total",
			Help: "ディスカバリー検索キャッシュのヒット・ミス数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.searchQueries,
		c.searchLatency,
		c.docsIndexed,
		c.writeFailures,
		c.feedsIndexed,
		c.fullIndexes,
		c.fullIndexTime,
		c.tasks,
		c.taskLatency,
		c.discoveryCache,
	)

	return c
}

// RecordSearchQuery は検索クエリの結果種別とレイテンシを記録する。
func (c *Collector) RecordSearchQuery(index, outcome string, duration time.Duration) {
	c.searchQueries.WithLabelValues(index, outcome).Inc()
	c.searchLatency.WithLabelValues(index).Observe(duration.Seconds())
}

// RecordDocumentsIndexed は登録したドキュメント数を記録する。
func (c *Collector) RecordDocumentsIndexed(index string, count int) {
	c.docsIndexed.WithLabelValues(index).Add(float64(count))
}

// RecordIndexWriteFailure は失われた書き込みを記録する。
func (c *Collector) RecordIndexWriteFailure(index string) {
	c.writeFailures.WithLabelValues(index).Inc()
}

// RecordFeedIndexed はフィード1件の投入完了を記録する。
func (c *Collector) RecordFeedIndexed() {
	c.feedsIndexed.Inc()
}

// RecordFullIndexCompleted はフルインデックスの完了と所要時間を記録する。
func (c *Collector) RecordFullIndexCompleted(duration time.Duration) {
	c.fullIndexes.Inc()
	c.fullIndexTime.Observe(duration.Seconds())
}

// RecordTask はタスクの実行結果と実行時間を記録する。
func (c *Collector) RecordTask(name, status string, duration time.Duration) {
	c.tasks.WithLabelValues(name, status).Inc()
	c.taskLatency.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordDiscoveryCache はキャッシュのヒット・ミスを記録する。
func (c *Collector) RecordDiscoveryCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.discoveryCache.WithLabelValues(result).Inc()
}

// Discard は何も記録しないMetricsCollector。メトリクスを公開しないコマンドやテストで使用する。
var Discard MetricsCollector = discard{}

type discard struct{}

func (discard) RecordSearchQuery(string, string, time.Duration) {}
func (discard) RecordDocumentsIndexed(string, int)              {}
func (discard) RecordIndexWriteFailure(string)                  {}
func (discard) RecordFeedIndexed()                              {}
func (discard) RecordFullIndexCompleted(time.Duration)          {}
func (discard) RecordTask(string, string, time.Duration)        {}
func (discard) RecordDiscoveryCache(bool)                       {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute はAPIサーバーを持たないプロセス（ワーカー）向けのハンドラーを返す。
// /metricsに加え、プロセスの生存確認用に/healthzを提供する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = discard{}
)
