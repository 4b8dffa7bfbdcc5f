// Package monitoring 集中注册 Prometheus 指标，供各子系统复用。
// 指标本身由外部采集器抓取；本包只负责注册与打点。
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 进程级指标集合。每个进程创建一次并注入各组件。
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP 请求
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestSeconds *prometheus.HistogramVec

	// 工具网关
	ToolRequestsTotal    *prometheus.CounterVec
	ToolErrorsTotal      *prometheus.CounterVec
	ToolRateLimitedTotal *prometheus.CounterVec
	ToolCircuitOpenTotal *prometheus.CounterVec
	ToolCacheHitTotal    *prometheus.CounterVec
	ToolRetriesTotal     *prometheus.CounterVec
	ToolLatencySeconds   *prometheus.HistogramVec

	// RAG 问答
	EmbedSeconds        *prometheus.HistogramVec
	RetrievalSeconds    *prometheus.HistogramVec
	GenerateSeconds     *prometheus.HistogramVec
	RagMatchesTotal     *prometheus.CounterVec

	// 导入
	ImportSeconds      *prometheus.HistogramVec
	ImportRowsTotal    *prometheus.CounterVec
	ImportBatchesTotal *prometheus.CounterVec
	ImportSkippedTotal *prometheus.CounterVec

	// 导出与下载
	ExportSeconds      *prometheus.HistogramVec
	ExportRowsTotal    *prometheus.CounterVec
	ExportStatusTotal  *prometheus.CounterVec
	ExportRunning      *prometheus.GaugeVec
	DownloadSeconds    *prometheus.HistogramVec
	DownloadBytesTotal *prometheus.CounterVec
	DownloadRowsTotal  *prometheus.CounterVec
	DownloadRunning    *prometheus.GaugeVec

	// 模板查询
	DBQueryTotal   *prometheus.CounterVec
	DBQuerySeconds *prometheus.HistogramVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{Registry: reg}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})
	m.HTTPRequestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_request_duration_seconds",
		Help: "HTTP request latency in seconds",
	}, []string{"method", "path", "status"})

	m.ToolRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tools_requests_total",
		Help: "Total tool gateway requests",
	}, []string{"tool_type", "tool_name", "tenant"})
	m.ToolErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tools_errors_total",
		Help: "Total tool gateway errors",
	}, []string{"tool_type", "tool_name", "tenant", "reason"})
	m.ToolRateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tools_rate_limited_total",
		Help: "Total requests rate-limited",
	}, []string{"tool_type", "tool_name", "tenant"})
	m.ToolCircuitOpenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tools_circuit_open_total",
		Help: "Total requests blocked by circuit breaker",
	}, []string{"tool_type", "tool_name", "tenant"})
	m.ToolCacheHitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tools_cache_hit_total",
		Help: "Total cache hits",
	}, []string{"tool_type", "tool_name", "tenant"})
	m.ToolRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tools_retries_total",
		Help: "Total retries executed",
	}, []string{"tool_type", "tool_name", "tenant"})
	m.ToolLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "tools_request_latency_seconds",
		Help: "Tool request latency in seconds",
	}, []string{"tool_type", "tool_name", "tenant"})

	m.EmbedSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "embed_duration_seconds",
		Help: "Time spent generating embeddings",
	}, []string{"model"})
	m.RetrievalSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "rag_retrieval_duration_seconds",
		Help: "Time spent retrieving top-k documents from vector DB",
	}, []string{"collection"})
	m.GenerateSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "llm_generate_duration_seconds",
		Help: "Time spent generating LLM responses",
	}, []string{"model", "stream"})
	m.RagMatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_matches_total",
		Help: "Number of RAG requests with/without matches",
	}, []string{"collection", "has_match"})

	m.ImportSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "import_duration_seconds",
		Help: "Time spent importing vectors",
	}, []string{"collection"})
	m.ImportRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "import_rows_total",
		Help: "Number of rows imported (accepted)",
	}, []string{"collection"})
	m.ImportBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "import_batches_total",
		Help: "Number of import batches executed",
	}, []string{"collection"})
	m.ImportSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "import_skipped_total",
		Help: "Number of rows skipped during import",
	}, []string{"collection", "reason"}) // reason: conflict|error

	m.ExportSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "export_duration_seconds",
		Help: "Time spent exporting points to NDJSON",
	}, []string{"collection", "tenant"})
	m.ExportRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "export_rows_total",
		Help: "Number of rows exported",
	}, []string{"collection", "tenant"})
	m.ExportStatusTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "export_status_total",
		Help: "Number of export tasks by final status",
	}, []string{"collection", "status", "tenant"})
	m.ExportRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "export_running",
		Help: "Number of export tasks currently running",
	}, []string{"collection", "tenant"})
	m.DownloadSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "download_duration_seconds",
		Help: "Time spent streaming download of JSONL or GZIP",
	}, []string{"collection", "gzip", "tenant"})
	m.DownloadBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "download_bytes_total",
		Help: "Total bytes streamed in download responses",
	}, []string{"collection", "gzip", "tenant"})
	m.DownloadRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "download_rows_total",
		Help: "Total rows streamed in download responses",
	}, []string{"collection", "tenant"})
	m.DownloadRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "download_running",
		Help: "Number of concurrent download requests in progress",
	}, []string{"collection", "gzip", "tenant"})

	m.DBQueryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "db_query_total",
		Help: "Template query results by outcome",
	}, []string{"template", "tenant", "result"}) // result: ok|rejected|timeout|error
	m.DBQuerySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "db_query_duration_seconds",
		Help: "Template query latency in seconds",
	}, []string{"template", "tenant"})

	reg.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestSeconds,
		m.ToolRequestsTotal, m.ToolErrorsTotal, m.ToolRateLimitedTotal,
		m.ToolCircuitOpenTotal, m.ToolCacheHitTotal, m.ToolRetriesTotal,
		m.ToolLatencySeconds,
		m.EmbedSeconds, m.RetrievalSeconds, m.GenerateSeconds, m.RagMatchesTotal,
		m.ImportSeconds, m.ImportRowsTotal, m.ImportBatchesTotal, m.ImportSkippedTotal,
		m.ExportSeconds, m.ExportRowsTotal, m.ExportStatusTotal, m.ExportRunning,
		m.DownloadSeconds, m.DownloadBytesTotal, m.DownloadRowsTotal, m.DownloadRunning,
		m.DBQueryTotal, m.DBQuerySeconds,
	)
	return m
}
