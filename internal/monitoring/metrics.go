package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record/Update 方法对 nil 接收者安全，测试和 CLI 可以直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 授权指标
	AccessDecisions *prometheus.CounterVec

	// 缓存指标
	CacheLookups *prometheus.CounterVec

	// 实时推送指标
	LiveConnections   prometheus.Gauge
	PrunedConnections prometheus.Counter
	BroadcastsTotal   *prometheus.CounterVec
	BroadcastsSkipped prometheus.Counter

	// 用量记录指标
	UsageRecorded prometheus.Counter
	UsageDropped  prometheus.Counter

	// 外部系统指标
	UpstreamErrors   *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	// 补偿任务
	LedgerPending  prometheus.Gauge
	ReconcileTotal *prometheus.CounterVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
	RateLimited *prometheus.CounterVec
}

// NewMetrics 在独立注册表上创建监控指标
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotmarket_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iotmarket_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iotmarket_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		AccessDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotmarket_access_decisions_total",
				Help: "Access decisions by path and outcome",
			},
			[]string{"path", "outcome"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotmarket_blob_cache_lookups_total",
				Help: "Blob cache lookups by namespace and result",
			},
			[]string{"namespace", "result"},
		),

		LiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "iotmarket_ws_connections",
				Help: "Number of live websocket connections",
			},
		),

		PrunedConnections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "iotmarket_ws_pruned_total",
				Help: "Connections closed after a missed liveness probe",
			},
		),

		BroadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotmarket_ws_broadcasts_total",
				Help: "Feed update notifications by delivery result",
			},
			[]string{"result"},
		),

		BroadcastsSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "iotmarket_ws_broadcast_skipped_total",
				Help: "Deliveries skipped because the consumer buffer was full",
			},
		),

		UsageRecorded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "iotmarket_usage_recorded_total",
				Help: "Usage records persisted",
			},
		),

		UsageDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "iotmarket_usage_dropped_total",
				Help: "Usage records dropped because the queue was full or the write failed",
			},
		),

		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotmarket_upstream_errors_total",
				Help: "External system failures after retries",
			},
			[]string{"system", "operation"},
		),

		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iotmarket_upstream_duration_seconds",
				Help:    "External system call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"system", "operation"},
		),

		LedgerPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "iotmarket_ledger_pending_records",
				Help: "History records whose on-chain pointer update has not succeeded yet",
			},
		),

		ReconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotmarket_reconcile_total",
				Help: "Ledger pointer reconciliation attempts by result",
			},
			[]string{"result"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotmarket_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "iotmarket_panics_total",
				Help: "Total number of panics",
			},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotmarket_rate_limited_total",
				Help: "Requests rejected by per-credential rate limits",
			},
			[]string{"credential_type"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, responseSize int64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordAccessDecision 记录授权结果，path 为 credential、legacy、write
func (m *Metrics) RecordAccessDecision(path string, granted bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	m.AccessDecisions.WithLabelValues(path, outcome).Inc()
}

// RecordCacheLookup 记录缓存命中情况
func (m *Metrics) RecordCacheLookup(namespace string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(namespace, result).Inc()
}

// UpdateLiveConnections 更新在线连接数
func (m *Metrics) UpdateLiveConnections(count int) {
	if m == nil {
		return
	}
	m.LiveConnections.Set(float64(count))
}

// RecordPrunedConnection 记录被存活检查清理的连接
func (m *Metrics) RecordPrunedConnection() {
	if m == nil {
		return
	}
	m.PrunedConnections.Inc()
}

// RecordBroadcast 记录一次 feed 推送的投递数量
func (m *Metrics) RecordBroadcast(delivered, skipped int) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.WithLabelValues("delivered").Add(float64(delivered))
	m.BroadcastsSkipped.Add(float64(skipped))
}

// RecordUsage 记录用量写入结果
func (m *Metrics) RecordUsage(persisted bool) {
	if m == nil {
		return
	}
	if persisted {
		m.UsageRecorded.Inc()
	} else {
		m.UsageDropped.Inc()
	}
}

// RecordUpstream 记录外部调用耗时与失败
func (m *Metrics) RecordUpstream(system, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(system, operation).Observe(duration.Seconds())
	if err != nil {
		m.UpstreamErrors.WithLabelValues(system, operation).Inc()
	}
}

// UpdateLedgerPending 更新待补偿记录数
func (m *Metrics) UpdateLedgerPending(count int) {
	if m == nil {
		return
	}
	m.LedgerPending.Set(float64(count))
}

// RecordReconcile 记录补偿结果
func (m *Metrics) RecordReconcile(success bool) {
	if m == nil {
		return
	}
	if success {
		m.ReconcileTotal.WithLabelValues("synced").Inc()
	} else {
		m.ReconcileTotal.WithLabelValues("failed").Inc()
	}
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimited 记录限流拒绝
func (m *Metrics) RecordRateLimited(credentialType string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(credentialType).Inc()
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 /metrics 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
