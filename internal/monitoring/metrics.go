package monitoring

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	gatherer prometheus.Gatherer
	started  time.Time

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 消息指标
	MessagesSent     *prometheus.CounterVec
	FetchedTotal     prometheus.Counter
	OpenFailures     prometheus.Counter
	RetentionRuns    *prometheus.CounterVec
	PurgedTotal      prometheus.Counter
	WebSocketClients prometheus.Gauge

	// 系统指标
	SystemUptime prometheus.GaugeFunc
	MemoryUsage  prometheus.Gauge

	// 错误与限流
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 创建监控指标并注册到 reg
//
// reg 为 nil 时使用全局默认注册表；测试中传入独立的 prometheus.NewRegistry()。
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	m := &Metrics{
		gatherer: gatherer,
		started:  time.Now(),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anondrop_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anondrop_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anondrop_messages_sent_total",
				Help: "Total number of messages stored, by ingress",
			},
			[]string{"source"},
		),

		FetchedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "anondrop_messages_fetched_total",
				Help: "Total number of messages returned to recipients",
			},
		),

		OpenFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "anondrop_message_open_failures_total",
				Help: "Stored messages that could not be decrypted",
			},
		),

		RetentionRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anondrop_retention_maintenance_total",
				Help: "Retention policy maintenance runs, by result",
			},
			[]string{"result"},
		),

		PurgedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "anondrop_messages_purged_total",
				Help: "Expired messages deleted by the purge task",
			},
		),

		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "anondrop_websocket_clients",
				Help: "Currently connected live inbox clients",
			},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "anondrop_memory_alloc_bytes",
				Help: "Heap bytes allocated, sampled by the alert loop",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "anondrop_panics_total",
				Help: "Recovered panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anondrop_rate_limit_blocks_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"scope"},
		),
	}

	m.SystemUptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "anondrop_uptime_seconds",
			Help: "Seconds since the process started",
		},
		func() float64 { return time.Since(m.started).Seconds() },
	)

	return m
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// MessageSent 记录一条消息写入
func (m *Metrics) MessageSent(source string) {
	if source == "" {
		source = "unknown"
	}
	m.MessagesSent.WithLabelValues(source).Inc()
}

// MessagesFetched 记录返回给收件人的消息数量
func (m *Metrics) MessagesFetched(count int) {
	m.FetchedTotal.Add(float64(count))
}

// OpenFailed 记录解密失败
func (m *Metrics) OpenFailed() {
	m.OpenFailures.Inc()
}

// RetentionMaintained 记录一次过期策略维护
func (m *Metrics) RetentionMaintained(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RetentionRuns.WithLabelValues(result).Inc()
}

// MessagesPurged 记录清理数量
func (m *Metrics) MessagesPurged(count int64) {
	m.PurgedTotal.Add(float64(count))
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(scope string) {
	m.RateLimitBlocks.WithLabelValues(scope).Inc()
}

// ClientConnected / ClientDisconnected 维护实时连接数
func (m *Metrics) ClientConnected() {
	m.WebSocketClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	m.WebSocketClients.Dec()
}

// SampleMemory 采样当前堆内存，返回 MB
func (m *Metrics) SampleMemory() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.MemoryUsage.Set(float64(stats.Alloc))
	return float64(stats.Alloc) / 1024 / 1024
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
