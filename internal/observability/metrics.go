package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	taskDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
	toolRetriesTotal      *prometheus.CounterVec

	approvalsTotal  *prometheus.CounterVec
	pendingApproval prometheus.Gauge

	schemaSyncTotal    *prometheus.CounterVec
	schemaSyncDuration *prometheus.HistogramVec
	catalogTools       *prometheus.GaugeVec

	tokenRefreshTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sdrbot_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sdrbot_queue_task_duration_seconds",
					Help:    "Queued task duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sdrbot_tool_execution_total",
					Help: "Total adapter invocations by service, risk class and status.",
				},
				[]string{"service", "risk", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sdrbot_tool_execution_duration_seconds",
					Help:    "Adapter invocation duration in seconds by service.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"service"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sdrbot_tool_errors_total",
					Help: "Total failed outcomes by service and failure kind.",
				},
				[]string{"service", "kind"},
			),
			toolRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sdrbot_tool_retries_total",
					Help: "Total adapter retries by service and failure kind.",
				},
				[]string{"service", "kind"},
			),
			approvalsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sdrbot_approvals_total",
					Help: "Approval gate outcomes by decision.",
				},
				[]string{"decision"},
			),
			pendingApproval: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sdrbot_pending_approvals",
					Help: "Actions currently waiting for a human decision.",
				},
			),
			schemaSyncTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sdrbot_schema_sync_total",
					Help: "Schema sync attempts by service and result (cached, fetched, stale, failed).",
				},
				[]string{"service", "result"},
			),
			schemaSyncDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sdrbot_schema_sync_duration_seconds",
					Help:    "Schema fetch duration in seconds by service.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"service"},
			),
			catalogTools: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sdrbot_catalog_tools",
					Help: "Generated tools per service.",
				},
				[]string{"service"},
			),
			tokenRefreshTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sdrbot_token_refresh_total",
					Help: "Token exchanges by service and status.",
				},
				[]string{"service", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.taskDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.toolRetriesTotal,
			m.approvalsTotal,
			m.pendingApproval,
			m.schemaSyncTotal,
			m.schemaSyncDuration,
			m.catalogTools,
			m.tokenRefreshTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueTask(lane string, duration time.Duration) {
	getMetrics().taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
}

func RecordToolExecution(service, risk string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(service, risk, status).Inc()
	m.toolExecutionDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func RecordToolError(service, kind string) {
	getMetrics().toolErrorsTotal.WithLabelValues(service, kind).Inc()
}

func RecordToolRetry(service, kind string) {
	getMetrics().toolRetriesTotal.WithLabelValues(service, kind).Inc()
}

func RecordApproval(decision string) {
	getMetrics().approvalsTotal.WithLabelValues(decision).Inc()
}

func AddPendingApprovals(delta int) {
	getMetrics().pendingApproval.Add(float64(delta))
}

func RecordSchemaSync(service, result string, duration time.Duration) {
	m := getMetrics()
	m.schemaSyncTotal.WithLabelValues(service, result).Inc()
	if duration > 0 {
		m.schemaSyncDuration.WithLabelValues(service).Observe(duration.Seconds())
	}
}

func SetCatalogTools(service string, count int) {
	getMetrics().catalogTools.WithLabelValues(service).Set(float64(count))
}

func RecordTokenRefresh(service string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().tokenRefreshTotal.WithLabelValues(service, status).Inc()
}
