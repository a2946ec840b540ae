// Package metrics provides Prometheus metrics for the execution orchestrator:
// execution/container families fed by the Orchestrator and ResourceSampler,
// plus a generic HTTP request family fed by PrometheusMiddleware. The
// teacher's AI/billing/websocket/business/db/cache metrics families have no
// owning component here (see DESIGN.md) and were dropped rather than
// carried dark.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds the Prometheus collectors the orchestrator and sampler feed.
type Metrics struct {
	CodeExecutionsTotal   *prometheus.CounterVec
	CodeExecutionDuration *prometheus.HistogramVec
	ExecutionsInFlight    prometheus.Gauge
	ExecutionQueueLength  prometheus.Gauge

	ContainerCPUUsage    *prometheus.GaugeVec
	ContainerMemoryUsage *prometheus.GaugeVec

	AdmissionRejectionsTotal *prometheus.CounterVec

	HTTPRequestsInFlight prometheus.Gauge
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPResponseSize     *prometheus.HistogramVec

	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.CodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total number of code executions by language and terminal status",
		},
		[]string{"language", "status"},
	)

	m.CodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Code execution duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"language"},
	)

	m.ExecutionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "execution",
			Name:      "in_flight",
			Help:      "Number of code executions currently running",
		},
	)

	m.ExecutionQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "execution",
			Name:      "queue_length",
			Help:      "Number of code executions admitted but not yet running",
		},
	)

	m.ContainerCPUUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "container",
			Name:      "cpu_usage_percent",
			Help:      "Container CPU usage percentage",
		},
		[]string{"execution_id", "language"},
	)

	m.ContainerMemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "container",
			Name:      "memory_usage_bytes",
			Help:      "Container memory usage in bytes",
		},
		[]string{"execution_id", "language"},
	)

	m.AdmissionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Total number of execution admission rejections by reason",
		},
		[]string{"reason"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being served",
		},
	)

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
		[]string{"endpoint", "method"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "server",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// ExecutionStarted records an execution when Run admits it (while it is
// still Queued, before it reaches Running). It satisfies
// internal/orchestrator.Metrics.
func (m *Metrics) ExecutionStarted(language string) {
	m.ExecutionsInFlight.Inc()
}

// ExecutionFinished records a terminal transition. It satisfies
// internal/orchestrator.Metrics.
func (m *Metrics) ExecutionFinished(language, status string, durationSeconds float64) {
	m.ExecutionsInFlight.Dec()
	m.CodeExecutionsTotal.WithLabelValues(language, status).Inc()
	m.CodeExecutionDuration.WithLabelValues(language).Observe(durationSeconds)
}

// RecordAdmissionRejection records an Admit() rejection by apexerr.Kind.
func (m *Metrics) RecordAdmissionRejection(reason string) {
	m.AdmissionRejectionsTotal.WithLabelValues(reason).Inc()
}

// SetQueueLength updates the number of admitted-but-not-running executions.
func (m *Metrics) SetQueueLength(n int) {
	m.ExecutionQueueLength.Set(float64(n))
}

// UpdateContainerSample sets the CPU and memory gauges for a live container.
// It is not internal/sampler.SampleSink (the Orchestrator implements that
// through UpdateSample), and the ResourceSampler does not call it.
func (m *Metrics) UpdateContainerSample(executionID, language string, cpuPercent float64, memoryBytes uint64) {
	m.ContainerCPUUsage.WithLabelValues(executionID, language).Set(cpuPercent)
	m.ContainerMemoryUsage.WithLabelValues(executionID, language).Set(memoryBytes2Float(memoryBytes))
}

// ClearContainerSample removes a finished execution's gauge series so stale
// readings don't linger in /metrics after the container is gone.
func (m *Metrics) ClearContainerSample(executionID, language string) {
	m.ContainerCPUUsage.DeleteLabelValues(executionID, language)
	m.ContainerMemoryUsage.DeleteLabelValues(executionID, language)
}

// RecordHTTPRequest reports one completed HTTP request. Fed by
// internal/metrics.PrometheusMiddleware, the one generic per-request gin
// instrumentation kept from the teacher's larger metrics surface.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint, method).Observe(float64(responseSize))
}

func memoryBytes2Float(b uint64) float64 {
	return float64(b)
}
