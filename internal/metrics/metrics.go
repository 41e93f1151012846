// Package metrics wraps the broker's Prometheus collectors, mirroring
// the singleton promauto pattern used throughout the teacher codebase
// (internal/observability, internal/canvas) rather than threading a
// registry through every component by hand.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/nexus/internal/executor"
)

// Metrics holds every collector the broker exposes at /metrics.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	DispatchRetries  prometheus.Counter
	DispatchTimeouts prometheus.Counter
	DispatchPanics   prometheus.Counter

	ConfirmationDecisions *prometheus.CounterVec

	ChatTurnsTotal   prometheus.Counter
	ChatStreamsOpen  prometheus.Gauge
	ToolCallsPerTurn prometheus.Histogram
}

var (
	once     sync.Once
	instance *Metrics
)

// New returns the process-wide Metrics instance, registering its
// collectors with the default registry on first call.
func New() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "broker_http_requests_total",
					Help: "Total number of HTTP requests handled by the broker API.",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "broker_http_request_duration_seconds",
					Help:    "HTTP request latency in seconds.",
					Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
				},
				[]string{"method", "path", "status"},
			),
			DispatchTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "broker_dispatch_total",
					Help: "Total number of operation dispatches, by source and outcome.",
				},
				[]string{"source", "operation", "status"},
			),
			DispatchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "broker_dispatch_duration_seconds",
					Help:    "Operation dispatch latency in seconds, as reported by the executor.",
					Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
				},
				[]string{"source", "operation"},
			),
			DispatchRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "broker_dispatch_retries_total",
				Help: "Total number of dispatch retries across all operations.",
			}),
			DispatchTimeouts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "broker_dispatch_timeouts_total",
				Help: "Total number of dispatch timeouts across all operations.",
			}),
			DispatchPanics: promauto.NewCounter(prometheus.CounterOpts{
				Name: "broker_dispatch_panics_total",
				Help: "Total number of adapter panics recovered by the executor.",
			}),
			ConfirmationDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "broker_confirmation_decisions_total",
					Help: "Confirmation gate decisions, by decision kind.",
				},
				[]string{"decision"},
			),
			ChatTurnsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "broker_chat_turns_total",
				Help: "Total number of completed chat turns.",
			}),
			ChatStreamsOpen: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "broker_chat_streams_open",
				Help: "Current number of open /chat SSE connections.",
			}),
			ToolCallsPerTurn: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "broker_tool_calls_per_turn",
				Help:    "Number of tool invocations dispatched within a single chat turn.",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
			}),
		}
	})
	return instance
}

// RecordHTTPRequest observes one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
}

// RecordDispatch observes one executor.Execute call.
func (m *Metrics) RecordDispatch(source, operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(source, operation, status).Inc()
	m.DispatchDuration.WithLabelValues(source, operation).Observe(seconds)
}

// RecordConfirmationDecision observes one confirmation.Gate.Check call.
func (m *Metrics) RecordConfirmationDecision(decision string) {
	if m == nil {
		return
	}
	m.ConfirmationDecisions.WithLabelValues(decision).Inc()
}

// RecordChatTurn observes one completed chat turn and its tool call count.
func (m *Metrics) RecordChatTurn(toolCalls int) {
	if m == nil {
		return
	}
	m.ChatTurnsTotal.Inc()
	m.ToolCallsPerTurn.Observe(float64(toolCalls))
}

// ChatStreamOpened/ChatStreamClosed track concurrent /chat connections.
func (m *Metrics) ChatStreamOpened() {
	if m == nil {
		return
	}
	m.ChatStreamsOpen.Inc()
}

func (m *Metrics) ChatStreamClosed() {
	if m == nil {
		return
	}
	m.ChatStreamsOpen.Dec()
}

// ExecutorSync publishes an executor.Metrics snapshot's monotonic
// counters as Prometheus counters. Since Snapshot returns cumulative
// totals rather than deltas, the caller must only call this with a
// snapshot newer than the last one observed; diffing is done here
// against the previous call.
type ExecutorSync struct {
	m    *Metrics
	prev executor.Metrics
	mu   sync.Mutex
}

// NewExecutorSync returns a helper that converts successive
// executor.Metrics snapshots into counter increments.
func NewExecutorSync(m *Metrics) *ExecutorSync {
	return &ExecutorSync{m: m}
}

// Observe diffs snap against the last observed snapshot and adds the
// delta to the corresponding Prometheus counters.
func (es *ExecutorSync) Observe(snap executor.Metrics) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if d := snap.TotalRetries - es.prev.TotalRetries; d > 0 {
		es.m.DispatchRetries.Add(float64(d))
	}
	if d := snap.TotalTimeouts - es.prev.TotalTimeouts; d > 0 {
		es.m.DispatchTimeouts.Add(float64(d))
	}
	if d := snap.TotalPanics - es.prev.TotalPanics; d > 0 {
		es.m.DispatchPanics.Add(float64(d))
	}
	es.prev = snap
}
