package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 汇总网关的全部 Prometheus 指标，由调用方显式注入。
// 所有方法对 nil 接收者安全，未启用指标时可直接传 nil。
type Metrics struct {
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	confirmations *prometheus.CounterVec
	pending       prometheus.Gauge
	transactions  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on registry.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tool_calls_total",
				Help: "Total number of tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_tool_call_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"tool"},
		),
		confirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_confirmations_total",
				Help: "Confirmation lifecycle events (requested, approved, denied, executed, cancelled, expired)",
			},
			[]string{"event"},
		),
		pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_pending_confirmations",
				Help: "Number of confirmations awaiting a decision or execution",
			},
		),
		transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_transactions_total",
				Help: "Transfer attempts by asset kind and status",
			},
			[]string{"asset", "status"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "HTTP requests served by handler, method and status code",
			},
			[]string{"handler", "method", "code"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"handler", "method"},
		),
	}
}

// ObserveToolCall 记录一次工具调用。
func (m *Metrics) ObserveToolCall(tool, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveConfirmation 记录确认状态机事件。
func (m *Metrics) ObserveConfirmation(event string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(event).Inc()
}

// SetPending 更新待处理确认数量。
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ObserveTransaction 记录一次转账尝试的结果。
func (m *Metrics) ObserveTransaction(asset, status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(asset, status).Inc()
}
