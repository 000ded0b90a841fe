package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics. A nil *Metrics is valid and
// records nothing, so components can run without a registry in tests.
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	TransitionsTotal         *prometheus.CounterVec
	StepRetriesTotal         *prometheus.CounterVec
	ModerationDecisionsTotal *prometheus.CounterVec

	// Decision latency (resolvedAt - createdAt) for SLA tracking
	DecisionLatency *prometheus.HistogramVec

	// Sweeper metrics
	SweeperExpiredTotal prometheus.Counter
	SweeperErrorsTotal  prometheus.Counter

	// Failure recovery metrics
	DLQMessagesTotal *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// decisionBuckets span one minute to two days, the range of a human review queue.
var decisionBuckets = []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 43200, 86400, 172800}

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_transitions_total",
			Help: "Total number of submission state transitions",
		}, []string{"from", "to"}),

		StepRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_step_retries_total",
			Help: "Total number of retried external workflow steps",
		}, []string{"step"}),

		ModerationDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_moderation_decisions_total",
			Help: "Total number of moderation verdicts by decision",
		}, []string{"decision"}),

		DecisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_decision_latency_seconds",
			Help:    "Time between submission creation and approval resolution",
			Buckets: decisionBuckets,
		}, []string{"resolution"}),

		SweeperExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_sweeper_expired_total",
			Help: "Total number of approval requests expired by the sweeper",
		}),

		SweeperErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_sweeper_errors_total",
			Help: "Total number of per-record sweeper failures",
		}),

		DLQMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_dlq_messages_total",
			Help: "Total number of dead-letter messages by outcome",
		}, []string{"outcome"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"channel", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.TransitionsTotal)
	registerOrGet(m.StepRetriesTotal)
	registerOrGet(m.ModerationDecisionsTotal)
	registerOrGet(m.DecisionLatency)
	registerOrGet(m.SweeperExpiredTotal)
	registerOrGet(m.SweeperErrorsTotal)
	registerOrGet(m.DLQMessagesTotal)
	registerOrGet(m.EventPublishTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) StepRetry(step string) {
	if m == nil {
		return
	}
	m.StepRetriesTotal.WithLabelValues(step).Inc()
}

func (m *Metrics) ModerationDecision(decision string) {
	if m == nil {
		return
	}
	m.ModerationDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveDecisionLatency records one resolved approval.
func (m *Metrics) ObserveDecisionLatency(resolution string, d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.DecisionLatency.WithLabelValues(resolution).Observe(d.Seconds())
}

func (m *Metrics) SweeperExpired() {
	if m == nil {
		return
	}
	m.SweeperExpiredTotal.Inc()
}

func (m *Metrics) SweeperError() {
	if m == nil {
		return
	}
	m.SweeperErrorsTotal.Inc()
}

// DLQMessage counts a dead-letter message by outcome: processed, duplicate, failed or invalid.
func (m *Metrics) DLQMessage(outcome string) {
	if m == nil {
		return
	}
	m.DLQMessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventPublished(channel string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventPublishTotal.WithLabelValues(channel, status).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := statusText(status)
	m.HTTPRequestTotal.WithLabelValues(method, path, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, code).Observe(d.Seconds())
}

func statusText(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
