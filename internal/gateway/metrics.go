package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeInvalidFormat Outcome = "invalid_format"
	OutcomeMissingType   Outcome = "missing_type"
	OutcomeInvalidType   Outcome = "invalid_type"
	OutcomeEnqueueFailed Outcome = "enqueue_failed"
	OutcomeEmpty         Outcome = "empty"
	OutcomeReadError     Outcome = "read_error"
	OutcomeBusy          Outcome = "busy"
)

const MetricsPrefix = "taskrelay_gateway_"

type Metrics struct {
	requests       *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
	activeHandlers prometheus.Gauge
	rejectedBusy   prometheus.Counter
}

func NewMetrics(prefix string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "requests",
			Help: "Number of connections handled grouped by outcome",
		}, []string{"outcome"}),
		publishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "publish_latency_seconds",
			Help:    "Time taken to publish an accepted task to its queue",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"queue"}),
		activeHandlers: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "active_handlers",
			Help: "Number of connection handlers currently running",
		}),
		rejectedBusy: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "rejected_busy",
			Help: "Number of connections turned away because every handler slot and backlog place was taken",
		}),
	}
}

func (m *Metrics) RecordRequest(outcome Outcome) {
	m.requests.With(map[string]string{"outcome": string(outcome)}).Inc()
}

func (m *Metrics) RecordPublish(queue string, d time.Duration) {
	m.publishLatency.With(map[string]string{"queue": queue}).Observe(d.Seconds())
}

func (m *Metrics) HandlerStarted() {
	m.activeHandlers.Inc()
}

func (m *Metrics) HandlerFinished() {
	m.activeHandlers.Dec()
}

func (m *Metrics) RecordBusy() {
	m.rejectedBusy.Inc()
	m.RecordRequest(OutcomeBusy)
}
