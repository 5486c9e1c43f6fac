package workerpool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

const MetricsPrefix = "taskrelay_worker_"

type Metrics struct {
	deliveries       *prometheus.CounterVec
	inFlight         *prometheus.GaugeVec
	executionLatency *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
}

func NewMetrics(prefix string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "deliveries",
			Help: "Number of deliveries disposed of, grouped by queue and outcome",
		}, []string{"queue", "outcome"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "in_flight",
			Help: "Number of tasks currently executing",
		}, []string{"queue"}),
		executionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "execution_latency_seconds",
			Help:    "Time taken to execute a task",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"queue", "type"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "queue_depth",
			Help: "Number of messages ready for delivery on the queue",
		}, []string{"queue"}),
	}
}

func (m *Metrics) RecordDelivery(queue string, outcome Outcome) {
	m.deliveries.With(map[string]string{"queue": queue, "outcome": string(outcome)}).Inc()
}

func (m *Metrics) TaskStarted(queue string) {
	m.inFlight.With(map[string]string{"queue": queue}).Inc()
}

func (m *Metrics) TaskFinished(queue string, taskType string, d time.Duration) {
	m.inFlight.With(map[string]string{"queue": queue}).Dec()
	m.executionLatency.With(map[string]string{"queue": queue, "type": taskType}).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.With(map[string]string{"queue": queue}).Set(float64(depth))
}
