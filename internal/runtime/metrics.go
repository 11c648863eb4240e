package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Processing outcomes used as the "outcome" label on worker counters.
const (
	outcomeSucceeded    = "succeeded"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
	outcomeDropped      = "dropped"
)

// WorkerMetrics holds the Prometheus collectors shared by all workers of a
// Service.
type WorkerMetrics struct {
	messagesTotal   *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// NewWorkerMetrics creates the worker metric collectors.
func NewWorkerMetrics(registerer prometheus.Registerer) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &WorkerMetrics{
		registerer: registerer,
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowmq",
				Subsystem: "worker",
				Name:      "messages_total",
				Help:      "Messages reaching a terminal outcome, by worker and outcome",
			},
			[]string{"worker", "topic", "outcome"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowmq",
				Subsystem: "worker",
				Name:      "attempts_total",
				Help:      "Processing attempts including retries",
			},
			[]string{"worker", "topic"},
		),
		processDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "flowmq",
				Subsystem: "worker",
				Name:      "processing_duration_seconds",
				Help:      "Duration of a single processing attempt",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"worker", "topic"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "flowmq",
				Subsystem: "worker",
				Name:      "in_flight",
				Help:      "Messages currently being processed",
			},
			[]string{"worker"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *WorkerMetrics) Register() error {
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.attemptsTotal,
		m.processDuration,
		m.inFlight,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *WorkerMetrics) recordOutcome(worker, topic, outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(worker, topic, outcome).Inc()
}

func (m *WorkerMetrics) recordAttempt(worker, topic string, seconds float64) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(worker, topic).Inc()
	m.processDuration.WithLabelValues(worker, topic).Observe(seconds)
}

func (m *WorkerMetrics) addInFlight(worker string, delta float64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(worker).Add(delta)
}
