// Package metrics provides Prometheus metrics for the encounter sync bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EncounterOutcomes     *prometheus.CounterVec
	BatchDuration         prometheus.Histogram
	BatchRetries          prometheus.Counter
	BatchFailures         prometheus.Counter
	LedgerWrites          *prometheus.CounterVec
	EncountersUploaded    prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EncounterOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shrsync_encounter_outcomes_total",
			Help: "Encounter events processed, by outcome",
		}, []string{"outcome"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shrsync_batch_duration_seconds",
			Help:    "Encounter batch processing duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		BatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shrsync_batch_retries_total",
			Help: "Encounter events deferred to the retry pass",
		}),
		BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shrsync_batch_failures_total",
			Help: "Batches aborted after a failed retry pass",
		}),
		LedgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shrsync_ledger_writes_total",
			Help: "Id mappings written, by entity type",
		}, []string{"entity_type"}),
		EncountersUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shrsync_encounters_uploaded_total",
			Help: "Local encounters queued for upload to the exchange",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.EncounterOutcomes,
		m.BatchDuration,
		m.BatchRetries,
		m.BatchFailures,
		m.LedgerWrites,
		m.EncountersUploaded,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Outcome counts one processed encounter event.
func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.EncounterOutcomes.WithLabelValues(outcome).Inc()
}

// Batch records a finished batch.
func (m *Metrics) Batch(started time.Time, retried int, failed bool) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(time.Since(started).Seconds())
	m.BatchRetries.Add(float64(retried))
	if failed {
		m.BatchFailures.Inc()
	}
}

// LedgerWrite counts one id mapping write.
func (m *Metrics) LedgerWrite(entityType string) {
	if m == nil {
		return
	}
	m.LedgerWrites.WithLabelValues(entityType).Inc()
}

// Uploaded counts one queued upload.
func (m *Metrics) Uploaded() {
	if m == nil {
		return
	}
	m.EncountersUploaded.Inc()
}

// Produced counts one produced Kafka record.
func (m *Metrics) Produced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// Consumed counts one consumed Kafka record.
func (m *Metrics) Consumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetOutboxPending sets the pending outbox gauge.
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records a circuit breaker state ("closed", "half-open", "open").
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
