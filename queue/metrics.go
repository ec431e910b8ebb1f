package queue

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the queue's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	enqueued    *prometheus.CounterVec
	deduped     *prometheus.CounterVec
	processed   *prometheus.CounterVec
	retries     *prometheus.CounterVec
	inFlight    prometheus.Gauge
	claimErrors prometheus.Counter
	recovered   prometheus.Counter
	jobsByState *prometheus.GaugeVec
}

// NewMetrics registers the queue collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doce_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}, []string{"type"}),
		deduped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doce_jobs_deduped_total",
			Help: "Total number of enqueues absorbed by an active job with the same dedupe key",
		}, []string{"type"}),
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doce_jobs_processed_total",
			Help: "Total number of job runs settled by workers",
		}, []string{"type", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doce_jobs_retry_total",
			Help: "Total number of job retries scheduled by workers",
		}, []string{"type"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "doce_jobs_inflight",
			Help: "Current number of jobs being executed by this process",
		}),
		claimErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "doce_queue_claim_errors_total",
			Help: "Total number of failed claim attempts",
		}),
		recovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "doce_queue_recovered_total",
			Help: "Total number of expired leases settled by the reaper",
		}),
		jobsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "doce_queue_jobs",
			Help: "Number of jobs per state at the last stats read",
		}, []string{"state"}),
	}
}

func (m *Metrics) recordEnqueued(jobType string, created bool) {
	if m == nil {
		return
	}
	if created {
		m.enqueued.WithLabelValues(normalizeMetricLabel(jobType)).Inc()
		return
	}
	m.deduped.WithLabelValues(normalizeMetricLabel(jobType)).Inc()
}

func (m *Metrics) recordProcessed(jobType string, outcome OutcomeKind) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(normalizeMetricLabel(jobType), string(outcome)).Inc()
	if outcome == OutcomeRetry {
		m.retries.WithLabelValues(normalizeMetricLabel(jobType)).Inc()
	}
}

func (m *Metrics) incInFlight() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) decInFlight() {
	if m != nil {
		m.inFlight.Dec()
	}
}

func (m *Metrics) recordClaimError() {
	if m != nil {
		m.claimErrors.Inc()
	}
}

func (m *Metrics) recordRecovered(n int) {
	if m != nil && n > 0 {
		m.recovered.Add(float64(n))
	}
}

func (m *Metrics) recordStateCounts(counts map[JobState]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.jobsByState.WithLabelValues(string(state)).Set(float64(n))
	}
}

func normalizeMetricLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
