// Package metrics holds the Prometheus collectors for allocation, ledger,
// idempotency and conservation activity. A nil *Recorder is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "share_ledger"

type Recorder struct {
	allocations            *prometheus.CounterVec
	allocatedValue         prometheus.Counter
	refundedValue          prometheus.Counter
	reversals              prometheus.Counter
	allocationLatency      prometheus.Histogram
	ledgerOps              *prometheus.CounterVec
	jobs                   *prometheus.CounterVec
	conservationViolations prometheus.Counter
	conservationHealth     prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		allocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Allocation attempts by outcome.",
		}, []string{"outcome"}),
		allocatedValue: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocated_value_total",
			Help:      "Monetary value converted into allocation records.",
		}),
		refundedValue: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_value_total",
			Help:      "Fractional remainders refunded to wallets.",
		}),
		reversals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reversals_total",
			Help:      "Allocation records reversed.",
		}),
		allocationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_duration_seconds",
			Help:      "Time spent inside the allocation transaction.",
			Buckets:   prometheus.DefBuckets,
		}),
		ledgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transactions_total",
			Help:      "Wallet ledger rows written by type and status.",
		}, []string{"type", "status"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "Idempotent job executions by class and outcome.",
		}, []string{"job_class", "outcome"}),
		conservationViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conservation_violations_total",
			Help:      "Conservation law violations detected.",
		}),
		conservationHealth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conservation_health_ratio",
			Help:      "Fraction of products passing conservation verification.",
		}),
	}
}

func (r *Recorder) AllocationSucceeded(value, refunded decimal.Decimal, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.allocations.WithLabelValues("succeeded").Inc()
	r.allocatedValue.Add(value.InexactFloat64())
	r.refundedValue.Add(refunded.InexactFloat64())
	r.allocationLatency.Observe(elapsed.Seconds())
}

func (r *Recorder) AllocationFailed(reason string) {
	if r == nil {
		return
	}
	r.allocations.WithLabelValues(reason).Inc()
}

func (r *Recorder) Reversed(count int) {
	if r == nil {
		return
	}
	r.reversals.Add(float64(count))
}

func (r *Recorder) LedgerTransaction(txType, status string) {
	if r == nil {
		return
	}
	r.ledgerOps.WithLabelValues(txType, status).Inc()
}

func (r *Recorder) Job(jobClass, outcome string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(jobClass, outcome).Inc()
}

func (r *Recorder) ConservationViolation() {
	if r == nil {
		return
	}
	r.conservationViolations.Inc()
}

func (r *Recorder) ConservationHealth(ratio float64) {
	if r == nil {
		return
	}
	r.conservationHealth.Set(ratio)
}
