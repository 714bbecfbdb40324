// Package metrics exposes the recovery service prometheus metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nutrecovery"

type Metrics struct {
	registry *prometheus.Registry

	jobsTotal          *prometheus.CounterVec
	jobsInProgress     prometheus.Gauge
	jobDuration        prometheus.Histogram
	proofsRecovered    prometheus.Counter
	satsRecovered      prometheus.Counter
	paymentsTotal      *prometheus.CounterVec
	collectionFailures prometheus.Counter
	rateLimited        *prometheus.CounterVec
}

func New() *Metrics {
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Recovery jobs by outcome",
	}, []string{"status"})

	inProgress := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_in_progress",
		Help:      "Recovery jobs currently running or queued",
	})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Time to run a recovery job",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	proofs := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proofs_recovered_total",
		Help:      "Unspent proofs deposited in settlement wallets",
	})

	sats := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovered_sats_total",
		Help:      "Balance deposited in settlement wallets",
	})

	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_total",
		Help:      "Payment gate decisions",
	}, []string{"result"})

	collection := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collection_failures_total",
		Help:      "Inter-mint collections recorded for reconciliation",
	})

	rateLimited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"limit"})

	r := prometheus.NewRegistry()
	r.MustRegister(jobs, inProgress, duration, proofs, sats, payments, collection, rateLimited,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		registry:           r,
		jobsTotal:          jobs,
		jobsInProgress:     inProgress,
		jobDuration:        duration,
		proofsRecovered:    proofs,
		satsRecovered:      sats,
		paymentsTotal:      payments,
		collectionFailures: collection,
		rateLimited:        rateLimited,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobSubmitted() {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues("submitted").Inc()
	m.jobsInProgress.Inc()
}

func (m *Metrics) JobRejected() {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues("rejected").Inc()
}

func (m *Metrics) JobFinished(status string, took time.Duration, proofs int, balance uint64) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobsInProgress.Dec()
	m.jobDuration.Observe(took.Seconds())
	m.proofsRecovered.Add(float64(proofs))
	m.satsRecovered.Add(float64(balance))
}

func (m *Metrics) Payment(result string) {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) CollectionFailed() {
	if m == nil {
		return
	}
	m.collectionFailures.Inc()
}

func (m *Metrics) RateLimited(limit string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(limit).Inc()
}
