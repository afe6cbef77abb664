package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credits"

// Metrics holds the collectors shared by the credit services. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	usageEvents     *prometheus.CounterVec
	chargedCredits  *prometheus.CounterVec
	reservations    *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	ledgerDrift     *prometheus.GaugeVec
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
}

func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Usage event submissions by outcome.",
		}, []string{"feature", "outcome"}),
		chargedCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_credits_total",
			Help:      "Credits debited through the metering engine.",
		}, []string{"feature"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation transitions.",
		}, []string{"transition"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Reconciliation outcomes.",
		}, []string{"outcome"}),
		ledgerDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_drift_wallets",
			Help:      "Wallets whose cached balance disagrees with the ledger fold.",
		}, []string{"balance"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduler job runs by status.",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_job_duration_seconds",
			Help:      "Scheduler job durations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"job"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Operator API requests.",
		}, []string{"method", "route", "status"}),
	}

	for _, c := range []prometheus.Collector{
		m.usageEvents, m.chargedCredits, m.reservations, m.reconciliations,
		m.ledgerDrift, m.jobRuns, m.jobDuration, m.httpRequests,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m, nil
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) UsageEvent(feature, outcome string) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(feature, outcome).Inc()
}

func (m *Metrics) Charged(feature string, credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.chargedCredits.WithLabelValues(feature).Add(float64(credits))
}

func (m *Metrics) Reservation(transition string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(transition).Inc()
}

func (m *Metrics) Reconciliation(outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerDrift(current, reserved int) {
	if m == nil {
		return
	}
	m.ledgerDrift.WithLabelValues("current").Set(float64(current))
	m.ledgerDrift.WithLabelValues("reserved").Set(float64(reserved))
}

func (m *Metrics) JobRun(job, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) HTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
}
