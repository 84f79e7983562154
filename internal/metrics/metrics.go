package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors exported on /metrics.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Runs: one per invocation, by trigger (http, schedule) and outcome (ok, no_data, validation, remote, internal).
	Runs *prometheus.CounterVec

	// RemoteCallDuration: latency of each Cloudflare call by operation and outcome.
	RemoteCallDuration *prometheus.HistogramVec

	// RecordsFetched: request records returned per invocation.
	RecordsFetched prometheus.Histogram

	// FlaggedClients: clients over threshold, by partition (blocked, unblocked).
	FlaggedClients *prometheus.CounterVec

	// RuleUpdates: rule pushes by backend and outcome.
	RuleUpdates *prometheus.CounterVec

	// RateLimited: POST requests rejected by the inbound limiter.
	RateLimited prometheus.Counter
}

// New registers the collectors with reg. A nil reg gets a private registry
// that nothing scrapes.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Runs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cfmon_runs_total",
			Help: "Monitor invocations by trigger and outcome.",
		}, []string{"trigger", "outcome"}),

		RemoteCallDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cfmon_remote_call_duration_seconds",
			Help:    "Latency of Cloudflare API calls.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op", "outcome"}),

		RecordsFetched: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "cfmon_records_fetched",
			Help:    "Request records returned by the source per invocation.",
			Buckets: prometheus.ExponentialBuckets(10, 4, 8),
		}),

		FlaggedClients: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cfmon_flagged_clients_total",
			Help: "Clients meeting the request threshold, by partition.",
		}, []string{"partition"}),

		RuleUpdates: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cfmon_rule_updates_total",
			Help: "Rule pushes by backend and outcome.",
		}, []string{"backend", "outcome"}),

		RateLimited: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cfmon_rate_limited_total",
			Help: "POST requests rejected by the inbound rate limiter.",
		}),
	}
}

func (m *Metrics) ObserveRun(trigger, outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) ObserveRemoteCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteCallDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveRecords(n int) {
	if m == nil {
		return
	}
	m.RecordsFetched.Observe(float64(n))
}

func (m *Metrics) ObserveFlagged(blocked, unblocked int) {
	if m == nil {
		return
	}
	m.FlaggedClients.WithLabelValues("blocked").Add(float64(blocked))
	m.FlaggedClients.WithLabelValues("unblocked").Add(float64(unblocked))
}

func (m *Metrics) ObserveRuleUpdate(backend, outcome string) {
	if m == nil {
		return
	}
	m.RuleUpdates.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
