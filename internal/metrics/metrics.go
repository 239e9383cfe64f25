// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the metrics interfaces of billing, access, session
// and core.
type Collector struct {
	checkoutStarted *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
	statusChecks    *prometheus.CounterVec
	accessDecisions *prometheus.CounterVec
	sessionEvents   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

// NewCollector creates a Collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		checkoutStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursegate_checkout_started_total",
			Help: "Checkout initiations by result.",
		}, []string{"result"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursegate_reconcile_total",
			Help: "Payment reconciliations by resolving branch.",
		}, []string{"branch"}),
		statusChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursegate_payment_status_checks_total",
			Help: "Payment status lookups by result.",
		}, []string{"result"}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursegate_access_decisions_total",
			Help: "Access decisions by action.",
		}, []string{"action"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursegate_session_events_total",
			Help: "Session store transitions by type.",
		}, []string{"type"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coursegate_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coursegate_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		c.checkoutStarted,
		c.reconciled,
		c.statusChecks,
		c.accessDecisions,
		c.sessionEvents,
		c.requestDuration,
		c.inFlight,
	)

	return c
}

func (c *Collector) CheckoutStarted(result string) {
	c.checkoutStarted.WithLabelValues(result).Inc()
}

func (c *Collector) Reconciled(branch string) {
	c.reconciled.WithLabelValues(branch).Inc()
}

func (c *Collector) PaymentStatusChecked(result string) {
	c.statusChecks.WithLabelValues(result).Inc()
}

func (c *Collector) AccessDecided(action string) {
	c.accessDecisions.WithLabelValues(action).Inc()
}

func (c *Collector) SessionEvent(eventType string) {
	c.sessionEvents.WithLabelValues(eventType).Inc()
}

// RecordRequest observes one finished request. route is the chi route
// pattern, not the raw path, to keep label cardinality bounded.
func (c *Collector) RecordRequest(method, route, status string, duration time.Duration) {
	c.requestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// RequestStarted and RequestFinished track the in-flight gauge.
func (c *Collector) RequestStarted()  { c.inFlight.Inc() }
func (c *Collector) RequestFinished() { c.inFlight.Dec() }

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
