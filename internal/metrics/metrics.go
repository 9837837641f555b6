// Package metrics exposes Prometheus counters for credit and billing
// operations. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the creditd collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	charges       *prometheus.CounterVec
	chargeCredits *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	checkouts     *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	reconciled    *prometheus.CounterVec
}

// New registers the collectors under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_total",
			Help:      "Charges taken, by operation.",
		}, []string{"operation"}),
		chargeCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_credits_total",
			Help:      "Credits decremented by charges, by operation.",
		}, []string{"operation"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_rejected_total",
			Help:      "Charges rejected, by reason.",
		}, []string{"reason"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charge_resolutions_total",
			Help:      "Charges settled or refunded.",
		}, []string{"status"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhooks_total",
			Help:      "PayOS webhook deliveries, by outcome.",
		}, []string{"result"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Payment links created, by plan.",
		}, []string{"plan"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by scope.",
		}, []string{"scope"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_reconciled_total",
			Help:      "Stale pending payments resolved by polling PayOS, by outcome.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.charges, m.chargeCredits, m.rejected, m.resolutions, m.webhooks, m.checkouts, m.rateLimited, m.reconciled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ChargeTaken(operation string, amount int64) {
	if m == nil {
		return
	}
	m.charges.WithLabelValues(operation).Inc()
	m.chargeCredits.WithLabelValues(operation).Add(float64(amount))
}

func (m *Metrics) ChargeRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ChargeResolved(status string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(status).Inc()
}

func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(result).Inc()
}

func (m *Metrics) Checkout(plan string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(plan).Inc()
}

func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) Reconciled(result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(result).Inc()
}
