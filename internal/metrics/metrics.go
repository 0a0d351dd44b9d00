// Package metrics exposes Prometheus instrumentation for the signing core.
// All methods are nil-safe so instrumentation stays optional: a nil *Metrics
// disables collection without conditional call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors for credential and signing activity.
type Metrics struct {
	resolutions *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	signings    *prometheus.CounterVec
	redirects   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexander_s3fs",
			Name:      "credential_resolutions_total",
			Help:      "Credential provider chain resolutions by source.",
		}, []string{"source"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexander_s3fs",
			Name:      "credential_refreshes_total",
			Help:      "Expiry-driven credential refreshes by source.",
		}, []string{"source"}),
		signings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexander_s3fs",
			Name:      "sign_requests_total",
			Help:      "Signed requests by kind (header or presign).",
		}, []string{"kind"}),
		redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexander_s3fs",
			Name:      "s3_redirects_total",
			Help:      "S3 redirect recoveries by error code.",
		}, []string{"code"}),
	}
	reg.MustRegister(m.resolutions, m.refreshes, m.signings, m.redirects)
	return m
}

// Resolution counts one provider-chain resolution.
func (m *Metrics) Resolution(source string) {
	if m != nil {
		m.resolutions.WithLabelValues(source).Inc()
	}
}

// Refresh counts one expiry-driven refresh.
func (m *Metrics) Refresh(source string) {
	if m != nil {
		m.refreshes.WithLabelValues(source).Inc()
	}
}

// Signing counts one signed request.
func (m *Metrics) Signing(kind string) {
	if m != nil {
		m.signings.WithLabelValues(kind).Inc()
	}
}

// Redirect counts one redirect recovery.
func (m *Metrics) Redirect(code string) {
	if m != nil {
		m.redirects.WithLabelValues(code).Inc()
	}
}
