// Package lmetrics defines the Prometheus instrumentation
// for connection establishment.
package lmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for one node.
//
// Construct with [New]; a nil registerer yields working collectors
// that are simply not registered anywhere,
// so callers never need to branch on whether metrics are enabled.
type Metrics struct {
	// Attempts counts finished connect attempts by strategy and outcome.
	Attempts *prometheus.CounterVec

	// SecurityRejections counts handshakes rejected for security reasons.
	SecurityRejections *prometheus.CounterVec

	// ActiveChannels tracks the current size of the connection table.
	ActiveChannels prometheus.Gauge

	// ConnectSeconds observes the wall time from connect request
	// to secured channel, labeled by the winning strategy.
	ConnectSeconds *prometheus.HistogramVec
}

// Outcome labels for [Metrics.Attempts].
const (
	OutcomeSecured   = "secured"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Reason labels for [Metrics.SecurityRejections].
const (
	ReasonIdentityMismatch = "identity_mismatch"
	ReasonDowngrade        = "downgrade"
)

// New builds the collectors, registering them with reg if non-nil.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lynx",
			Name:      "connect_attempts_total",
			Help:      "Finished connect attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),

		SecurityRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lynx",
			Name:      "security_rejections_total",
			Help:      "Handshakes rejected for security reasons.",
		}, []string{"reason"}),

		ActiveChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "lynx",
			Name:      "active_channels",
			Help:      "Secured channels currently in the connection table.",
		}),

		ConnectSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lynx",
			Name:      "connect_seconds",
			Help:      "Time from connect request to secured channel.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"strategy"}),
	}
}

// ObserveSecurityRejection records one handshake rejected
// for the given security reason.
func (m *Metrics) ObserveSecurityRejection(reason string) {
	m.SecurityRejections.WithLabelValues(reason).Inc()
}

// ObserveAttempt records one finished attempt.
func (m *Metrics) ObserveAttempt(strategy, outcome string, took time.Duration) {
	m.Attempts.WithLabelValues(strategy, outcome).Inc()
	if outcome == OutcomeSecured {
		m.ConnectSeconds.WithLabelValues(strategy).Observe(took.Seconds())
	}
}
