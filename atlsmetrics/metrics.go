// Package atlsmetrics defines the handshake metrics emitted by atls.
// Unlike the teacher's admin metrics (registered against the global
// prometheus.DefaultRegisterer via promauto in an init()), these are
// registered explicitly by the caller so an embedding application can
// keep atls's metrics out of its own default registry.
package atlsmetrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "atls"
	subsystem = "handshake"
)

// Metrics is the set of collectors atls updates during Connect. Register
// it once against the application's prometheus.Registerer before the
// first Connect call.
type Metrics struct {
	Attempts *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// New constructs unregistered collectors.
func New() *Metrics {
	return &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "attempts_total",
			Help:      "Count of atls.Connect attempts by outcome.",
		}, []string{"outcome", "tcb_status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Time spent in atls.Connect, from dial handoff to verified report.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

// MustRegister registers m's collectors against reg, panicking on
// duplicate registration exactly as promauto does.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.Attempts, m.Duration)
}

// ObserveSuccess records a successful handshake and its duration.
func (m *Metrics) ObserveSuccess(tcbStatus string, seconds float64) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues("success", tcbStatus).Inc()
	m.Duration.WithLabelValues("success").Observe(seconds)
}

// ObserveFailure records a failed handshake, labeled by the error kind
// (an atlserr.Kind string) rather than tcb_status, since verification
// may fail before a TCB status is ever determined.
func (m *Metrics) ObserveFailure(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues("failure:"+kind, "").Inc()
	m.Duration.WithLabelValues("failure").Observe(seconds)
}
