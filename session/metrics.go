package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics counts handshake outcomes. All methods are nil-safe so the Manager
// can skip instrumentation when no registerer was configured.
type metrics struct {
	handshakes prometheus.Counter
	renewals   prometheus.Counter
	signOuts   prometheus.Counter
	failures   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "handshakes_total",
			Help:      "Completed sign-in handshakes.",
		}),
		renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "renewals_total",
			Help:      "Handshakes triggered by an expired or expiring token.",
		}),
		signOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "sign_outs_total",
			Help:      "Explicit sign-outs.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "handshake_failures_total",
			Help:      "Failed handshakes by step.",
		}, []string{"step"}),
	}
	reg.MustRegister(m.handshakes, m.renewals, m.signOuts, m.failures)
	return m
}

func (m *metrics) handshakeOK() {
	if m == nil {
		return
	}
	m.handshakes.Inc()
}

func (m *metrics) renewal() {
	if m == nil {
		return
	}
	m.renewals.Inc()
}

func (m *metrics) signOut() {
	if m == nil {
		return
	}
	m.signOuts.Inc()
}

func (m *metrics) handshakeFailed(err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(failureStep(err)).Inc()
}

func failureStep(err error) string {
	var ae *AuthServiceError
	switch {
	case errors.Is(err, ErrSignerUnavailable):
		return "signer"
	case errors.As(err, &ae):
		return string(ae.Stage)
	}
	return "other"
}
