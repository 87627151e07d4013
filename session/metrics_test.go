package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keyproof/walletauth/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// TestWithMetrics tests that handshake outcomes are counted
func TestWithMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := setupTestFixture(t, session.WithMetrics(reg))

	f.signIn(t)
	f.manager.SignOut()

	f.authSvc.NonceErr = errors.New("boom")
	_, err := f.manager.SignIn(context.Background())
	require.Error(t, err)
	f.authSvc.NonceErr = nil

	// An expired seeded handshake counts as a renewal.
	f.signIn(t)
	f.advance(2 * time.Hour)
	_, err = f.manager.BearerToken(context.Background())
	require.NoError(t, err)

	counts := gatherCounters(t, reg)
	require.Equal(t, float64(3), counts["walletauth_handshakes_total"])
	require.Equal(t, float64(1), counts["walletauth_sign_outs_total"])
	require.Equal(t, float64(1), counts["walletauth_renewals_total"])
	require.Equal(t, float64(1), counts["walletauth_handshake_failures_total/nonce"])
}

// gatherCounters flattens the registry into counter values keyed by metric
// name, with label values appended after a slash.
func gatherCounters(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			key := fam.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			counts[key] = m.GetCounter().GetValue()
		}
	}
	return counts
}
