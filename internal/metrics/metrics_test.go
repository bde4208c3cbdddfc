package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSharesAcceptedIncrementsPerWorker(t *testing.T) {
	before := testutil.ToFloat64(SharesAccepted.WithLabelValues("alice.rig1"))
	SharesAccepted.WithLabelValues("alice.rig1").Inc()
	after := testutil.ToFloat64(SharesAccepted.WithLabelValues("alice.rig1"))
	require.Equal(t, before+1, after)
}

func TestActiveSessionsGaugeTracksSetValue(t *testing.T) {
	ActiveSessions.Set(7)
	require.Equal(t, float64(7), testutil.ToFloat64(ActiveSessions))
}
