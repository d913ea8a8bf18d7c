package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
)

func TestObserveBreakerEventIncrementsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.ObserveBreakerEvent(breaker.Event{Kind: breaker.KindBridgeHalted, Side: breaker.SideEth})
	m.ObserveBreakerEvent(breaker.Event{Kind: breaker.KindBridgeHalted, Side: breaker.SideAzero})
	m.ObserveBreakerEvent(breaker.Event{Kind: breaker.KindRpcFailure, Side: breaker.SideEth})

	var metric dto.Metric
	require.NoError(t, m.BreakerTrips.WithLabelValues(breaker.KindBridgeHalted.String()).Write(&metric))
	require.Equal(t, float64(2), metric.GetCounter().GetValue())

	require.NoError(t, m.BreakerTrips.WithLabelValues(breaker.KindRpcFailure.String()).Write(&metric))
	require.Equal(t, float64(1), metric.GetCounter().GetValue())
}

func TestVotesSubmittedAndBlacklistSkippedCountByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.VotesSubmitted.WithLabelValues("eth", OutcomeSuccess).Inc()
	m.VotesSubmitted.WithLabelValues("eth", OutcomeSuccess).Inc()
	m.VotesSubmitted.WithLabelValues("azero", OutcomeRevert).Inc()
	m.BlacklistSkipped.WithLabelValues("eth").Inc()

	var metric dto.Metric
	require.NoError(t, m.VotesSubmitted.WithLabelValues("eth", OutcomeSuccess).Write(&metric))
	require.Equal(t, float64(2), metric.GetCounter().GetValue())

	require.NoError(t, m.VotesSubmitted.WithLabelValues("azero", OutcomeRevert).Write(&metric))
	require.Equal(t, float64(1), metric.GetCounter().GetValue())

	require.NoError(t, m.BlacklistSkipped.WithLabelValues("eth").Write(&metric))
	require.Equal(t, float64(1), metric.GetCounter().GetValue())
}
