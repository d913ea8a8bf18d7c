// Package metrics defines the relayer's Prometheus surface (SPEC_FULL.md
// §3.6): votes submitted, circuit-breaker trips, cursor lag, worker
// restarts, signer lock hold time, and blacklist skips.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
)

// Registry bundles every collector this relayer exposes, so callers only
// need to pass one value around instead of wiring up each metric by hand.
type Registry struct {
	VotesSubmitted   *prometheus.CounterVec
	BreakerTrips     *prometheus.CounterVec
	CursorLag        *prometheus.GaugeVec
	WorkerRestarts   prometheus.Counter
	SignerLockHeld   prometheus.Histogram
	BlacklistSkipped *prometheus.CounterVec
}

// NewRegistry constructs and registers a Registry against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		VotesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "most_relayer",
			Name:      "votes_submitted_total",
			Help:      "Votes (receive_request submissions) by destination chain and outcome.",
		}, []string{"chain", "outcome"}),

		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "most_relayer",
			Name:      "breaker_trips_total",
			Help:      "Circuit-breaker trips by kind.",
		}, []string{"kind"}),

		CursorLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "most_relayer",
			Name:      "cursor_lag_blocks",
			Help:      "finalized_head() minus the persisted cursor, by chain.",
		}, []string{"chain"}),

		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "most_relayer",
			Name:      "supervisor_generations_total",
			Help:      "Number of worker generations the supervisor has spawned, including the first.",
		}),

		SignerLockHeld: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "most_relayer",
			Name:      "signer_lock_held_seconds",
			Help:      "Time a handler held the signer's mutual-exclusion lock for one signing call.",
			Buckets:   prometheus.DefBuckets,
		}),

		BlacklistSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "most_relayer",
			Name:      "blacklist_skipped_total",
			Help:      "Requests skipped because their digest is on the configured blacklist, by source chain.",
		}, []string{"chain"}),
	}

	reg.MustRegister(
		m.VotesSubmitted,
		m.BreakerTrips,
		m.CursorLag,
		m.WorkerRestarts,
		m.SignerLockHeld,
		m.BlacklistSkipped,
	)
	return m
}

// Outcome labels for VotesSubmitted.
const (
	OutcomeSuccess = "success"
	OutcomeRevert  = "reverted"
)

// ObserveBreakerEvent increments BreakerTrips for ev's kind.
func (m *Registry) ObserveBreakerEvent(ev breaker.Event) {
	m.BreakerTrips.WithLabelValues(ev.Kind.String()).Inc()
}
