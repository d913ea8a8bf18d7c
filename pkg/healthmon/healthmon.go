// Package healthmon adapts lightningnetwork/lnd/healthcheck's periodic RPC
// observations into the supervisor.Worker lifecycle, per SPEC_FULL.md
// §3.2: "repeated health-check failure is itself routed into the Circuit
// Breaker as RpcFailure(side), in addition to the inline escalation already
// described in spec.md §4.2/§4.4."
package healthmon

import (
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"

	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
)

// Config parameterizes one chain's RPC health observation.
type Config struct {
	Side breaker.Side

	// Check pings the chain client with a call trivial enough to be a
	// pure liveness probe (finalized_head()/call_view, SPEC_FULL.md
	// §3.2); it is expected to apply its own per-attempt timeout.
	Check func() error

	Interval time.Duration
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration

	Breaker *breaker.Breaker
}

// Monitor wraps a single healthcheck.Monitor as a supervisor.Worker so it
// shares the same Start/Stop lifecycle, and the same per-generation breaker,
// as every other worker the supervisor builds.
type Monitor struct {
	inner *healthcheck.Monitor
}

// New constructs a Monitor that trips cfg.Breaker with a KindRpcFailure
// event for cfg.Side once cfg.Check has failed cfg.Attempts consecutive
// times.
func New(cfg Config) *Monitor {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}

	observation := &healthcheck.Observation{
		Name:     "rpc_" + string(cfg.Side),
		Check:    cfg.Check,
		Interval: cfg.Interval,
		Attempts: cfg.Attempts,
		Backoff:  cfg.Backoff,
		Timeout:  cfg.Timeout,
	}

	side := cfg.Side
	br := cfg.Breaker
	inner := healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{observation},
		Shutdown: func() {
			br.Trip(breaker.Event{
				Kind:   breaker.KindRpcFailure,
				Side:   side,
				Reason: "rpc health check failed after repeated attempts",
			})
		},
	})

	return &Monitor{inner: inner}
}

// Start implements supervisor.Worker.
func (m *Monitor) Start() error {
	return m.inner.Start()
}

// Stop implements supervisor.Worker.
func (m *Monitor) Stop() error {
	return m.inner.Stop()
}
