// Package supervisor implements the Supervisor described in spec.md §4.7:
// it spawns every worker of one "generation" with shared references to the
// chain clients, signer, cursor store, and a fresh circuit breaker; joins
// them; and on any termination tears the generation down, backs off, and
// rebuilds a fresh one. Cursors persist across generations (spec.md §5,
// "Reboot semantics"), so a new generation resumes at the first un-acked
// block rather than reprocessing from scratch.
package supervisor

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/btcsuite/btclog"
	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
)

// Worker is the minimal capability every supervised component exposes,
// matching the Start/Stop idiom used by every worker package in this
// module (listener.SourceListener, listener.AdvisoryListener,
// listener.HaltListener, handler.AzeroToEthHandler,
// handler.EthToAzeroHandler).
type Worker interface {
	Start() error
	Stop() error
}

// Generation is one complete, freshly wired set of workers sharing one
// circuit breaker. BuildFunc constructs a new Generation on every
// (re)spawn, so each generation gets its own breaker and batch channels,
// per spec.md §4.7/§5.
type Generation struct {
	Workers []Worker
	Breaker *breaker.Breaker
}

// BuildFunc constructs one Generation. It is called once at supervisor
// start and again after every full-generation exit.
type BuildFunc func() (Generation, error)

// Config parameterizes a Supervisor.
type Config struct {
	Build BuildFunc
	// Backoff is the sleep between a generation's exit and the next
	// respawn (spec.md §4.7: "sleeps a configurable backoff (default
	// 2s)").
	Backoff time.Duration

	Log btclog.Logger
}

// Supervisor runs BuildFunc-produced generations back to back until Stop
// is called.
type Supervisor struct {
	cfg     Config
	quit    chan struct{}
	done    chan struct{}
	started int32
	stopped int32

	// onReady is invoked once, after the first generation's workers have
	// all started successfully, so callers (cmd/relayer) can hook in
	// readiness notification (e.g. systemd sd_notify) without this
	// package depending on go-systemd directly.
	onReady func()
}

// New constructs a Supervisor. onReady may be nil.
func New(cfg Config, onReady func()) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = btclog.Disabled
	}
	if onReady == nil {
		onReady = func() {}
	}
	return &Supervisor{
		cfg:     cfg,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		onReady: onReady,
	}
}

// Start launches the supervise loop in a background goroutine.
func (s *Supervisor) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return fmt.Errorf("supervisor already started")
	}
	go s.run()
	return nil
}

// Stop signals the current generation to tear down and waits for the
// supervise loop to exit.
func (s *Supervisor) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return fmt.Errorf("supervisor already stopped")
	}
	close(s.quit)
	<-s.done
	return nil
}

func (s *Supervisor) run() {
	defer close(s.done)

	first := true
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		if err := s.runGeneration(first); err != nil {
			s.cfg.Log.Errorf("supervisor: generation failed to start, retrying after %s: %v", s.cfg.Backoff, err)
		}
		first = false

		select {
		case <-s.quit:
			return
		case <-time.After(s.cfg.Backoff):
		}
	}
}

// runGeneration builds, starts, and joins one generation. It returns once
// every worker has exited (via the shared breaker tripping) or the
// supervisor itself is stopped.
func (s *Supervisor) runGeneration(first bool) error {
	gen, err := s.cfg.Build()
	if err != nil {
		return fmt.Errorf("build generation: %w", err)
	}

	g := new(errgroup.Group)
	for _, w := range gen.Workers {
		w := w
		g.Go(func() (err error) {
			// A panic here is recovered just long enough to log it
			// with a stack trace, then re-raised: it is fatal to the
			// process, per spec.md §4.7, and must not be mistaken for
			// an ordinary worker exit.
			defer func() {
				if r := recover(); r != nil {
					s.cfg.Log.Criticalf("supervisor: worker panicked: %v", r)
					panic(r)
				}
			}()
			return w.Start()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	if first {
		s.onReady()
	}

	select {
	case <-gen.Breaker.Done():
		if ev, ok := gen.Breaker.Tripped(); ok {
			s.cfg.Log.Warnf("supervisor: generation exiting on circuit-breaker event: %s", ev)
		}
	case <-s.quit:
	}

	for _, w := range gen.Workers {
		if err := w.Stop(); err != nil {
			s.cfg.Log.Errorf("supervisor: worker stop error: %v", err)
		}
	}

	return nil
}
