package listener

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/btcsuite/btclog"
	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
)

// IsEmergencyFunc checks one advisory contract's is_emergency() view.
type IsEmergencyFunc func(ctx context.Context, contract string) (emergency bool, err error)

// AdvisoryConfig parameterizes an AdvisoryListener.
type AdvisoryConfig struct {
	Contracts    []string
	IsEmergency  IsEmergencyFunc
	PollInterval time.Duration
	Breaker      *breaker.Breaker
	Log          btclog.Logger
}

// AdvisoryListener polls each configured advisory contract once per base
// block interval and trips the circuit breaker the instant any of them
// reports emergency (spec.md §4.4).
type AdvisoryListener struct {
	cfg     AdvisoryConfig
	quit    chan struct{}
	wg      sync.WaitGroup
	started int32
	stopped int32
}

// NewAdvisoryListener constructs an AdvisoryListener.
func NewAdvisoryListener(cfg AdvisoryConfig) *AdvisoryListener {
	if cfg.Log == nil {
		cfg.Log = btclog.Disabled
	}
	return &AdvisoryListener{cfg: cfg, quit: make(chan struct{})}
}

// Start launches the polling loop.
func (l *AdvisoryListener) Start() error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return fmt.Errorf("advisory listener already started")
	}
	l.wg.Add(1)
	go l.run()
	return nil
}

// Stop signals the polling loop to exit and waits for it.
func (l *AdvisoryListener) Stop() error {
	if !atomic.CompareAndSwapInt32(&l.stopped, 0, 1) {
		return fmt.Errorf("advisory listener already stopped")
	}
	close(l.quit)
	l.wg.Wait()
	return nil
}

func (l *AdvisoryListener) run() {
	defer l.wg.Done()
	defer l.recoverPanic()

	ctx := context.Background()
	breakerCh := l.cfg.Breaker.Subscribe()

	var t ticker.Ticker = ticker.New(l.cfg.PollInterval)
	t.Resume()
	defer t.Stop()

	for {
		for _, contract := range l.cfg.Contracts {
			emergency, err := l.cfg.IsEmergency(ctx, contract)
			if err != nil {
				l.cfg.Log.Errorf("advisory contract %s is_emergency() failed: %v", contract, err)
				l.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindRpcFailure, Side: breaker.SideAzero, Err: err})
				return
			}
			if emergency {
				l.cfg.Log.Warnf("advisory contract %s reports emergency", contract)
				l.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindAdvisoryEmergency, AdvisoryID: contract})
				return
			}
		}

		select {
		case <-t.Ticks():
		case <-l.quit:
			return
		case <-breakerCh:
			return
		}
	}
}

// IsHaltedFunc checks a Most contract's halted/paused view.
type IsHaltedFunc func(ctx context.Context) (halted bool, err error)

// HaltConfig parameterizes a HaltListener.
type HaltConfig struct {
	Side         breaker.Side
	IsHalted     IsHaltedFunc
	PollInterval time.Duration
	Breaker      *breaker.Breaker
	Log          btclog.Logger
}

// HaltListener polls one Most contract's halted/paused view once per base
// block interval and trips the circuit breaker the instant it reports
// halted (spec.md §4.4: Halt-A and Halt-E are two instances of the same
// shape).
type HaltListener struct {
	cfg     HaltConfig
	quit    chan struct{}
	wg      sync.WaitGroup
	started int32
	stopped int32
}

// NewHaltListener constructs a HaltListener.
func NewHaltListener(cfg HaltConfig) *HaltListener {
	if cfg.Log == nil {
		cfg.Log = btclog.Disabled
	}
	return &HaltListener{cfg: cfg, quit: make(chan struct{})}
}

// Start launches the polling loop.
func (l *HaltListener) Start() error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return fmt.Errorf("halt listener (%s) already started", l.cfg.Side)
	}
	l.wg.Add(1)
	go l.run()
	return nil
}

// Stop signals the polling loop to exit and waits for it.
func (l *HaltListener) Stop() error {
	if !atomic.CompareAndSwapInt32(&l.stopped, 0, 1) {
		return fmt.Errorf("halt listener (%s) already stopped", l.cfg.Side)
	}
	close(l.quit)
	l.wg.Wait()
	return nil
}

func (l *HaltListener) run() {
	defer l.wg.Done()
	defer l.recoverPanic()

	ctx := context.Background()
	breakerCh := l.cfg.Breaker.Subscribe()

	var t ticker.Ticker = ticker.New(l.cfg.PollInterval)
	t.Resume()
	defer t.Stop()

	for {
		halted, err := l.cfg.IsHalted(ctx)
		if err != nil {
			l.cfg.Log.Errorf("halt listener (%s) check failed: %v", l.cfg.Side, err)
			l.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindRpcFailure, Side: l.cfg.Side, Err: err})
			return
		}
		if halted {
			l.cfg.Log.Warnf("most contract on %s reports halted/paused", l.cfg.Side)
			l.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindBridgeHalted, Side: l.cfg.Side})
			return
		}

		select {
		case <-t.Ticks():
		case <-l.quit:
			return
		case <-breakerCh:
			return
		}
	}
}

// recoverPanic turns a panic in this goroutine into a logged, re-raised
// panic, so the supervisor's process-fatal panic handling (spec.md §4.7)
// still sees it.
func (l *AdvisoryListener) recoverPanic() {
	if r := recover(); r != nil {
		l.cfg.Log.Criticalf("advisory listener panicked: %v", r)
		panic(r)
	}
}

func (l *HaltListener) recoverPanic() {
	if r := recover(); r != nil {
		l.cfg.Log.Criticalf("halt listener (%s) panicked: %v", l.cfg.Side, r)
		panic(r)
	}
}
