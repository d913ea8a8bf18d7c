package listener

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/btcsuite/btclog"
	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
	"github.com/cardinal-cryptography/most-relayer/pkg/cursor"
)

// Config parameterizes a SourceListener.
type Config struct {
	// Name and Chain identify this listener's cursor in the Cursor
	// Store (spec.md §3).
	Name  string
	Chain cursor.ChainKey

	Cursor  cursor.Store
	Breaker *breaker.Breaker
	// BreakerSide tags any RpcFailure event this listener raises.
	BreakerSide breaker.Side

	FinalizedHead FinalizedHeadFunc
	FetchEvents   FetchEventsFunc

	// SyncStep bounds the maximum block span of a single fetch_events
	// call (spec.md §4.2).
	SyncStep uint64
	// PollInterval is how often Awaiting-finality re-checks
	// finalized_head() (spec.md §4.2: ~1s for Chain-A, ~12s for Chain-E,
	// 1s in L2 mode).
	PollInterval time.Duration
	// DefaultSyncFrom seeds the cursor when none is persisted yet.
	DefaultSyncFrom uint64

	// BatchChan is the single channel this listener publishes batches
	// on (depth 1 on Chain-E, 32 on Chain-A, per spec.md §5).
	BatchChan chan<- Batch

	// PendingAckDepth bounds the internal queue of outstanding
	// (unacked) batches; it should be at least BatchChan's buffer depth
	// so the listener never blocks enqueuing an ack slot it already
	// committed to publishing.
	PendingAckDepth int

	Log btclog.Logger
}

// SourceListener converts finalized blocks into ordered event batches,
// per spec.md §4.2. It never advances its persisted cursor past an
// un-acked batch: acks are collected by a dedicated goroutine, strictly
// in publish order, via an internal queue of ack channels.
type SourceListener struct {
	cfg Config

	started int32
	stopped int32
	quit    chan struct{}
	wg      sync.WaitGroup

	ackQueue *queue.ConcurrentQueue
}

// New constructs a SourceListener. It does not start any goroutines.
func New(cfg Config) *SourceListener {
	depth := cfg.PendingAckDepth
	if depth <= 0 {
		depth = 64
	}
	log := cfg.Log
	if log == nil {
		log = btclog.Disabled
	}
	cfg.Log = log

	return &SourceListener{
		cfg:      cfg,
		quit:     make(chan struct{}),
		ackQueue: queue.NewConcurrentQueue(depth),
	}
}

// Start launches the listener's two goroutines: the state-machine loop
// and the ack consumer.
func (l *SourceListener) Start() error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return fmt.Errorf("source listener %s/%s already started", l.cfg.Name, l.cfg.Chain)
	}

	l.ackQueue.Start()

	l.wg.Add(2)
	go l.run()
	go l.consumeAcks()

	return nil
}

// Stop signals both goroutines to exit and waits for them.
func (l *SourceListener) Stop() error {
	if !atomic.CompareAndSwapInt32(&l.stopped, 0, 1) {
		return fmt.Errorf("source listener %s/%s already stopped", l.cfg.Name, l.cfg.Chain)
	}
	close(l.quit)
	l.wg.Wait()
	l.ackQueue.Stop()
	return nil
}

func (l *SourceListener) run() {
	defer l.wg.Done()
	defer l.recoverPanic()

	ctx := context.Background()
	breakerCh := l.cfg.Breaker.Subscribe()

	next, err := l.cfg.Cursor.Read(ctx, l.cfg.Name, l.cfg.Chain, l.cfg.DefaultSyncFrom)
	if err != nil {
		// Store.Read falls back to def internally (spec.md §4.5); an
		// error here would be unexpected, but fail safe to the
		// configured default rather than blocking startup on it.
		l.cfg.Log.Warnf("cursor read error for %s/%s, using default: %v", l.cfg.Name, l.cfg.Chain, err)
		next = l.cfg.DefaultSyncFrom
	}

	var pollTicker ticker.Ticker = ticker.New(l.cfg.PollInterval)
	pollTicker.Resume()
	defer pollTicker.Stop()

	for {
		head, ok := l.awaitFinality(ctx, next, pollTicker, breakerCh)
		if !ok {
			return
		}

		to := head
		if l.cfg.SyncStep > 0 && to > next+l.cfg.SyncStep-1 {
			to = next + l.cfg.SyncStep - 1
		}

		events, err := l.cfg.FetchEvents(ctx, next, to)
		if err != nil {
			l.cfg.Log.Errorf("fetch_events(%d,%d) failed for %s/%s: %v", next, to, l.cfg.Name, l.cfg.Chain, err)
			l.cfg.Breaker.Trip(breaker.Event{
				Kind: breaker.KindRpcFailure,
				Side: l.cfg.BreakerSide,
				Err:  err,
			})
			return
		}

		batch := Batch{
			FromBlock: next,
			ToBlock:   to,
			Events:    events,
			Ack:       make(chan uint64, 1),
		}

		select {
		case l.cfg.BatchChan <- batch:
		case <-l.quit:
			return
		case ev := <-breakerCh:
			l.cfg.Log.Infof("source listener %s/%s stopping on breaker event: %s", l.cfg.Name, l.cfg.Chain, ev)
			return
		}

		select {
		case l.ackQueue.ChanIn() <- batch.Ack:
		case <-l.quit:
			return
		}

		next = to + 1
	}
}

// awaitFinality polls finalized_head() until it reaches at least next, or
// the listener is stopped/the breaker trips.
func (l *SourceListener) awaitFinality(ctx context.Context, next uint64, t ticker.Ticker, breakerCh <-chan breaker.Event) (uint64, bool) {
	for {
		head, err := l.cfg.FinalizedHead(ctx)
		if err == nil && head >= next {
			return head, true
		}
		if err != nil {
			l.cfg.Log.Warnf("finalized_head() failed for %s/%s: %v", l.cfg.Name, l.cfg.Chain, err)
		}

		select {
		case <-t.Ticks():
			continue
		case <-l.quit:
			return 0, false
		case <-breakerCh:
			return 0, false
		}
	}
}

// consumeAcks pops pending ack channels in strict publish order, blocking
// on each until it fires, then persists the cursor — the "awaiting ack"
// half of spec.md §4.2's state machine.
func (l *SourceListener) consumeAcks() {
	defer l.wg.Done()
	defer l.recoverPanic()

	ctx := context.Background()
	breakerCh := l.cfg.Breaker.Subscribe()

	for {
		select {
		case v, ok := <-l.ackQueue.ChanOut():
			if !ok {
				return
			}
			ackCh, ok := v.(chan uint64)
			if !ok {
				l.cfg.Log.Errorf("internal error: unexpected ack queue item type %T", v)
				continue
			}

			select {
			case to := <-ackCh:
				if err := l.cfg.Cursor.Write(ctx, l.cfg.Name, l.cfg.Chain, to); err != nil {
					l.cfg.Log.Errorf("cursor write failed for %s/%s at block %d: %v", l.cfg.Name, l.cfg.Chain, to, err)
					l.cfg.Breaker.Trip(breaker.Event{
						Kind:   breaker.KindHandlerFailure,
						Side:   l.cfg.BreakerSide,
						Reason: "cursor write failed",
						Err:    err,
					})
					return
				}
			case <-l.quit:
				return
			case <-breakerCh:
				return
			}
		case <-l.quit:
			return
		}
	}
}

// recoverPanic turns a panic in this goroutine into a logged, re-raised
// panic, so the supervisor's process-fatal panic handling (spec.md §4.7)
// still sees it, but with a line identifying which listener crashed.
func (l *SourceListener) recoverPanic() {
	if r := recover(); r != nil {
		l.cfg.Log.Criticalf("source listener %s/%s panicked: %v", l.cfg.Name, l.cfg.Chain, r)
		panic(r)
	}
}
