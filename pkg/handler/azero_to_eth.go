package handler

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
	"github.com/cardinal-cryptography/most-relayer/pkg/chain/eth"
	"github.com/cardinal-cryptography/most-relayer/pkg/chainevent"
	"github.com/cardinal-cryptography/most-relayer/pkg/digest"
	"github.com/cardinal-cryptography/most-relayer/pkg/listener"
	"github.com/cardinal-cryptography/most-relayer/pkg/metrics"
)

// AzeroToEthConfig parameterizes an AzeroToEthHandler: it consumes Chain-A
// batches and votes on Chain-E, whose submitter nonce is managed by
// middleware (pkg/chain/eth's nonce manager) — so per spec.md §4.3 this
// handler MAY process a batch's events in parallel, bounded by
// MaxParallelEvents.
type AzeroToEthConfig struct {
	BatchChan <-chan listener.Batch
	Breaker   *breaker.Breaker
	Blacklist Blacklist

	Account common.Address
	Sign    eth.SignEthHash

	// Metrics is optional; when set, submit outcomes and blacklist skips
	// are reported on it (SPEC_FULL.md §3.6/§4).
	Metrics *metrics.Registry

	IsInCommittee      func(ctx context.Context, committeeID *big.Int, account common.Address) (bool, error)
	CurrentCommitteeID func(ctx context.Context) (*big.Int, error)
	NeedsSignature     func(ctx context.Context, hash digest.Digest, account common.Address, committeeID *big.Int, atFinalized bool) (bool, error)
	Submit             func(ctx context.Context, req digest.Request, committeeID *big.Int, from common.Address, sign eth.SignEthHash) (chainevent.Receipt, error)

	// FinalityWaitInterval is the sleep between re-checks of a
	// signed-but-unfinalized vote (spec.md §4.3: Chain-E ≈ 60s).
	FinalityWaitInterval time.Duration
	// MaxParallelEvents bounds per-batch concurrency.
	MaxParallelEvents int
	// TransientRetries bounds retry attempts for transient RPC errors
	// within the signature-state loop before escalating.
	TransientRetries int

	Clock clock.Clock
	Log   btclog.Logger
}

// AzeroToEthHandler implements the Chain-A → Chain-E half of spec.md §4.3.
type AzeroToEthHandler struct {
	cfg     AzeroToEthConfig
	quit    chan struct{}
	started int32
	stopped int32
	done    chan struct{}
}

// NewAzeroToEthHandler constructs an AzeroToEthHandler.
func NewAzeroToEthHandler(cfg AzeroToEthConfig) *AzeroToEthHandler {
	if cfg.Log == nil {
		cfg.Log = btclog.Disabled
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.MaxParallelEvents <= 0 {
		cfg.MaxParallelEvents = 8
	}
	if cfg.TransientRetries <= 0 {
		cfg.TransientRetries = 3
	}
	return &AzeroToEthHandler{cfg: cfg, quit: make(chan struct{}), done: make(chan struct{})}
}

// Start launches the handler's consume loop.
func (h *AzeroToEthHandler) Start() error {
	if !atomic.CompareAndSwapInt32(&h.started, 0, 1) {
		return fmt.Errorf("azero-to-eth handler already started")
	}
	go h.run()
	return nil
}

// Stop signals the consume loop to exit and waits for it.
func (h *AzeroToEthHandler) Stop() error {
	if !atomic.CompareAndSwapInt32(&h.stopped, 0, 1) {
		return fmt.Errorf("azero-to-eth handler already stopped")
	}
	close(h.quit)
	<-h.done
	return nil
}

func (h *AzeroToEthHandler) run() {
	defer close(h.done)
	defer h.recoverPanic()

	ctx := context.Background()
	breakerCh := h.cfg.Breaker.Subscribe()

	for {
		select {
		case batch, ok := <-h.cfg.BatchChan:
			if !ok {
				return
			}
			if !h.processBatch(ctx, batch, breakerCh) {
				return
			}
		case <-h.quit:
			return
		case <-breakerCh:
			return
		}
	}
}

func (h *AzeroToEthHandler) processBatch(ctx context.Context, batch listener.Batch, breakerCh <-chan breaker.Event) bool {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.MaxParallelEvents)

	for _, ev := range batch.Events {
		ev := ev
		g.Go(func() error {
			return h.processEvent(gctx, ev, breakerCh)
		})
	}

	if err := g.Wait(); err != nil {
		h.cfg.Log.Errorf("azero-to-eth batch [%d,%d] failed, not acking: %v", batch.FromBlock, batch.ToBlock, err)
		return false
	}

	select {
	case batch.Ack <- batch.ToBlock:
	case <-h.quit:
		return false
	case <-breakerCh:
		return false
	}
	return true
}

func (h *AzeroToEthHandler) processEvent(ctx context.Context, ev chainevent.Event, breakerCh <-chan breaker.Event) error {
	dg, err := ev.Request.Compute()
	if err != nil {
		return fmt.Errorf("compute digest: %w", err)
	}
	h.cfg.Log.Debugf("processing azero->eth request %s (block %d, nonce %s)", dg, ev.Block, ev.Request.RequestNonce)

	if h.cfg.Blacklist.Contains(dg) {
		h.cfg.Log.Warnf("skipping blacklisted request %s", dg)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.BlacklistSkipped.WithLabelValues("azero").Inc()
		}
		return nil
	}

	inCommittee, err := h.cfg.IsInCommittee(ctx, ev.Request.CommitteeID, h.cfg.Account)
	if err != nil {
		return fmt.Errorf("is_in_committee for %s: %w", dg, err)
	}
	if !inCommittee {
		current, err := h.cfg.CurrentCommitteeID(ctx)
		if err != nil {
			return fmt.Errorf("get current committee id for %s: %w", dg, err)
		}
		if ev.Request.CommitteeID.Cmp(current) <= 0 {
			h.cfg.Log.Infof("skipping stale-committee request %s (committee %s <= current %s)", dg, ev.Request.CommitteeID, current)
			return nil
		}
		err = fmt.Errorf("committee %s is in the future (current %s)", ev.Request.CommitteeID, current)
		h.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindHandlerFailure, Side: breaker.SideEth, Reason: "committee mismatch to the future", Err: err})
		return err
	}

	retries := 0
	for {
		needsBest, err := h.cfg.NeedsSignature(ctx, dg, h.cfg.Account, ev.Request.CommitteeID, false)
		if err != nil {
			if retries++; retries > h.cfg.TransientRetries {
				h.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindRpcFailure, Side: breaker.SideEth, Err: err})
				return err
			}
			continue
		}

		if !needsBest {
			needsFinalized, err := h.cfg.NeedsSignature(ctx, dg, h.cfg.Account, ev.Request.CommitteeID, true)
			if err != nil {
				if retries++; retries > h.cfg.TransientRetries {
					h.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindRpcFailure, Side: breaker.SideEth, Err: err})
					return err
				}
				continue
			}
			if !needsFinalized {
				return nil
			}
			select {
			case <-h.cfg.Clock.TickAfter(h.cfg.FinalityWaitInterval):
				continue
			case <-h.quit:
				return fmt.Errorf("shutting down while awaiting finality for %s", dg)
			case <-breakerCh:
				return fmt.Errorf("breaker tripped while awaiting finality for %s", dg)
			}
		}

		receipt, err := h.cfg.Submit(ctx, ev.Request, ev.Request.CommitteeID, h.cfg.Account, h.cfg.Sign)
		if err != nil {
			if retries++; retries > h.cfg.TransientRetries {
				h.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindRpcFailure, Side: breaker.SideEth, Err: err})
				return err
			}
			continue
		}
		if receipt.Reverted {
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.VotesSubmitted.WithLabelValues("eth", metrics.OutcomeRevert).Inc()
			}
			err := fmt.Errorf("receiveRequest tx %s reverted for %s", receipt.TxHash, dg)
			h.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindHandlerFailure, Side: breaker.SideEth, Reason: "reverted vote", Err: err})
			return err
		}
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.VotesSubmitted.WithLabelValues("eth", metrics.OutcomeSuccess).Inc()
		}
		// Loop back: the next iteration observes Signed{finalized:false}.
	}
}

// recoverPanic turns a panic in this goroutine into a logged, re-raised
// panic, so the supervisor's process-fatal panic handling (spec.md §4.7)
// still sees it.
func (h *AzeroToEthHandler) recoverPanic() {
	if r := recover(); r != nil {
		h.cfg.Log.Criticalf("azero-to-eth handler panicked: %v", r)
		panic(r)
	}
}
