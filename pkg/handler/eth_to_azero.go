package handler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
	"github.com/cardinal-cryptography/most-relayer/pkg/chain/azero"
	"github.com/cardinal-cryptography/most-relayer/pkg/chainevent"
	"github.com/cardinal-cryptography/most-relayer/pkg/digest"
	"github.com/cardinal-cryptography/most-relayer/pkg/listener"
	"github.com/cardinal-cryptography/most-relayer/pkg/metrics"
)

// EthToAzeroConfig parameterizes an EthToAzeroHandler: it consumes
// Chain-E batches and votes on Chain-A, whose submitter keeps its own
// client-local nonce counter incremented after every submission — so per
// spec.md §4.3 this handler MUST process a batch's events sequentially,
// never in parallel.
type EthToAzeroConfig struct {
	BatchChan <-chan listener.Batch
	Breaker   *breaker.Breaker
	Blacklist Blacklist

	Account string
	Sign    azero.SignExtrinsic

	// Metrics is optional; when set, submit outcomes and blacklist skips
	// are reported on it (SPEC_FULL.md §3.6/§4).
	Metrics *metrics.Registry

	IsInCommittee      func(ctx context.Context, committeeID uint64, account string) (bool, error)
	CurrentCommitteeID func(ctx context.Context) (uint64, error)
	NeedsSignature     func(ctx context.Context, hash digest.Digest, account string, committeeID uint64, atFinalized bool) (bool, error)
	Submit             func(ctx context.Context, req digest.Request, committeeID uint64, account string, sign azero.SignExtrinsic) (chainevent.Receipt, error)

	// FinalityWaitInterval is the sleep between re-checks of a
	// signed-but-unfinalized vote (spec.md §4.3: Chain-A ≈ 1s).
	FinalityWaitInterval time.Duration
	TransientRetries     int

	Clock clock.Clock
	Log   btclog.Logger
}

// EthToAzeroHandler implements the Chain-E → Chain-A half of spec.md
// §4.3.
type EthToAzeroHandler struct {
	cfg     EthToAzeroConfig
	quit    chan struct{}
	started int32
	stopped int32
	done    chan struct{}
}

// NewEthToAzeroHandler constructs an EthToAzeroHandler.
func NewEthToAzeroHandler(cfg EthToAzeroConfig) *EthToAzeroHandler {
	if cfg.Log == nil {
		cfg.Log = btclog.Disabled
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.TransientRetries <= 0 {
		cfg.TransientRetries = 3
	}
	return &EthToAzeroHandler{cfg: cfg, quit: make(chan struct{}), done: make(chan struct{})}
}

// Start launches the handler's consume loop.
func (h *EthToAzeroHandler) Start() error {
	if !atomic.CompareAndSwapInt32(&h.started, 0, 1) {
		return fmt.Errorf("eth-to-azero handler already started")
	}
	go h.run()
	return nil
}

// Stop signals the consume loop to exit and waits for it.
func (h *EthToAzeroHandler) Stop() error {
	if !atomic.CompareAndSwapInt32(&h.stopped, 0, 1) {
		return fmt.Errorf("eth-to-azero handler already stopped")
	}
	close(h.quit)
	<-h.done
	return nil
}

func (h *EthToAzeroHandler) run() {
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

func (h *EthToAzeroHandler) processBatch(ctx context.Context, batch listener.Batch, breakerCh <-chan breaker.Event) bool {
	for _, ev := range batch.Events {
		if err := h.processEvent(ctx, ev, breakerCh); err != nil {
			h.cfg.Log.Errorf("eth-to-azero batch [%d,%d] failed, not acking: %v", batch.FromBlock, batch.ToBlock, err)
			return false
		}
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

func (h *EthToAzeroHandler) processEvent(ctx context.Context, ev chainevent.Event, breakerCh <-chan breaker.Event) error {
	dg, err := ev.Request.Compute()
	if err != nil {
		return fmt.Errorf("compute digest: %w", err)
	}
	h.cfg.Log.Debugf("processing eth->azero request %s (block %d, nonce %s)", dg, ev.Block, ev.Request.RequestNonce)

	if h.cfg.Blacklist.Contains(dg) {
		h.cfg.Log.Warnf("skipping blacklisted request %s", dg)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.BlacklistSkipped.WithLabelValues("eth").Inc()
		}
		return nil
	}

	committeeID := ev.Request.CommitteeID.Uint64()

	inCommittee, err := h.cfg.IsInCommittee(ctx, committeeID, h.cfg.Account)
	if err != nil {
		return fmt.Errorf("is_in_committee for %s: %w", dg, err)
	}
	if !inCommittee {
		current, err := h.cfg.CurrentCommitteeID(ctx)
		if err != nil {
			return fmt.Errorf("get_current_committee_id for %s: %w", dg, err)
		}
		if committeeID <= current {
			h.cfg.Log.Infof("skipping stale-committee request %s (committee %d <= current %d)", dg, committeeID, current)
			return nil
		}
		err = fmt.Errorf("committee %d is in the future (current %d)", committeeID, current)
		h.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindHandlerFailure, Side: breaker.SideAzero, Reason: "committee mismatch to the future", Err: err})
		return err
	}

	retries := 0
	for {
		needsBest, err := h.cfg.NeedsSignature(ctx, dg, h.cfg.Account, committeeID, false)
		if err != nil {
			retries++
			if retries > h.cfg.TransientRetries {
				h.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindRpcFailure, Side: breaker.SideAzero, Err: err})
				return err
			}
			continue
		}

		if !needsBest {
			needsFinalized, err := h.cfg.NeedsSignature(ctx, dg, h.cfg.Account, committeeID, true)
			if err != nil {
				retries++
				if retries > h.cfg.TransientRetries {
					h.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindRpcFailure, Side: breaker.SideAzero, Err: err})
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

		receipt, err := h.cfg.Submit(ctx, ev.Request, committeeID, h.cfg.Account, h.cfg.Sign)
		if err != nil {
			retries++
			if retries > h.cfg.TransientRetries {
				h.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindRpcFailure, Side: breaker.SideAzero, Err: err})
				return err
			}
			continue
		}
		if receipt.Reverted {
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.VotesSubmitted.WithLabelValues("azero", metrics.OutcomeRevert).Inc()
			}
			err := fmt.Errorf("receive_request tx %s reverted for %s", receipt.TxHash, dg)
			h.cfg.Breaker.Trip(breaker.Event{Kind: breaker.KindHandlerFailure, Side: breaker.SideAzero, Reason: "reverted vote", Err: err})
			return err
		}
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.VotesSubmitted.WithLabelValues("azero", metrics.OutcomeSuccess).Inc()
		}
		// Loop back: the next iteration observes Signed{finalized:false}.
	}
}

// recoverPanic turns a panic in this goroutine into a logged, re-raised
// panic, so the supervisor's process-fatal panic handling (spec.md §4.7)
// still sees it.
func (h *EthToAzeroHandler) recoverPanic() {
	if r := recover(); r != nil {
		h.cfg.Log.Criticalf("eth-to-azero handler panicked: %v", r)
		panic(r)
	}
}
