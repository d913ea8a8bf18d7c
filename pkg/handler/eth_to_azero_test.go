package handler

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
	"github.com/cardinal-cryptography/most-relayer/pkg/chain/azero"
	"github.com/cardinal-cryptography/most-relayer/pkg/chainevent"
	"github.com/cardinal-cryptography/most-relayer/pkg/digest"
	"github.com/cardinal-cryptography/most-relayer/pkg/listener"
	"github.com/cardinal-cryptography/most-relayer/pkg/metrics"
)

func testRequest(nonce int64) digest.Request {
	return digest.Request{
		CommitteeID:         big.NewInt(0),
		DestTokenAddress:    [32]byte{1},
		Amount:              big.NewInt(100),
		DestReceiverAddress: [32]byte{2},
		RequestNonce:        big.NewInt(nonce),
	}
}

func noopSign(ctx context.Context, account string, nonce uint64, method string, args map[string]interface{}, refTimeLimit, proofSizeLimit uint64) (types.Extrinsic, error) {
	return types.Extrinsic{}, nil
}

// TestEthToAzeroHandlerSkipsStaleCommittee checks that an event whose
// committee has already rolled over is skipped, not submitted, and does
// not trip the breaker.
func TestEthToAzeroHandlerSkipsStaleCommittee(t *testing.T) {
	br := breaker.New()
	batchCh := make(chan listener.Batch, 1)

	submitted := false
	cfg := EthToAzeroConfig{
		BatchChan: batchCh,
		Breaker:   br,
		Blacklist: NewBlacklist(nil),
		Account:   "5F...",
		Sign:      azero.SignExtrinsic(noopSign),
		IsInCommittee: func(ctx context.Context, committeeID uint64, account string) (bool, error) {
			return false, nil
		},
		CurrentCommitteeID: func(ctx context.Context) (uint64, error) {
			return 5, nil
		},
		NeedsSignature: func(ctx context.Context, hash digest.Digest, account string, committeeID uint64, atFinalized bool) (bool, error) {
			t.Fatal("should not reach signature-state loop for a stale-committee event")
			return false, nil
		},
		Submit: func(ctx context.Context, req digest.Request, committeeID uint64, account string, sign azero.SignExtrinsic) (chainevent.Receipt, error) {
			submitted = true
			return chainevent.Receipt{}, nil
		},
		FinalityWaitInterval: time.Millisecond,
	}
	h := NewEthToAzeroHandler(cfg)
	require.NoError(t, h.Start())
	defer h.Stop()

	batch := listener.Batch{
		FromBlock: 1,
		ToBlock:   1,
		Events:    []chainevent.Event{{Block: 1, Request: testRequest(1)}},
		Ack:       make(chan uint64, 1),
	}
	batchCh <- batch

	select {
	case to := <-batch.Ack:
		require.Equal(t, uint64(1), to)
	case <-time.After(time.Second):
		t.Fatal("expected batch to be acked")
	}
	require.False(t, submitted)
}

// TestEthToAzeroHandlerEscalatesFutureCommittee checks that a committee
// ID ahead of the current one is treated as misconfiguration and
// escalated via the circuit breaker, per spec.md §4.3 step 3.
func TestEthToAzeroHandlerEscalatesFutureCommittee(t *testing.T) {
	br := breaker.New()
	sub := br.Subscribe()
	batchCh := make(chan listener.Batch, 1)

	req := testRequest(1)
	req.CommitteeID = big.NewInt(9)

	cfg := EthToAzeroConfig{
		BatchChan: batchCh,
		Breaker:   br,
		Blacklist: NewBlacklist(nil),
		Account:   "5F...",
		Sign:      azero.SignExtrinsic(noopSign),
		IsInCommittee: func(ctx context.Context, committeeID uint64, account string) (bool, error) {
			return false, nil
		},
		CurrentCommitteeID: func(ctx context.Context) (uint64, error) {
			return 2, nil
		},
		FinalityWaitInterval: time.Millisecond,
	}
	h := NewEthToAzeroHandler(cfg)
	require.NoError(t, h.Start())
	defer h.Stop()

	batchCh <- listener.Batch{
		FromBlock: 1,
		ToBlock:   1,
		Events:    []chainevent.Event{{Block: 1, Request: req}},
		Ack:       make(chan uint64, 1),
	}

	select {
	case ev := <-sub:
		require.Equal(t, breaker.KindHandlerFailure, ev.Kind)
		require.Equal(t, "committee mismatch to the future", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected breaker trip on future-committee event")
	}
}

// TestEthToAzeroHandlerSubmitsThenDetectsFinalizedSignature drives the
// happy path: committee member, needs signature, submit succeeds, next
// poll observes Signed{finalized:true}.
func TestEthToAzeroHandlerSubmitsThenDetectsFinalizedSignature(t *testing.T) {
	br := breaker.New()
	batchCh := make(chan listener.Batch, 1)

	var calls int
	cfg := EthToAzeroConfig{
		BatchChan: batchCh,
		Breaker:   br,
		Blacklist: NewBlacklist(nil),
		Account:   "5F...",
		Sign:      azero.SignExtrinsic(noopSign),
		IsInCommittee: func(ctx context.Context, committeeID uint64, account string) (bool, error) {
			return true, nil
		},
		CurrentCommitteeID: func(ctx context.Context) (uint64, error) {
			return 0, nil
		},
		NeedsSignature: func(ctx context.Context, hash digest.Digest, account string, committeeID uint64, atFinalized bool) (bool, error) {
			calls++
			if calls == 1 {
				return true, nil // first check: needs signature
			}
			return false, nil // after submit: signed and finalized
		},
		Submit: func(ctx context.Context, req digest.Request, committeeID uint64, account string, sign azero.SignExtrinsic) (chainevent.Receipt, error) {
			return chainevent.Receipt{TxHash: "0xabc"}, nil
		},
		FinalityWaitInterval: time.Millisecond,
	}
	h := NewEthToAzeroHandler(cfg)
	require.NoError(t, h.Start())
	defer h.Stop()

	batch := listener.Batch{
		FromBlock: 1,
		ToBlock:   1,
		Events:    []chainevent.Event{{Block: 1, Request: testRequest(1)}},
		Ack:       make(chan uint64, 1),
	}
	batchCh <- batch

	select {
	case <-batch.Ack:
	case <-time.After(time.Second):
		t.Fatal("expected batch to be acked after successful vote")
	}
}

// TestEthToAzeroHandlerReportsMetrics checks that a successful submission
// and a blacklisted-request skip both reach the optional metrics registry.
func TestEthToAzeroHandlerReportsMetrics(t *testing.T) {
	br := breaker.New()
	batchCh := make(chan listener.Batch, 1)
	reg := metrics.NewRegistry(prometheus.NewRegistry())

	blacklisted := testRequest(2)
	dg, err := blacklisted.Compute()
	require.NoError(t, err)

	var calls int
	cfg := EthToAzeroConfig{
		BatchChan: batchCh,
		Breaker:   br,
		Blacklist: NewBlacklist([]digest.Digest{dg}),
		Metrics:   reg,
		Account:   "5F...",
		Sign:      azero.SignExtrinsic(noopSign),
		IsInCommittee: func(ctx context.Context, committeeID uint64, account string) (bool, error) {
			return true, nil
		},
		CurrentCommitteeID: func(ctx context.Context) (uint64, error) {
			return 0, nil
		},
		NeedsSignature: func(ctx context.Context, hash digest.Digest, account string, committeeID uint64, atFinalized bool) (bool, error) {
			calls++
			return calls == 1, nil
		},
		Submit: func(ctx context.Context, req digest.Request, committeeID uint64, account string, sign azero.SignExtrinsic) (chainevent.Receipt, error) {
			return chainevent.Receipt{TxHash: "0xabc"}, nil
		},
		FinalityWaitInterval: time.Millisecond,
	}
	h := NewEthToAzeroHandler(cfg)
	require.NoError(t, h.Start())
	defer h.Stop()

	batch := listener.Batch{
		FromBlock: 1,
		ToBlock:   2,
		Events: []chainevent.Event{
			{Block: 1, Request: testRequest(1)},
			{Block: 2, Request: blacklisted},
		},
		Ack: make(chan uint64, 1),
	}
	batchCh <- batch

	select {
	case <-batch.Ack:
	case <-time.After(time.Second):
		t.Fatal("expected batch to be acked")
	}

	var metric dto.Metric
	require.NoError(t, reg.VotesSubmitted.WithLabelValues("azero", metrics.OutcomeSuccess).Write(&metric))
	require.Equal(t, float64(1), metric.GetCounter().GetValue())

	require.NoError(t, reg.BlacklistSkipped.WithLabelValues("eth").Write(&metric))
	require.Equal(t, float64(1), metric.GetCounter().GetValue())
}
