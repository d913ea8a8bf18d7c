// Package listener implements the Source Listener state machine from
// spec.md §4.2 (Idle / Awaiting finality / Fetching / Publishing /
// Awaiting ack), parameterized over a pair of small closures so the same
// engine drives both Chain-A and Chain-E without a shared chain-client
// interface at the handler boundary (spec.md §9).
package listener

import (
	"context"

	"github.com/cardinal-cryptography/most-relayer/pkg/chainevent"
)

// Batch is one published unit of work: an ordered run of events spanning
// [FromBlock, ToBlock], plus a single-use Ack channel the handler must
// send ToBlock on once every event in the batch has been fully processed
// (spec.md §4.2/§4.3).
type Batch struct {
	FromBlock uint64
	ToBlock   uint64
	Events    []chainevent.Event

	// Ack is buffered (capacity 1) so the handler's send never blocks on
	// the listener's ack-consumer goroutine scheduling.
	Ack chan uint64
}

// FinalizedHeadFunc resolves the chain's current finalized (or, in L2
// mode, latest) block number.
type FinalizedHeadFunc func(ctx context.Context) (uint64, error)

// FetchEventsFunc fetches all contract events in the inclusive range
// [from, to], in (block, log-index) order.
type FetchEventsFunc func(ctx context.Context, from, to uint64) ([]chainevent.Event, error)
