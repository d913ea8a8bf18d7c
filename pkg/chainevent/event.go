// Package chainevent holds the small data types shared between a chain
// client's fetch_events output and the source listener/handler pipeline
// that consumes it. Keeping these here (rather than in pkg/chain/azero or
// pkg/chain/eth) lets the listener engine stay chain-agnostic without
// importing either concrete client package.
package chainevent

import "github.com/cardinal-cryptography/most-relayer/pkg/digest"

// Event is one observed cross-chain transfer request, as emitted by a
// contract's request event and surfaced by a chain client's fetch_events.
type Event struct {
	// Block is the block number the event was included in.
	Block uint64
	// TxHash is the originating transaction's hash, hex-encoded with a
	// 0x prefix. Carried for logging and operator tooling only; it plays
	// no part in the Request Digest.
	TxHash string
	// LogIndex orders events within the same block.
	LogIndex uint32
	// Request is the digest-relevant payload of the event.
	Request digest.Request
}

// Receipt describes the outcome of a submit_signed call.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	// Reverted is true when the transaction was included but executed
	// with a failure status (e.g. a contract-level require failed).
	Reverted bool
}
