// Package signer defines the Guardian Identity signing capability
// (spec.md §3/§9) and two implementations: a remote client for the
// length-prefixed-JSON signer service (spec.md §6), and an in-process
// dev-mode key for local testing (SPEC_FULL.md §4). Handlers are
// parameterized over the Signer interface; the concrete choice is made
// once, at supervisor startup, per spec.md §9's "Polymorphism over signer
// backends" strategy.
package signer

import "context"

// Signer is the capability set a handler needs from whatever signs on its
// behalf, whether that's a remote vsock/TCP service or an in-process dev
// key. It intentionally mirrors the signer service's message set from
// spec.md §6 one-to-one rather than exposing a generic "sign bytes"
// method, because the two chains' signature schemes are not
// interchangeable (spec.md §9: "do NOT attempt cross-chain polymorphism
// at the handler boundary").
type Signer interface {
	// Ping verifies the signer is reachable. Neither the voting path nor
	// the chain health monitors call it.
	Ping(ctx context.Context) error

	// AccountIDAzero returns the relayer's Chain-A guardian account,
	// used for `is_in_committee` checks (spec.md §4.3 step 3).
	AccountIDAzero(ctx context.Context) (string, error)

	// SignAzero signs an arbitrary Chain-A call payload (already SCALE
	// or equivalent encoded by the Chain-A client) and returns the raw
	// signature bytes.
	SignAzero(ctx context.Context, payload []byte) ([]byte, error)

	// EthAddress returns the relayer's Chain-E guardian address.
	EthAddress(ctx context.Context) ([20]byte, error)

	// SignEthHash signs a 32-byte hash (e.g. a typed-data or message
	// hash) and returns a 65-byte [R || S || V] signature.
	SignEthHash(ctx context.Context, hash [32]byte) ([65]byte, error)

	// SignEthTx signs a fully-populated, RLP-encodable Chain-E
	// transaction and returns its signature.
	SignEthTx(ctx context.Context, rawTx []byte) ([65]byte, error)
}
