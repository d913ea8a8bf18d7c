// Package digest computes the canonical Request Digest shared by both
// sides of the bridge: a Keccak-256 hash of the five Transfer Request
// fields, packed in declared order with little-endian u128s and raw
// address bytes. Both Most contracts and the relayer must agree on this
// byte layout exactly, or every vote is rejected on-chain.
package digest

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// Size is the length in bytes of a Request Digest.
const Size = 32

// AddressSize is the width of the destination-token and destination-receiver
// fields, which are chain-address-agnostic 32-byte slots.
const AddressSize = 32

// u128ByteWidth is the packed width of a little-endian u128 field.
const u128ByteWidth = 16

// Digest is a 32-byte Keccak-256 request digest.
type Digest [Size]byte

// String renders the digest as a 0x-prefixed hex string for log lines.
func (d Digest) String() string {
	return "0x" + hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero digest (never a valid digest,
// useful as a sentinel for "not yet computed").
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Request is the canonical, chain-agnostic representation of a
// CrosschainTransferRequest event, as described in spec.md §3.
type Request struct {
	CommitteeID         *big.Int
	DestTokenAddress    [AddressSize]byte
	Amount              *big.Int
	DestReceiverAddress [AddressSize]byte
	RequestNonce        *big.Int
}

// Compute derives the Request Digest for r: keccak256 of
//
//	le_u128(committee_id) || dest_token_address || le_u128(amount) ||
//	dest_receiver_address || le_u128(request_nonce)
//
// This is the ONLY encoding that matches the on-chain hash on either Most
// contract (spec.md §6); the ABI-padded 32-byte-integer variant observed
// elsewhere in the codebase is a known-divergent historical artifact and
// is deliberately not implemented here, not even as an option.
func (r Request) Compute() (Digest, error) {
	committeeID, err := leUint128(r.CommitteeID)
	if err != nil {
		return Digest{}, fmt.Errorf("committee_id: %w", err)
	}
	amount, err := leUint128(r.Amount)
	if err != nil {
		return Digest{}, fmt.Errorf("amount: %w", err)
	}
	nonce, err := leUint128(r.RequestNonce)
	if err != nil {
		return Digest{}, fmt.Errorf("request_nonce: %w", err)
	}

	buf := make([]byte, 0, u128ByteWidth*3+AddressSize*2)
	buf = append(buf, committeeID[:]...)
	buf = append(buf, r.DestTokenAddress[:]...)
	buf = append(buf, amount[:]...)
	buf = append(buf, r.DestReceiverAddress[:]...)
	buf = append(buf, nonce[:]...)

	h := sha3.NewLegacyKeccak256()
	h.Write(buf)

	var out Digest
	h.Sum(out[:0])
	return out, nil
}

// MustCompute is Compute but panics on error; only safe when the request's
// u128 fields are already known-valid (e.g. decoded from a fixed-width
// on-chain event where overflow is structurally impossible).
func MustCompute(r Request) Digest {
	d, err := r.Compute()
	if err != nil {
		panic(fmt.Sprintf("digest: invalid request: %v", err))
	}
	return d
}

// leUint128 packs v into 16 little-endian bytes. v must be non-negative and
// fit in 128 bits; otherwise the request is malformed and the caller should
// treat it as a decode error, not silently truncate it.
func leUint128(v *big.Int) ([u128ByteWidth]byte, error) {
	var out [u128ByteWidth]byte
	if v == nil {
		return out, fmt.Errorf("nil u128")
	}
	if v.Sign() < 0 {
		return out, fmt.Errorf("negative u128: %s", v.String())
	}
	be := v.Bytes()
	if len(be) > u128ByteWidth {
		return out, fmt.Errorf("u128 overflow: %s", v.String())
	}
	// be is big-endian, left-padded implicitly by its shorter length;
	// reverse it into the leading (low-order) bytes of the little-endian
	// output, leaving the high-order bytes zero.
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out, nil
}
