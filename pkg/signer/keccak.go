package signer

import "golang.org/x/crypto/sha3"

// keccak256 is a tiny local helper so the dev signer's address derivation
// doesn't need to import pkg/digest (which models Transfer Requests, not
// accounts) just for a hash function.
func keccak256(b []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out [32]byte
	h.Sum(out[:0])
	return out
}
