package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decredecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// devAzeroKeyHex and devEthKeyHex are fixed, well-known development keys,
// never to be used outside `dev` mode (spec.md §6's `dev` config flag).
// They exist so a relayer instance can run end-to-end locally without a
// signer service, mirroring the original implementation's dev-key path
// (SPEC_FULL.md §4).
const (
	devAzeroKeyHex = "0101010101010101010101010101010101010101010101010101010101010101"
	devEthKeyHex   = "0202020202020202020202020202020202020202020202020202020202020202"
)

// DevSigner is the in-process "dev mode" Signer: a fixed secp256k1 key per
// chain, no network round trip. It implements the same capability
// interface as RemoteSigner (spec.md §9's polymorphism-over-signer-
// backends strategy), so handlers never know which one they were built
// with.
//
// Chain-A's real guardian accounts use the chain's native sr25519
// signature scheme; this dev signer substitutes secp256k1 for it, which
// is sufficient for a relayer-side capability surface since contract-side
// signature verification is entirely out of scope (spec.md §1).
type DevSigner struct {
	azeroKey *secp256k1.PrivateKey
	ethKey   *btcec.PrivateKey
}

// NewDevSigner constructs a DevSigner from its two fixed development keys.
func NewDevSigner() (*DevSigner, error) {
	azeroBytes, err := hex.DecodeString(devAzeroKeyHex)
	if err != nil || len(azeroBytes) != 32 {
		return nil, fmt.Errorf("invalid dev azero key")
	}
	ethBytes, err := hex.DecodeString(devEthKeyHex)
	if err != nil || len(ethBytes) != 32 {
		return nil, fmt.Errorf("invalid dev eth key")
	}

	return &DevSigner{
		azeroKey: secp256k1.PrivKeyFromBytes(azeroBytes),
		ethKey:   btcec.PrivKeyFromBytes(ethBytes),
	}, nil
}

// Ping implements Signer.
func (d *DevSigner) Ping(ctx context.Context) error { return nil }

// AccountIDAzero implements Signer.
func (d *DevSigner) AccountIDAzero(ctx context.Context) (string, error) {
	pub := d.azeroKey.PubKey().SerializeCompressed()
	return "0x" + hex.EncodeToString(pub), nil
}

// SignAzero implements Signer.
func (d *DevSigner) SignAzero(ctx context.Context, payload []byte) ([]byte, error) {
	hash := sha256.Sum256(payload)
	sig := decredecdsa.Sign(d.azeroKey, hash[:])
	return sig.Serialize(), nil
}

// EthAddress implements Signer.
func (d *DevSigner) EthAddress(ctx context.Context) ([20]byte, error) {
	return ethAddressFromPubkey(d.ethKey.PubKey()), nil
}

// SignEthHash implements Signer.
func (d *DevSigner) SignEthHash(ctx context.Context, hash [32]byte) ([65]byte, error) {
	return signEthCompact(d.ethKey, hash)
}

// SignEthTx implements Signer.
//
// rawTx is expected to already be the Keccak-256 signing hash of the
// RLP-encoded transaction (computed by the Chain-E client); the dev
// signer does not parse or re-derive it.
func (d *DevSigner) SignEthTx(ctx context.Context, rawTx []byte) ([65]byte, error) {
	var hash [32]byte
	if len(rawTx) != 32 {
		return [65]byte{}, fmt.Errorf("expected a 32-byte tx signing hash, got %d bytes", len(rawTx))
	}
	copy(hash[:], rawTx)
	return signEthCompact(d.ethKey, hash)
}

// signEthCompact produces an Ethereum-style [R(32) || S(32) || V(1)]
// signature from btcec's bitcoin-convention compact signature, which
// front-loads the recovery id instead of trailing it.
func signEthCompact(key *btcec.PrivateKey, hash [32]byte) ([65]byte, error) {
	var out [65]byte

	compact := btcecdsa.SignCompact(key, hash[:], false)
	if len(compact) != 65 {
		return out, fmt.Errorf("unexpected compact signature length: %d", len(compact))
	}

	// compact[0] is 27 (+4 for compressed keys, +N for recovery id);
	// Ethereum wants V at the end, as a plain 0/1 recovery id offset
	// (callers applying EIP-155 add the chain-id factor themselves).
	recoveryID := compact[0]
	if recoveryID >= 31 {
		recoveryID -= 31
	} else if recoveryID >= 27 {
		recoveryID -= 27
	}

	copy(out[0:32], compact[1:33])
	copy(out[32:64], compact[33:65])
	out[64] = recoveryID
	return out, nil
}

func ethAddressFromPubkey(pub *btcec.PublicKey) [20]byte {
	// Ethereum addresses are the low 20 bytes of the Keccak-256 hash of
	// the uncompressed public key's X||Y bytes (sans the 0x04 prefix).
	// Reusing digest's keccak helper here would create an import cycle
	// (digest has no notion of accounts), so this hashes inline.
	uncompressed := pub.SerializeUncompressed()[1:]
	hash := keccak256(uncompressed)

	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}
