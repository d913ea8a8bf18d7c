package azero

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"golang.org/x/crypto/blake2b"

	"github.com/cardinal-cryptography/most-relayer/pkg/signer"
)

// rawSigner is the narrow capability sign.go needs from pkg/signer: a
// single raw-bytes signature over an already-assembled payload. Kept
// separate from the full signer.Signer interface so this adapter's tests
// don't need to satisfy AccountIDAzero/EthAddress/etc.
type rawSigner interface {
	SignAzero(ctx context.Context, payload []byte) ([]byte, error)
}

var _ rawSigner = signer.Signer(nil)

// SignExtrinsicFunc adapts a guardian Signer (remote or dev-mode) into the
// SignExtrinsic closure SubmitReceiveRequest needs: it builds the
// Contracts.call extrinsic for the configured Most contract, has the
// signer produce a raw sr25519 signature over the SCALE-encoded signing
// payload, and assembles the signed extrinsic the node's
// author_submitExtrinsic expects.
//
// meta/genesisHash/specVersion/txVersion are fixed per chain connection
// and captured once at construction; accountPublicKey is the guardian's
// 32-byte Chain-A public key (the same account AccountIDAzero reports).
func SignExtrinsicFunc(
	meta *types.Metadata,
	genesisHash types.Hash,
	specVersion, txVersion uint32,
	accountPublicKey [32]byte,
	s rawSigner,
) SignExtrinsic {
	return func(ctx context.Context, account string, nonce uint64, method string, args map[string]interface{}, refTimeLimit, proofSizeLimit uint64) (types.Extrinsic, error) {
		data, err := encodeContractCallData(method, args)
		if err != nil {
			return types.Extrinsic{}, fmt.Errorf("encode %s call data: %w", method, err)
		}

		call, err := types.NewCall(meta, "Contracts.call",
			types.NewMultiAddressFromAccountID(accountPublicKey[:]),
			types.NewUCompactFromUInt(0), // value: no native token transfer alongside the vote
			types.Weight{RefTime: refTimeLimit, ProofSize: proofSizeLimit},
			types.NewOption[types.UCompact](types.NewUCompactFromUInt(0)),
			types.NewBytes(data),
		)
		if err != nil {
			return types.Extrinsic{}, fmt.Errorf("build Contracts.call: %w", err)
		}

		ext := types.NewExtrinsic(call)

		era := types.ExtrinsicEra{IsImmortalEra: true}
		payload := types.ExtrinsicPayloadV4{
			ExtrinsicPayloadV3: types.ExtrinsicPayloadV3{
				Method:      ext.Method,
				Era:         era,
				Nonce:       types.NewUCompactFromUInt(nonce),
				Tip:         types.NewUCompactFromUInt(0),
				SpecVersion: types.U32(specVersion),
				GenesisHash: genesisHash,
				BlockHash:   genesisHash,
			},
			TransactionVersion: types.U32(txVersion),
		}

		payloadBytes, err := types.EncodeToBytes(payload)
		if err != nil {
			return types.Extrinsic{}, fmt.Errorf("encode signing payload: %w", err)
		}

		sig, err := s.SignAzero(ctx, payloadBytes)
		if err != nil {
			return types.Extrinsic{}, fmt.Errorf("sign extrinsic payload: %w", err)
		}

		var sr25519Sig types.Signature
		copy(sr25519Sig[:], sig)

		ext.Signature = types.ExtrinsicSignatureV4{
			Signer:    types.NewMultiAddressFromAccountID(accountPublicKey[:]),
			Signature: types.MultiSignature{IsSr25519: true, AsSr25519: sr25519Sig},
			Era:       era,
			Nonce:     types.NewUCompactFromUInt(nonce),
			Tip:       types.NewUCompactFromUInt(0),
		}
		ext.Version |= types.ExtrinsicBitSigned

		return ext, nil
	}
}

// encodeContractCallData SCALE-encodes an ink! message invocation as the
// 4-byte selector (the first 4 bytes of the method name's blake2b-256 hash, ink!'s
// convention) followed by the SCALE-encoded argument tuple in
// declaration order. This relayer only ever calls receive_request, whose
// argument order matches digest.Request's field order exactly (spec.md
// §6), so a small fixed switch is simpler and safer than a generic
// reflection-based ink! ABI encoder.
func encodeContractCallData(method string, args map[string]interface{}) ([]byte, error) {
	if method != "receive_request" {
		return nil, fmt.Errorf("no ink! call encoding registered for method %q", method)
	}
	return contractsCallEncodeReceiveRequest(args)
}

// contractsCallEncodeReceiveRequest packs receive_request's arguments in
// the same fixed little-endian layout the contract emits its
// CrosschainTransferRequest events in (pkg/chain/azero/events.go,
// requestPayloadSize), prefixed with receive_request's ink! selector: the
// first 4 bytes of blake2b-256("receive_request"), ink!'s standard
// message-selector derivation for a message with no explicit #[ink(selector
// = ...)] override.
func contractsCallEncodeReceiveRequest(args map[string]interface{}) ([]byte, error) {
	requestHashHex, _ := args["requestHash"].(string)
	destTokenHex, _ := args["destTokenAddress"].(string)
	destReceiverHex, _ := args["destReceiverAddress"].(string)
	committeeID, ok1 := args["committeeId"].(uint64)
	amountStr, ok2 := args["amount"].(string)
	nonceStr, ok3 := args["requestNonce"].(string)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("receive_request args missing expected fields")
	}

	requestHash, err := decodeFixedHex(requestHashHex, 32)
	if err != nil {
		return nil, fmt.Errorf("requestHash: %w", err)
	}
	destToken, err := decodeFixedHex(destTokenHex, 32)
	if err != nil {
		return nil, fmt.Errorf("destTokenAddress: %w", err)
	}
	destReceiver, err := decodeFixedHex(destReceiverHex, 32)
	if err != nil {
		return nil, fmt.Errorf("destReceiverAddress: %w", err)
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return nil, fmt.Errorf("amount: invalid decimal %q", amountStr)
	}
	nonce, ok := new(big.Int).SetString(nonceStr, 10)
	if !ok {
		return nil, fmt.Errorf("requestNonce: invalid decimal %q", nonceStr)
	}

	selector := ink128Selector("receive_request")

	buf := make([]byte, 0, 4+32+16+32+16+32+16)
	buf = append(buf, selector[:]...)
	buf = append(buf, requestHash...)
	buf = append(buf, leUint128(new(big.Int).SetUint64(committeeID))...)
	buf = append(buf, destToken...)
	buf = append(buf, leUint128(amount)...)
	buf = append(buf, destReceiver...)
	buf = append(buf, leUint128(nonce)...)
	return buf, nil
}

func decodeFixedHex(s string, n int) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

func ink128Selector(name string) [4]byte {
	sum := blake2b.Sum256([]byte(name))
	var sel [4]byte
	copy(sel[:], sum[:4])
	return sel
}

func leUint128(v *big.Int) []byte {
	out := make([]byte, 16)
	be := v.Bytes()
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out
}
