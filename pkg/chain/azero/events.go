package azero

import (
	"fmt"
	"math/big"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/cardinal-cryptography/most-relayer/pkg/digest"
)

// EventRecords extends the chain's standard event set with the one ink!
// event this relayer cares about. This "embed the stock records, add a
// named field per custom pallet/contract event" shape is the conventional
// way gsrpc-based clients decode contract events, since go-substrate-rpc-
// client has no generic ink! event schema of its own.
type EventRecords struct {
	types.EventRecords
	Contracts_ContractEmitted []EventContractEmitted //nolint:stylecheck
}

// EventContractEmitted mirrors pallet-contracts' ContractEmitted event:
// the emitting contract's account id, and the contract's raw event bytes.
type EventContractEmitted struct {
	Phase    types.Phase
	Contract types.AccountID
	Data     types.Bytes
	Topics   []types.Hash
}

// requestPayloadSize is the byte width of a CrosschainTransferRequest
// event's data, matching digest.Request's packed field layout exactly
// (spec.md §6): the contract emits the same bytes the digest is computed
// over, so there is no separate SCALE schema to maintain here.
const requestPayloadSize = 16 + 32 + 16 + 32 + 16

// decodeRequestPayload parses a contract event's raw data into a
// digest.Request, assuming the fixed little-endian layout described in
// spec.md §3/§6.
func decodeRequestPayload(data []byte) (digest.Request, error) {
	if len(data) != requestPayloadSize {
		return digest.Request{}, fmt.Errorf("unexpected event payload size: got %d, want %d", len(data), requestPayloadSize)
	}

	off := 0
	committeeID := leBytesToUint(data[off : off+16])
	off += 16

	var destToken [32]byte
	copy(destToken[:], data[off:off+32])
	off += 32

	amount := leBytesToUint(data[off : off+16])
	off += 16

	var destReceiver [32]byte
	copy(destReceiver[:], data[off:off+32])
	off += 32

	nonce := leBytesToUint(data[off : off+16])

	return digest.Request{
		CommitteeID:         committeeID,
		DestTokenAddress:    destToken,
		Amount:              amount,
		DestReceiverAddress: destReceiver,
		RequestNonce:        nonce,
	}, nil
}

// leBytesToUint interprets b as a little-endian unsigned integer.
func leBytesToUint(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}
