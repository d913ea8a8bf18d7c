package azero

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cardinal-cryptography/most-relayer/pkg/digest"
)

func TestDecodeRequestPayloadRoundTripsWithDigestPacking(t *testing.T) {
	req := digest.Request{
		CommitteeID:         big.NewInt(7),
		DestTokenAddress:    [32]byte{1, 2, 3},
		Amount:              big.NewInt(123456789),
		DestReceiverAddress: [32]byte{9, 9, 9},
		RequestNonce:        big.NewInt(42),
	}

	// Build the same byte layout digest.Request.Compute hashes over, since
	// that is exactly what a contract's raw event data is assumed to be.
	buf := make([]byte, 0, requestPayloadSize)
	buf = append(buf, leUint128(t, req.CommitteeID)...)
	buf = append(buf, req.DestTokenAddress[:]...)
	buf = append(buf, leUint128(t, req.Amount)...)
	buf = append(buf, req.DestReceiverAddress[:]...)
	buf = append(buf, leUint128(t, req.RequestNonce)...)

	decoded, err := decodeRequestPayload(buf)
	require.NoError(t, err)
	require.Equal(t, 0, req.CommitteeID.Cmp(decoded.CommitteeID))
	require.Equal(t, req.DestTokenAddress, decoded.DestTokenAddress)
	require.Equal(t, 0, req.Amount.Cmp(decoded.Amount))
	require.Equal(t, req.DestReceiverAddress, decoded.DestReceiverAddress)
	require.Equal(t, 0, req.RequestNonce.Cmp(decoded.RequestNonce))
}

func TestDecodeRequestPayloadRejectsWrongSize(t *testing.T) {
	_, err := decodeRequestPayload([]byte{1, 2, 3})
	require.Error(t, err)
}

func leUint128(t *testing.T, v *big.Int) []byte {
	t.Helper()
	out := make([]byte, 16)
	be := v.Bytes()
	require.LessOrEqual(t, len(be), 16)
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out
}
