package digest

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

func keccak(b []byte) Digest {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out Digest
	h.Sum(out[:0])
	return out
}

func addr(b byte) [AddressSize]byte {
	var a [AddressSize]byte
	for i := range a {
		a[i] = b
	}
	return a
}

func TestComputeDeterministic(t *testing.T) {
	r := Request{
		CommitteeID:         big.NewInt(0),
		DestTokenAddress:    addr(0x01),
		Amount:              big.NewInt(100),
		DestReceiverAddress: addr(0x02),
		RequestNonce:        big.NewInt(1),
	}

	d1, err := r.Compute()
	require.NoError(t, err)
	d2, err := r.Compute()
	require.NoError(t, err)

	require.Equal(t, d1, d2, "digest must be deterministic across calls")
	require.False(t, d1.IsZero())
}

func TestComputeFieldSensitivity(t *testing.T) {
	base := Request{
		CommitteeID:         big.NewInt(0),
		DestTokenAddress:    addr(0x01),
		Amount:              big.NewInt(100),
		DestReceiverAddress: addr(0x02),
		RequestNonce:        big.NewInt(1),
	}
	baseDigest, err := base.Compute()
	require.NoError(t, err)

	variants := []Request{base, base, base, base}
	variants[0].CommitteeID = big.NewInt(1)
	variants[1].Amount = big.NewInt(101)
	variants[2].RequestNonce = big.NewInt(2)
	variants[3].DestReceiverAddress = addr(0x03)

	for i, v := range variants {
		d, err := v.Compute()
		require.NoError(t, err)
		require.NotEqual(t, baseDigest, d, "variant %d should change the digest", i)
	}
}

func TestComputeLittleEndianPacking(t *testing.T) {
	// committee_id = 1 should occupy the low-order byte of the first
	// 16-byte field, not the high-order byte, confirming LE packing
	// rather than BE/ABI-padded packing.
	r := Request{
		CommitteeID:         big.NewInt(1),
		DestTokenAddress:    addr(0x00),
		Amount:              big.NewInt(0),
		DestReceiverAddress: addr(0x00),
		RequestNonce:        big.NewInt(0),
	}
	d, err := r.Compute()
	require.NoError(t, err)

	// Recompute expected hash manually via the same packing rule and
	// confirm equality, pinning the exact byte layout rather than just
	// internal self-consistency.
	manual := make([]byte, 0, 80)
	manual = append(manual, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	manual = append(manual, addr(0x00)[:]...)
	manual = append(manual, make([]byte, 16)...)
	manual = append(manual, addr(0x00)[:]...)
	manual = append(manual, make([]byte, 16)...)

	expected := keccak(manual)
	require.Equal(t, expected, d)
}

func TestComputeRejectsOverflow(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 129)
	r := Request{
		CommitteeID:         huge,
		DestTokenAddress:    addr(0x01),
		Amount:              big.NewInt(1),
		DestReceiverAddress: addr(0x02),
		RequestNonce:        big.NewInt(1),
	}
	_, err := r.Compute()
	require.Error(t, err)
}

func TestComputeRejectsNegative(t *testing.T) {
	r := Request{
		CommitteeID:         big.NewInt(-1),
		DestTokenAddress:    addr(0x01),
		Amount:              big.NewInt(1),
		DestReceiverAddress: addr(0x02),
		RequestNonce:        big.NewInt(1),
	}
	_, err := r.Compute()
	require.Error(t, err)
}
