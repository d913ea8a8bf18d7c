package signer

import (
	"context"
	"testing"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"
)

func TestDevSignerProducesStableAccountIDs(t *testing.T) {
	s, err := NewDevSigner()
	require.NoError(t, err)

	ctx := context.Background()
	id1, err := s.AccountIDAzero(ctx)
	require.NoError(t, err)
	id2, err := s.AccountIDAzero(ctx)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	addr1, err := s.EthAddress(ctx)
	require.NoError(t, err)
	addr2, err := s.EthAddress(ctx)
	require.NoError(t, err)
	require.Equal(t, addr1, addr2)
	require.NotEqual(t, [20]byte{}, addr1)
}

func TestDevSignerSignEthHashProducesRecoverableSignature(t *testing.T) {
	s, err := NewDevSigner()
	require.NoError(t, err)

	var hash [32]byte
	for i := range hash {
		hash[i] = byte(i)
	}

	sig, err := s.SignEthHash(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, sig[64] == 0 || sig[64] == 1, "recovery id should be normalized to 0/1")

	compact := append([]byte{27 + sig[64]}, sig[:64]...)
	pub, _, err := btcecdsa.RecoverCompact(compact, hash[:])
	require.NoError(t, err)
	require.True(t, pub.IsEqual(s.ethKey.PubKey()), "signature should recover to the dev Chain-E key")
}

func TestDevSignerSignAzeroIsDeterministic(t *testing.T) {
	s, err := NewDevSigner()
	require.NoError(t, err)

	payload := []byte("committee_id=0;amount=100")
	sig1, err := s.SignAzero(context.Background(), payload)
	require.NoError(t, err)
	sig2, err := s.SignAzero(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, sig1, sig2)
}
