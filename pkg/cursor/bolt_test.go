package cursor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltStoreReadDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBolt(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Read(context.Background(), "relayer-1", ChainEth, 42)
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
}

func TestBoltStoreWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBolt(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "relayer-1", ChainAzero, 100))

	got, err := s.Read(ctx, "relayer-1", ChainAzero, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(100), got)

	// A different chain key under the same name must not collide.
	gotEth, err := s.Read(ctx, "relayer-1", ChainEth, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), gotEth)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := OpenBolt(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Write(ctx, "relayer-1", ChainEth, 555))
	require.NoError(t, s1.Close())

	s2, err := OpenBolt(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Read(ctx, "relayer-1", ChainEth, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(555), got)
}

func TestKeyFormat(t *testing.T) {
	require.Equal(t, "relayer-1:ethereum_last_known_block_number", Key("relayer-1", ChainEth))
	require.Equal(t, "relayer-1:alephzero_last_known_block_number", Key("relayer-1", ChainAzero))
}
