package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRequiresSignerModeChoice(t *testing.T) {
	_, err := Load([]string{
		"--name=relayer-1",
		"--azero.ws_endpoint=wss://ws.azero.dev",
		"--azero.most_contract=5F...",
		"--eth.rpc_endpoint=https://rpc.example",
		"--eth.most_contract=0x0000000000000000000000000000000000000001",
		"--eth.chain_id=1",
	})
	require.Error(t, err)
}

func TestLoadAcceptsDevMode(t *testing.T) {
	cfg, err := Load([]string{
		"--name=relayer-1",
		"--dev",
		"--azero.ws_endpoint=wss://ws.azero.dev",
		"--azero.most_contract=5F...",
		"--eth.rpc_endpoint=https://rpc.example",
		"--eth.most_contract=0x0000000000000000000000000000000000000001",
		"--eth.chain_id=1",
	})
	require.NoError(t, err)
	require.Equal(t, "relayer-1", cfg.Name)
	require.Equal(t, uint64(1000), cfg.SyncStep)
	require.Equal(t, "finalized", cfg.Eth.FinalityMode)
}

func TestLoadRejectsInvalidFinalityMode(t *testing.T) {
	_, err := Load([]string{
		"--name=relayer-1",
		"--dev",
		"--azero.ws_endpoint=wss://ws.azero.dev",
		"--azero.most_contract=5F...",
		"--eth.rpc_endpoint=https://rpc.example",
		"--eth.most_contract=0x0000000000000000000000000000000000000001",
		"--eth.chain_id=1",
		"--eth.finality_mode=nonsense",
	})
	require.Error(t, err)
}

func TestParseDigestHexRoundTrips(t *testing.T) {
	// 64 hex chars = 32 bytes.
	d, err := ParseDigestHex("0xab00000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.False(t, d.IsZero())
	require.Equal(t, "0xab00000000000000000000000000000000000000000000000000000000000000", d.String())

	_, err = ParseDigestHex("not-hex")
	require.Error(t, err)
}
