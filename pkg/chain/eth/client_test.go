package eth

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(mostABIJSON))
	require.NoError(t, err)
	return &Client{mostABI: parsed, eventSig: parsed.Events["CrosschainTransferRequest"].ID}
}

func TestDecodeRequestRoundTripsAbiEncoding(t *testing.T) {
	c := testClient(t)

	destToken := [32]byte{1, 2, 3}
	destReceiver := [32]byte{9, 9, 9}
	data, err := c.mostABI.Events["CrosschainTransferRequest"].Inputs.Pack(
		big.NewInt(7), destToken, big.NewInt(100), destReceiver, big.NewInt(42))
	require.NoError(t, err)

	req, err := c.decodeRequest(data)
	require.NoError(t, err)
	require.Equal(t, 0, big.NewInt(7).Cmp(req.CommitteeID))
	require.Equal(t, destToken, req.DestTokenAddress)
	require.Equal(t, 0, big.NewInt(100).Cmp(req.Amount))
	require.Equal(t, destReceiver, req.DestReceiverAddress)
	require.Equal(t, 0, big.NewInt(42).Cmp(req.RequestNonce))
}

func TestDecodeRequestRejectsTruncatedData(t *testing.T) {
	c := testClient(t)
	_, err := c.decodeRequest([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestBumpGasPriceIsMonotonicallyIncreasing(t *testing.T) {
	start := big.NewInt(1_000_000_000)
	bumped := bumpGasPrice(start, 1.125)
	require.Equal(t, 1, bumped.Cmp(start))

	twice := bumpGasPrice(bumped, 1.125)
	require.Equal(t, 1, twice.Cmp(bumped))
}
