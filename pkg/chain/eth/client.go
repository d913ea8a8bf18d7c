// Package eth implements the Chain-E client capability surface described
// in spec.md §4.1 on top of go-ethereum's ethclient: finalized/latest head
// polling (configurable for L2 deployments), a single ranged log query for
// fetch_events, contract view calls, and gas-escalated, nonce-managed
// submission of signed transactions.
package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/btcsuite/btclog"
	"github.com/cardinal-cryptography/most-relayer/pkg/chainevent"
	"github.com/cardinal-cryptography/most-relayer/pkg/digest"
)

// mostABIJSON declares only the surface this relayer actually calls or
// decodes: the CrosschainTransferRequest event, the receiveRequest
// method, and the paused, needsSignature, isInCommittee and committeeId
// views (spec.md §6). There is no reason to carry the full Most-E ABI
// (sendRequest, sendRequestNative, pausing, ownership) into the relayer
// binary.
const mostABIJSON = `[
	{"anonymous":false,"inputs":[
		{"indexed":false,"name":"committeeId","type":"uint256"},
		{"indexed":false,"name":"destTokenAddress","type":"bytes32"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"destReceiverAddress","type":"bytes32"},
		{"indexed":false,"name":"requestNonce","type":"uint256"}
	],"name":"CrosschainTransferRequest","type":"event"},
	{"inputs":[
		{"name":"requestHash","type":"bytes32"},
		{"name":"committeeId","type":"uint256"},
		{"name":"destTokenAddress","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"destReceiverAddress","type":"bytes32"},
		{"name":"requestNonce","type":"uint256"}
	],"name":"receiveRequest","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"paused","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"hash","type":"bytes32"},{"name":"account","type":"address"},{"name":"committeeId","type":"uint256"}],"name":"needsSignature","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"committeeId","type":"uint256"},{"name":"account","type":"address"}],"name":"isInCommittee","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"committeeId","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Config parameterizes a Client.
type Config struct {
	RPCEndpoint  string
	MostContract common.Address
	ChainID      *big.Int

	// FinalityMode selects "finalized" (default) or "latest" (spec.md
	// §2/§4.1's L2-deployment support).
	FinalityMode string

	GasLimit               uint64
	TxMinConfirmations     uint64
	SubmissionRetries      int
	GasEscalatorMultiplier float64       // e.g. 1.125 for a 12.5% bump per period
	GasEscalatorPeriod     time.Duration

	RateLimit float64
	Burst     int

	Log btclog.Logger
}

// Client is a Chain-E RPC client.
type Client struct {
	eth     *ethclient.Client
	mostABI abi.ABI
	eventSig common.Hash
	limiter *rate.Limiter
	cfg     Config
	log     btclog.Logger

	nonceMu    sync.Mutex
	nonce      uint64
	nonceKnown bool
}

// Dial connects to the configured node.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc at %s: %w", cfg.RPCEndpoint, err)
	}
	parsed, err := abi.JSON(strings.NewReader(mostABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse most-e abi: %w", err)
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 8
	}

	log := cfg.Log
	if log == nil {
		log = btclog.Disabled
	}

	return &Client{
		eth:      c,
		mostABI:  parsed,
		eventSig: parsed.Events["CrosschainTransferRequest"].ID,
		limiter:  rate.NewLimiter(rate.Limit(limit), burst),
		cfg:      cfg,
		log:      log,
	}, nil
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// headBlockNumber encodes the configured finality mode as the sentinel
// go-ethereum's ethclient understands for HeaderByNumber/BlockByNumber.
func (c *Client) headBlockNumber() *big.Int {
	if c.cfg.FinalityMode == "latest" {
		return big.NewInt(rpc.LatestBlockNumber.Int64())
	}
	return big.NewInt(rpc.FinalizedBlockNumber.Int64())
}

// FinalizedHead implements finalized_head().
func (c *Client) FinalizedHead(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	header, err := c.eth.HeaderByNumber(ctx, c.headBlockNumber())
	if err != nil {
		return 0, fmt.Errorf("get head header: %w", err)
	}
	return header.Number.Uint64(), nil
}

// FetchEvents implements fetch_events(from, to) as a single ranged topic
// filter query (spec.md §4.1: "a single range query on a topic filter").
func (c *Client) FetchEvents(ctx context.Context, from, to uint64) ([]chainevent.Event, error) {
	if to < from {
		return nil, fmt.Errorf("invalid range: from=%d > to=%d", from, to)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.cfg.MostContract},
		Topics:    [][]common.Hash{{c.eventSig}},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}

	out := make([]chainevent.Event, 0, len(logs))
	for _, lg := range logs {
		req, err := c.decodeRequest(lg.Data)
		if err != nil {
			c.log.Warnf("skipping unparseable CrosschainTransferRequest log in tx %s: %v", lg.TxHash.Hex(), err)
			continue
		}
		out = append(out, chainevent.Event{
			Block:    lg.BlockNumber,
			TxHash:   lg.TxHash.Hex(),
			LogIndex: uint32(lg.Index),
			Request:  req,
		})
	}
	return out, nil
}

func (c *Client) decodeRequest(data []byte) (digest.Request, error) {
	values, err := c.mostABI.Events["CrosschainTransferRequest"].Inputs.UnpackValues(data)
	if err != nil {
		return digest.Request{}, fmt.Errorf("unpack event data: %w", err)
	}
	if len(values) != 5 {
		return digest.Request{}, fmt.Errorf("unexpected field count: %d", len(values))
	}

	committeeID, ok := values[0].(*big.Int)
	if !ok {
		return digest.Request{}, fmt.Errorf("committeeId: unexpected type %T", values[0])
	}
	destToken, ok := values[1].([32]byte)
	if !ok {
		return digest.Request{}, fmt.Errorf("destTokenAddress: unexpected type %T", values[1])
	}
	amount, ok := values[2].(*big.Int)
	if !ok {
		return digest.Request{}, fmt.Errorf("amount: unexpected type %T", values[2])
	}
	destReceiver, ok := values[3].([32]byte)
	if !ok {
		return digest.Request{}, fmt.Errorf("destReceiverAddress: unexpected type %T", values[3])
	}
	nonce, ok := values[4].(*big.Int)
	if !ok {
		return digest.Request{}, fmt.Errorf("requestNonce: unexpected type %T", values[4])
	}

	return digest.Request{
		CommitteeID:         committeeID,
		DestTokenAddress:    destToken,
		Amount:              amount,
		DestReceiverAddress: destReceiver,
		RequestNonce:        nonce,
	}, nil
}

// callView implements call_view(contract, method, args) for read-only
// Most-E views, via eth_call against the configured head block.
func (c *Client) callView(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	return c.callViewAt(ctx, c.headBlockNumber(), method, args...)
}

func (c *Client) callViewAt(ctx context.Context, blockNumber *big.Int, method string, args ...interface{}) ([]byte, error) {
	input, err := c.mostABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s call: %w", method, err)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{To: &c.cfg.MostContract, Data: input}
	return c.eth.CallContract(ctx, msg, blockNumber)
}

// Paused calls Most-E's paused() view.
func (c *Client) Paused(ctx context.Context) (bool, error) {
	raw, err := c.callView(ctx, "paused")
	if err != nil {
		return false, err
	}
	values, err := c.mostABI.Methods["paused"].Outputs.Unpack(raw)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("unpack paused(): %w", err)
	}
	b, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("paused(): unexpected type %T", values[0])
	}
	return b, nil
}

// NeedsSignature calls needsSignature(hash, account, committeeId) at
// either the best or the finalized block, per spec.md §6 ("queryable at
// both 'best' and 'finalized' block").
func (c *Client) NeedsSignature(ctx context.Context, hash digest.Digest, account common.Address, committeeID *big.Int, atFinalized bool) (bool, error) {
	blockNumber := big.NewInt(rpc.LatestBlockNumber.Int64())
	if atFinalized {
		blockNumber = big.NewInt(rpc.FinalizedBlockNumber.Int64())
	}
	raw, err := c.callViewAt(ctx, blockNumber, "needsSignature", [32]byte(hash), account, committeeID)
	if err != nil {
		return false, err
	}
	values, err := c.mostABI.Methods["needsSignature"].Outputs.Unpack(raw)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("unpack needsSignature(): %w", err)
	}
	return values[0].(bool), nil
}

// IsInCommittee calls isInCommittee(committeeId, account).
func (c *Client) IsInCommittee(ctx context.Context, committeeID *big.Int, account common.Address) (bool, error) {
	raw, err := c.callView(ctx, "isInCommittee", committeeID, account)
	if err != nil {
		return false, err
	}
	values, err := c.mostABI.Methods["isInCommittee"].Outputs.Unpack(raw)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("unpack isInCommittee(): %w", err)
	}
	return values[0].(bool), nil
}

// CurrentCommitteeID calls committeeId().
func (c *Client) CurrentCommitteeID(ctx context.Context) (*big.Int, error) {
	raw, err := c.callView(ctx, "committeeId")
	if err != nil {
		return nil, err
	}
	values, err := c.mostABI.Methods["committeeId"].Outputs.Unpack(raw)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("unpack committeeId(): %w", err)
	}
	id, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("committeeId(): unexpected type %T", values[0])
	}
	return id, nil
}

// nextNonce returns the next nonce to use, seeding from the chain's
// pending nonce on first use and incrementing locally thereafter — the
// "nonce manager" half of spec.md §4.1's gas-escalator-plus-nonce-manager
// submitter.
func (c *Client) nextNonce(ctx context.Context, from common.Address) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	if !c.nonceKnown {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		n, err := c.eth.PendingNonceAt(ctx, from)
		if err != nil {
			return 0, fmt.Errorf("fetch starting nonce: %w", err)
		}
		c.nonce = n
		c.nonceKnown = true
	} else {
		c.nonce++
	}
	return c.nonce, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
