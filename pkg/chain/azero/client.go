// Package azero implements the Chain-A client capability surface described
// in spec.md §4.1 on top of Aleph Zero's Substrate-based RPC: finalized
// head polling, parallel block-range event fetch, contract view calls, and
// signed extrinsic submission with a client-local nonce counter.
package azero

import (
	"context"
	"fmt"
	"sync"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/btcsuite/btclog"
	"github.com/cardinal-cryptography/most-relayer/pkg/chainevent"
	"github.com/cardinal-cryptography/most-relayer/pkg/digest"
)

// Config parameterizes a Client.
type Config struct {
	// WSEndpoint is the node's RPC endpoint, e.g. "wss://ws.azero.dev".
	WSEndpoint string
	// MostContract is the SS58 address of the Most contract on Chain-A.
	MostContract string
	// RefTimeLimit and ProofSizeLimit bound a contract call's declared
	// weight, per spec.md §6's gas surface.
	RefTimeLimit   uint64
	ProofSizeLimit uint64
	// RateLimit caps outbound RPC calls per second; Burst allows a short
	// burst above that (e.g. the parallel fetch_events fan-out).
	RateLimit float64
	Burst     int
	// FetchConcurrency bounds how many block hashes fetch_events resolves
	// in parallel (spec.md §4.1: "requesting each block hash in
	// [from,to] in parallel").
	FetchConcurrency int

	Log btclog.Logger
}

// Client is a Chain-A RPC client. A Client is safe for concurrent use:
// the underlying gsrpc connection pools its own requests, and the nonce
// counter used by SubmitReceiveRequest is guarded by nonceMu (spec.md §5:
// "Chain clients: clones share the underlying connection pool; concurrent
// reads are safe").
type Client struct {
	api     *gsrpc.SubstrateAPI
	meta    *types.Metadata
	limiter *rate.Limiter
	cfg     Config
	log     btclog.Logger

	nonceMu sync.Mutex
	nonce   uint64
	nonceOK bool
}

// Dial connects to the configured node and fetches runtime metadata,
// needed both for event decoding and for extrinsic construction.
func Dial(cfg Config) (*Client, error) {
	api, err := gsrpc.NewSubstrateAPI(cfg.WSEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dial azero rpc at %s: %w", cfg.WSEndpoint, err)
	}
	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, fmt.Errorf("fetch azero runtime metadata: %w", err)
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.FetchConcurrency
		if burst <= 0 {
			burst = 8
		}
	}

	log := cfg.Log
	if log == nil {
		log = btclog.Disabled
	}

	return &Client{
		api:     api,
		meta:    meta,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		cfg:     cfg,
		log:     log,
	}, nil
}

// Metadata returns the runtime metadata fetched at Dial time, needed by
// SignExtrinsicFunc to build a Contracts.call extrinsic.
func (c *Client) Metadata() *types.Metadata {
	return c.meta
}

// SigningParams fetches the genesis hash and current runtime/transaction
// versions, the three chain-identifying values every Chain-A extrinsic's
// signing payload must include (spec.md §4.1's submit_signed). These
// change only across a runtime upgrade, so callers may cache the result
// for a generation's lifetime.
func (c *Client) SigningParams(ctx context.Context) (genesisHash types.Hash, specVersion, txVersion uint32, err error) {
	if err = c.wait(ctx); err != nil {
		return
	}
	genesisHash, err = c.api.RPC.Chain.GetGenesisHash()
	if err != nil {
		err = fmt.Errorf("fetch azero genesis hash: %w", err)
		return
	}
	rv, err := c.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		err = fmt.Errorf("fetch azero runtime version: %w", err)
		return
	}
	specVersion = uint32(rv.SpecVersion)
	txVersion = uint32(rv.TransactionVersion)
	return
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// FinalizedHead implements the finalized_head() capability.
func (c *Client) FinalizedHead(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	hash, err := c.api.RPC.Chain.GetFinalizedHead()
	if err != nil {
		return 0, fmt.Errorf("get finalized head: %w", err)
	}
	header, err := c.api.RPC.Chain.GetHeader(hash)
	if err != nil {
		return 0, fmt.Errorf("get header for finalized head: %w", err)
	}
	return uint64(header.Number), nil
}

// FetchEvents implements fetch_events(from, to) by resolving each block
// hash in the inclusive range in parallel (bounded by FetchConcurrency),
// then decoding Contracts.ContractEmitted events matching the configured
// Most contract, preserving (block, log-index) order in the result.
func (c *Client) FetchEvents(ctx context.Context, from, to uint64) ([]chainevent.Event, error) {
	if to < from {
		return nil, fmt.Errorf("invalid range: from=%d > to=%d", from, to)
	}
	count := int(to-from) + 1
	perBlock := make([][]chainevent.Event, count)

	g, gctx := errgroup.WithContext(ctx)
	limit := c.cfg.FetchConcurrency
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)

	for i := 0; i < count; i++ {
		i := i
		block := from + uint64(i)
		g.Go(func() error {
			events, err := c.blockEvents(gctx, block)
			if err != nil {
				return fmt.Errorf("block %d: %w", block, err)
			}
			perBlock[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []chainevent.Event
	for _, events := range perBlock {
		out = append(out, events...)
	}
	return out, nil
}

func (c *Client) blockEvents(ctx context.Context, block uint64) ([]chainevent.Event, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	hash, err := c.api.RPC.Chain.GetBlockHash(block)
	if err != nil {
		return nil, fmt.Errorf("get block hash: %w", err)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	key, err := types.CreateStorageKey(c.meta, "System", "Events", nil)
	if err != nil {
		return nil, fmt.Errorf("build system events storage key: %w", err)
	}
	raw, err := c.api.RPC.State.GetStorageRaw(key, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch system events: %w", err)
	}
	if raw == nil || len(*raw) == 0 {
		return nil, nil
	}

	var records EventRecords
	if err := types.EventRecordsRaw(*raw).DecodeEventRecords(c.meta, &records); err != nil {
		return nil, fmt.Errorf("decode system events: %w", err)
	}

	out := make([]chainevent.Event, 0, len(records.Contracts_ContractEmitted))
	for logIndex, ev := range records.Contracts_ContractEmitted {
		if ev.Contract.ToHexString() != c.cfg.MostContract {
			continue
		}
		req, err := decodeRequestPayload([]byte(ev.Data))
		if err != nil {
			c.log.Warnf("skipping unparseable contract event at block %d: %v", block, err)
			continue
		}
		out = append(out, chainevent.Event{
			Block:    block,
			TxHash:   hash.Hex(),
			LogIndex: uint32(logIndex),
			Request:  req,
		})
	}
	return out, nil
}

// CallView implements call_view(contract, method, args) by issuing a
// "contracts_call" dry-run RPC against the given block (or the best block
// when atHash is the zero hash). Ink! contracts have no Go ABI-binding
// tooling, so this speaks the raw JSON-RPC surface directly, matching the
// same approach the original relayer's subxt client takes with its own
// dry-run calls.
func (c *Client) CallView(ctx context.Context, contract, method string, args map[string]interface{}, atHash types.Hash) (map[string]interface{}, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req := map[string]interface{}{
		"dest":        contract,
		"value":       "0",
		"gasLimit":    nil,
		"storageDepositLimit": nil,
		"inputData":   map[string]interface{}{"method": method, "args": args},
	}
	var resp map[string]interface{}
	var err error
	if atHash == (types.Hash{}) {
		err = c.api.Client.Call(&resp, "contracts_call", req)
	} else {
		err = c.api.Client.Call(&resp, "contracts_call", req, atHash.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("contracts_call %s.%s: %w", contract, method, err)
	}
	return resp, nil
}

// IsHalted calls Most-A's is_halted() view.
func (c *Client) IsHalted(ctx context.Context) (bool, error) {
	resp, err := c.CallView(ctx, c.cfg.MostContract, "is_halted", nil, types.Hash{})
	if err != nil {
		return false, err
	}
	return boolResult(resp)
}

// IsEmergency calls an advisory contract's is_emergency() view.
func (c *Client) IsEmergency(ctx context.Context, advisoryContract string) (bool, string, error) {
	resp, err := c.CallView(ctx, advisoryContract, "is_emergency", nil, types.Hash{})
	if err != nil {
		return false, "", err
	}
	emergency, err := boolResult(resp)
	if err != nil {
		return false, "", err
	}
	return emergency, advisoryContract, nil
}

// NeedsSignature calls needs_signature(hash, account, committee_id), at
// either "best" or "finalized" per spec.md §6.
func (c *Client) NeedsSignature(ctx context.Context, hash digest.Digest, account string, committeeID uint64, atFinalized bool) (bool, error) {
	var atHash types.Hash
	if atFinalized {
		var err error
		if err = c.wait(ctx); err != nil {
			return false, err
		}
		atHash, err = c.api.RPC.Chain.GetFinalizedHead()
		if err != nil {
			return false, fmt.Errorf("resolve finalized head for needs_signature: %w", err)
		}
	}
	args := map[string]interface{}{
		"requestHash": hash.String(),
		"account":     account,
		"committeeId": committeeID,
	}
	resp, err := c.CallView(ctx, c.cfg.MostContract, "needs_signature", args, atHash)
	if err != nil {
		return false, err
	}
	return boolResult(resp)
}

// IsInCommittee calls is_in_committee(committee_id, account).
func (c *Client) IsInCommittee(ctx context.Context, committeeID uint64, account string) (bool, error) {
	args := map[string]interface{}{"committeeId": committeeID, "account": account}
	resp, err := c.CallView(ctx, c.cfg.MostContract, "is_in_committee", args, types.Hash{})
	if err != nil {
		return false, err
	}
	return boolResult(resp)
}

// CurrentCommitteeID calls get_current_committee_id().
func (c *Client) CurrentCommitteeID(ctx context.Context) (uint64, error) {
	resp, err := c.CallView(ctx, c.cfg.MostContract, "get_current_committee_id", nil, types.Hash{})
	if err != nil {
		return 0, err
	}
	v, ok := resp["value"]
	if !ok {
		return 0, fmt.Errorf("get_current_committee_id: missing value field")
	}
	switch n := v.(type) {
	case float64:
		return uint64(n), nil
	case string:
		var parsed uint64
		if _, err := fmt.Sscanf(n, "%d", &parsed); err != nil {
			return 0, fmt.Errorf("get_current_committee_id: unparseable value %q", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("get_current_committee_id: unexpected value type %T", v)
	}
}

// SubmitReceiveRequest implements submit_signed for the receive_request
// message: it dry-runs the call first and aborts if the dry-run fails,
// then submits the signed extrinsic using a client-local, monotonically
// incrementing nonce. The extrinsic's weight limit is always the
// configured RefTimeLimit/ProofSizeLimit; the dry-run's result is not
// used to estimate it.
func (c *Client) SubmitReceiveRequest(ctx context.Context, req digest.Request, committeeID uint64, account string, sign SignExtrinsic) (chainevent.Receipt, error) {
	dg, err := req.Compute()
	if err != nil {
		return chainevent.Receipt{}, fmt.Errorf("compute digest: %w", err)
	}

	args := map[string]interface{}{
		"requestHash":  dg.String(),
		"committeeId":  committeeID,
		"destTokenAddress":    fmt.Sprintf("0x%x", req.DestTokenAddress),
		"amount":       req.Amount.String(),
		"destReceiverAddress": fmt.Sprintf("0x%x", req.DestReceiverAddress),
		"requestNonce": req.RequestNonce.String(),
	}

	if _, err := c.CallView(ctx, c.cfg.MostContract, "receive_request", args, types.Hash{}); err != nil {
		return chainevent.Receipt{}, fmt.Errorf("dry-run receive_request: %w", err)
	}

	nonce, err := c.nextNonce(ctx, account)
	if err != nil {
		return chainevent.Receipt{}, err
	}

	ext, err := sign(ctx, account, nonce, "receive_request", args, c.cfg.RefTimeLimit, c.cfg.ProofSizeLimit)
	if err != nil {
		return chainevent.Receipt{}, fmt.Errorf("sign receive_request extrinsic: %w", err)
	}

	if err := c.wait(ctx); err != nil {
		return chainevent.Receipt{}, err
	}
	hash, err := c.api.RPC.Author.SubmitExtrinsic(ext)
	if err != nil {
		return chainevent.Receipt{}, fmt.Errorf("submit receive_request extrinsic: %w", err)
	}

	return chainevent.Receipt{TxHash: hash.Hex()}, nil
}

// SignExtrinsic is supplied by the caller (via pkg/signer) to produce a
// signed extrinsic for the given call, at the given nonce. Kept as a
// narrow function type rather than folding pkg/signer's Signer interface
// in here, so this package has no compile-time dependency on signing key
// material.
type SignExtrinsic func(ctx context.Context, account string, nonce uint64, method string, args map[string]interface{}, refTimeLimit, proofSizeLimit uint64) (types.Extrinsic, error)

func (c *Client) nextNonce(ctx context.Context, account string) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	if !c.nonceOK {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		var resp map[string]interface{}
		if err := c.api.Client.Call(&resp, "system_accountNextIndex", account); err != nil {
			return 0, fmt.Errorf("fetch starting account nonce: %w", err)
		}
		c.nonce = 0
		if v, ok := resp["value"]; ok {
			if n, ok := v.(float64); ok {
				c.nonce = uint64(n)
			}
		}
		c.nonceOK = true
	} else {
		c.nonce++
	}
	return c.nonce, nil
}

func boolResult(resp map[string]interface{}) (bool, error) {
	v, ok := resp["value"]
	if !ok {
		return false, fmt.Errorf("view call: missing value field")
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("view call: expected bool value, got %T", v)
	}
	return b, nil
}

// Close releases the underlying RPC client connection.
func (c *Client) Close() {
	if c.api != nil && c.api.Client != nil {
		c.api.Client.Close()
	}
}
