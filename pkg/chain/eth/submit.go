package eth

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cardinal-cryptography/most-relayer/pkg/chainevent"
	"github.com/cardinal-cryptography/most-relayer/pkg/digest"
)

// SignEthHash is supplied by the caller (via pkg/signer) to produce a
// recoverable Ethereum signature over a transaction's signing hash.
// Keeping this as a narrow function type, rather than depending on
// pkg/signer's Signer interface directly, keeps this package free of any
// compile-time dependency on key material.
type SignEthHash func(ctx context.Context, hash [32]byte) ([65]byte, error)

// SubmitReceiveRequest implements submit_signed for the receiveRequest
// call: it builds the transaction, signs it via sign, and submits it with
// a geometric gas escalator — resubmitting the same nonce at a higher gas
// price if the configured period elapses before the transaction is
// mined — retrying up to SubmissionRetries times and waiting for
// TxMinConfirmations before returning a receipt (spec.md §4.1). Any
// failure drops the client-local nonce, so the next submission re-seeds
// it from the chain's pending transaction count.
func (c *Client) SubmitReceiveRequest(ctx context.Context, req digest.Request, committeeID *big.Int, from common.Address, sign SignEthHash) (_ chainevent.Receipt, err error) {
	defer func() {
		if err != nil {
			c.nonceMu.Lock()
			c.nonceKnown = false
			c.nonceMu.Unlock()
		}
	}()

	dg, err := req.Compute()
	if err != nil {
		return chainevent.Receipt{}, fmt.Errorf("compute digest: %w", err)
	}

	input, err := c.mostABI.Pack("receiveRequest",
		[32]byte(dg), committeeID, req.DestTokenAddress, req.Amount, req.DestReceiverAddress, req.RequestNonce)
	if err != nil {
		return chainevent.Receipt{}, fmt.Errorf("pack receiveRequest: %w", err)
	}

	nonce, err := c.nextNonce(ctx, from)
	if err != nil {
		return chainevent.Receipt{}, err
	}

	if err := c.wait(ctx); err != nil {
		return chainevent.Receipt{}, err
	}
	baseGasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return chainevent.Receipt{}, fmt.Errorf("suggest gas price: %w", err)
	}

	retries := c.cfg.SubmissionRetries
	if retries <= 0 {
		retries = 1
	}
	multiplier := c.cfg.GasEscalatorMultiplier
	if multiplier <= 1.0 {
		multiplier = 1.125
	}
	period := c.cfg.GasEscalatorPeriod
	if period <= 0 {
		period = 30 * time.Second
	}

	gasPrice := new(big.Int).Set(baseGasPrice)
	var lastTxHash common.Hash

	for attempt := 0; attempt < retries; attempt++ {
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &c.cfg.MostContract,
			Value:    big.NewInt(0),
			Gas:      c.gasLimit(),
			GasPrice: gasPrice,
			Data:     input,
		})

		signer := types.NewLondonSigner(c.cfg.ChainID)
		sighash := signer.Hash(tx)
		sig, err := sign(ctx, sighash)
		if err != nil {
			return chainevent.Receipt{}, fmt.Errorf("sign receiveRequest tx: %w", err)
		}
		signedTx, err := tx.WithSignature(signer, sig[:])
		if err != nil {
			return chainevent.Receipt{}, fmt.Errorf("apply signature: %w", err)
		}

		if err := c.wait(ctx); err != nil {
			return chainevent.Receipt{}, err
		}
		if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
			return chainevent.Receipt{}, fmt.Errorf("send receiveRequest tx: %w", err)
		}
		lastTxHash = signedTx.Hash()

		receipt, err := c.awaitReceipt(ctx, lastTxHash, period)
		if err == nil {
			return c.confirmedReceipt(ctx, receipt)
		}
		if ctx.Err() != nil {
			return chainevent.Receipt{}, ctx.Err()
		}

		c.log.Warnf("receiveRequest tx %s not mined within %s, escalating gas price (attempt %d/%d)",
			lastTxHash.Hex(), period, attempt+1, retries)
		gasPrice = bumpGasPrice(gasPrice, multiplier)
	}

	return chainevent.Receipt{}, fmt.Errorf("receiveRequest tx %s not confirmed after %d attempts", lastTxHash.Hex(), retries)
}

func (c *Client) gasLimit() uint64 {
	if c.cfg.GasLimit > 0 {
		return c.cfg.GasLimit
	}
	return 300_000
}

// awaitReceipt polls for a mined receipt until period elapses.
func (c *Client) awaitReceipt(ctx context.Context, txHash common.Hash, period time.Duration) (*types.Receipt, error) {
	deadline := time.NewTimer(period)
	defer deadline.Stop()
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("timed out waiting for %s", txHash.Hex())
		case <-poll.C:
			if err := c.wait(ctx); err != nil {
				return nil, err
			}
			receipt, err := c.eth.TransactionReceipt(ctx, txHash)
			if err == nil {
				return receipt, nil
			}
		}
	}
}

// confirmedReceipt waits out TxMinConfirmations past the receipt's block,
// then translates the receipt's status into chainevent.Receipt, including
// the "reverted" outcome spec.md §4.1 calls out distinctly from an RPC
// error.
func (c *Client) confirmedReceipt(ctx context.Context, receipt *types.Receipt) (chainevent.Receipt, error) {
	minConf := c.cfg.TxMinConfirmations
	if minConf > 0 {
		target := receipt.BlockNumber.Uint64() + minConf
		for {
			head, err := c.FinalizedHead(ctx)
			if err != nil {
				return chainevent.Receipt{}, fmt.Errorf("poll head for confirmations: %w", err)
			}
			if head >= target {
				break
			}
			select {
			case <-ctx.Done():
				return chainevent.Receipt{}, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}

	return chainevent.Receipt{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Reverted:    receipt.Status == types.ReceiptStatusFailed,
	}, nil
}

func bumpGasPrice(gasPrice *big.Int, multiplier float64) *big.Int {
	f := new(big.Float).SetInt(gasPrice)
	f.Mul(f, big.NewFloat(multiplier))
	out, _ := f.Int(nil)
	return out
}
