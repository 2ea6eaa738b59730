package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/taskescrow/internal/logging"
	"github.com/mbd888/taskescrow/internal/metrics"
	"github.com/mbd888/taskescrow/internal/traces"
)

// submit signs and broadcasts one contract call and waits for its receipt.
func (c *Client) submit(ctx context.Context, op string, taskID common.Hash, data []byte, value *big.Int, opts TxOptions) (*Receipt, error) {
	txErr := func(hash string, err error) *TxError {
		return &TxError{Op: op, TaskID: taskID.Hex(), TxHash: hash, Err: err}
	}

	key, err := c.signingKey(opts)
	if err != nil {
		return nil, txErr("", err)
	}
	from := AddressOf(key)
	log := logging.L(ctx).With("op", op, "task_id", taskID.Hex(), "signer", from.Hex())

	call := ethereum.CallMsg{From: from, To: &c.contract, Value: value, Data: data}

	gasLimit, fallback, err := c.gasLimit(ctx, op, call)
	if err != nil {
		var te *TxError
		if errors.As(err, &te) {
			te.TaskID = taskID.Hex()
			return nil, te
		}
		return nil, txErr("", err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, txErr("", fmt.Errorf("gas price: %w", err))
	}

	nonce, release, err := c.nonces.Acquire(ctx, from)
	if err != nil {
		return nil, txErr("", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		release(false)
		return nil, txErr("", fmt.Errorf("sign: %w", err))
	}
	hash := signed.Hash().Hex()

	started := time.Now()
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		release(false)
		metrics.ObserveLedgerTx(op, "send_error", started)
		if reason, reverted := revertFromError(err); reverted {
			return nil, &TxError{Op: op, TaskID: taskID.Hex(), TxHash: hash, Reason: reason, Err: ErrTransactionReverted}
		}
		return nil, txErr(hash, fmt.Errorf("send: %w", err))
	}
	release(true)
	log.Info("escrow transaction broadcast", "tx_hash", hash, "nonce", nonce, "gas_limit", gasLimit)

	mined, err := c.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		metrics.ObserveLedgerTx(op, "pending", started)
		log.Warn("escrow transaction not confirmed in time", "tx_hash", hash, "timeout", c.txTimeout)
		return nil, txErr(hash, fmt.Errorf("%w: %v", ErrTransactionPending, err))
	}

	rec := c.normalize(mined)
	rec.GasLimit = gasLimit
	rec.GasFallback = fallback
	rec.Signer = from.Hex()
	rec.Nonce = nonce

	if !rec.Success {
		metrics.ObserveLedgerTx(op, "reverted", started)
		reason := c.replayRevert(ctx, call, mined.BlockNumber)
		log.Warn("escrow transaction reverted", "tx_hash", hash, "reason", reason)
		return rec, &TxError{Op: op, TaskID: taskID.Hex(), TxHash: hash, Reason: reason, Err: ErrTransactionReverted}
	}

	metrics.ObserveLedgerTx(op, "success", started)
	return rec, nil
}

// gasLimit estimates gas with headroom. When estimation fails it dry-runs
// the call: a revert aborts before anything is spent, otherwise the static
// ceiling is used.
func (c *Client) gasLimit(ctx context.Context, op string, call ethereum.CallMsg) (uint64, bool, error) {
	estimate, err := c.client.EstimateGas(ctx, call)
	if err == nil {
		return estimate * uint64(100+c.gasBuffer) / 100, false, nil
	}

	metrics.GasFallbacksTotal.WithLabelValues(op).Inc()
	logging.L(ctx).Warn("gas estimation failed, dry-running call",
		"op", op, "error", fmt.Errorf("%w: %v", ErrGasEstimationFailed, err))

	if _, callErr := c.client.CallContract(ctx, call, nil); callErr != nil {
		if reason, reverted := revertFromError(callErr); reverted {
			return 0, false, &TxError{Op: op, Reason: reason, Err: ErrTransactionReverted}
		}
		logging.L(ctx).Warn("dry run failed without revert data", "op", op, "error", callErr)
	}
	return FallbackGasLimit, true, nil
}

// waitForReceipt polls until the transaction is mined or txTimeout elapses.
func (c *Client) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "chain.waitForReceipt", traces.TxHash(hash.Hex()))
	defer span.End()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for tx %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// replayRevert re-executes a failed call at its block to recover the reason.
func (c *Client) replayRevert(ctx context.Context, call ethereum.CallMsg, block *big.Int) string {
	_, err := c.client.CallContract(ctx, call, block)
	if err == nil {
		return ""
	}
	reason, _ := revertFromError(err)
	return reason
}

// revertFromError extracts a revert reason from a JSON-RPC error. The
// second result reports whether the error was a revert at all.
func revertFromError(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil && len(data) > 0 {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
				return raw, true
			}
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "CONTRACT_REVERT_EXECUTED") {
		reason := strings.TrimSpace(strings.TrimPrefix(msg, "execution reverted"))
		reason = strings.TrimPrefix(reason, ": ")
		return reason, true
	}
	return "", false
}
