package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPrivateKey       = errors.New("chain: invalid private key")
	ErrRPCConnection           = errors.New("chain: RPC connection failed")
	ErrInvalidFeeConfiguration = errors.New("chain: combined marketplace and verifier fees exceed 10000 bps")
	ErrInvalidQuorum           = errors.New("chain: approvals required outside [1, number of verifiers]")
	ErrAmountBelowMinimum      = errors.New("chain: amount below minimum native value")
	ErrGasEstimationFailed     = errors.New("chain: gas estimation failed")
	ErrTransactionReverted     = errors.New("chain: transaction reverted")
	ErrTransactionPending      = errors.New("chain: transaction not confirmed before timeout")
	ErrEscrowNotFound          = errors.New("chain: escrow not found")
)

// TxError wraps a ledger failure with the contract operation, the escrow
// task id, the transaction hash when one was broadcast and the decoded
// revert reason when the ledger supplied one.
type TxError struct {
	Op     string
	TaskID string
	TxHash string
	Reason string
	Err    error
}

func (e *TxError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "chain: %s failed", e.Op)

	var ctx []string
	if e.TaskID != "" {
		ctx = append(ctx, "task "+e.TaskID)
	}
	if e.TxHash != "" {
		ctx = append(ctx, "tx "+e.TxHash)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *TxError) Unwrap() error { return e.Err }

// IsPending reports whether err means the outcome is not yet known.
func IsPending(err error) bool {
	return errors.Is(err, ErrTransactionPending)
}

// IsReverted reports whether err is a dry-run or on-chain revert.
func IsReverted(err error) bool {
	return errors.Is(err, ErrTransactionReverted)
}

// RevertReason returns the decoded revert reason carried by err, if any.
func RevertReason(err error) string {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.Reason
	}
	return ""
}
