package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// TaskEscrowABI is the consumed surface of the TaskEscrow contract.
const TaskEscrowABI = `[
	{"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[
		{"name":"taskId","type":"bytes32"},
		{"name":"worker","type":"address"},
		{"name":"verifiers","type":"address[]"},
		{"name":"approvalsRequired","type":"uint8"},
		{"name":"marketplaceFeeBps","type":"uint16"},
		{"name":"verifierFeeBps","type":"uint16"}],"outputs":[]},
	{"type":"function","name":"approveRelease","stateMutability":"nonpayable","inputs":[
		{"name":"taskId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"approveRefund","stateMutability":"nonpayable","inputs":[
		{"name":"taskId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"getEscrow","stateMutability":"view","inputs":[
		{"name":"taskId","type":"bytes32"}],"outputs":[
		{"name":"client","type":"address"},
		{"name":"worker","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"marketplaceFeeBps","type":"uint16"},
		{"name":"verifierFeeBps","type":"uint16"},
		{"name":"status","type":"uint8"},
		{"name":"approvalsRequired","type":"uint8"},
		{"name":"releaseApprovals","type":"uint8"},
		{"name":"refundApprovals","type":"uint8"}]}
]`

// Contract method names.
const (
	OpCreateEscrow   = "createEscrow"
	OpApproveRelease = "approveRelease"
	OpApproveRefund  = "approveRefund"
	OpGetEscrow      = "getEscrow"
)

// ParseABI parses TaskEscrowABI.
func ParseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(TaskEscrowABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse task escrow ABI: %w", err)
	}
	return parsed, nil
}

// EscrowStatus is the on-chain escrow state.
type EscrowStatus uint8

const (
	EscrowNone     EscrowStatus = 0
	EscrowFunded   EscrowStatus = 1
	EscrowReleased EscrowStatus = 2
	EscrowRefunded EscrowStatus = 3
)

func (s EscrowStatus) String() string {
	switch s {
	case EscrowNone:
		return "none"
	case EscrowFunded:
		return "funded"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Escrow is the decoded getEscrow tuple.
type Escrow struct {
	TaskID            common.Hash    `json:"task_id"`
	Client            common.Address `json:"client"`
	Worker            common.Address `json:"worker"`
	Amount            *big.Int       `json:"amount"`
	MarketplaceFeeBps uint16         `json:"marketplace_fee_bps"`
	VerifierFeeBps    uint16         `json:"verifier_fee_bps"`
	Status            EscrowStatus   `json:"status"`
	ApprovalsRequired uint8          `json:"approvals_required"`
	ReleaseApprovals  uint8          `json:"release_approvals"`
	RefundApprovals   uint8          `json:"refund_approvals"`
}

// Exists reports whether the escrow was ever funded.
func (e *Escrow) Exists() bool {
	return e != nil && e.Status != EscrowNone
}

func decodeEscrow(parsed abi.ABI, taskID common.Hash, data []byte) (*Escrow, error) {
	values, err := parsed.Unpack(OpGetEscrow, data)
	if err != nil {
		return nil, fmt.Errorf("unpack getEscrow: %w", err)
	}
	if len(values) != 9 {
		return nil, fmt.Errorf("unpack getEscrow: expected 9 values, got %d", len(values))
	}

	e := &Escrow{TaskID: taskID}
	var ok bool
	if e.Client, ok = values[0].(common.Address); !ok {
		return nil, fmt.Errorf("unpack getEscrow: client has type %T", values[0])
	}
	if e.Worker, ok = values[1].(common.Address); !ok {
		return nil, fmt.Errorf("unpack getEscrow: worker has type %T", values[1])
	}
	if e.Amount, ok = values[2].(*big.Int); !ok {
		return nil, fmt.Errorf("unpack getEscrow: amount has type %T", values[2])
	}
	if e.MarketplaceFeeBps, ok = values[3].(uint16); !ok {
		return nil, fmt.Errorf("unpack getEscrow: marketplaceFeeBps has type %T", values[3])
	}
	if e.VerifierFeeBps, ok = values[4].(uint16); !ok {
		return nil, fmt.Errorf("unpack getEscrow: verifierFeeBps has type %T", values[4])
	}
	status, ok := values[5].(uint8)
	if !ok {
		return nil, fmt.Errorf("unpack getEscrow: status has type %T", values[5])
	}
	e.Status = EscrowStatus(status)
	if e.ApprovalsRequired, ok = values[6].(uint8); !ok {
		return nil, fmt.Errorf("unpack getEscrow: approvalsRequired has type %T", values[6])
	}
	if e.ReleaseApprovals, ok = values[7].(uint8); !ok {
		return nil, fmt.Errorf("unpack getEscrow: releaseApprovals has type %T", values[7])
	}
	if e.RefundApprovals, ok = values[8].(uint8); !ok {
		return nil, fmt.Errorf("unpack getEscrow: refundApprovals has type %T", values[8])
	}
	return e, nil
}
