package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/taskescrow/internal/chain"
	"github.com/mbd888/taskescrow/internal/idgen"
	"github.com/mbd888/taskescrow/internal/logging"
	"github.com/mbd888/taskescrow/internal/metrics"
)

// Settlement modes recorded in payment metadata.
const (
	ModeOnChain = "onchain"
	ModeOffline = "offline"
)

// Settlement operations.
const (
	OpFund    = "fund"
	OpRelease = "release"
	OpRefund  = "refund"
)

// ErrOffline is returned by ledger reads while running offline.
var ErrOffline = errors.New("escrow: ledger disabled (offline mode)")

// Ledger is the escrow contract surface. *chain.Client implements it.
type Ledger interface {
	CreateEscrow(ctx context.Context, p chain.CreateParams, opts chain.TxOptions) (*chain.Receipt, error)
	ApproveRelease(ctx context.Context, taskID common.Hash, opts chain.TxOptions) (*chain.Receipt, error)
	ApproveRefund(ctx context.Context, taskID common.Hash, opts chain.TxOptions) (*chain.Receipt, error)
	GetEscrow(ctx context.Context, taskID common.Hash) (*chain.Escrow, error)
	TransactionStatus(ctx context.Context, txHash string) (*chain.Receipt, error)
}

// Settlement is the outcome of one ledger action as the payment sees it.
type Settlement struct {
	Op            string         `json:"op"`
	Status        Status         `json:"status"`
	TransactionID string         `json:"transaction_id"`
	Mode          string         `json:"mode"`
	Timestamp     time.Time      `json:"timestamp"`
	Receipt       *chain.Receipt `json:"receipt,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// Manager runs escrow actions against a Ledger, or synthesizes receipts
// when no ledger is configured.
type Manager struct {
	ledger      Ledger
	defaults    Defaults
	verifierKey string
	now         func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithVerifierKey sets the key that signs release and refund votes when a
// request carries no override.
func WithVerifierKey(hexKey string) ManagerOption {
	return func(m *Manager) { m.verifierKey = hexKey }
}

// WithManagerClock overrides time.Now.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager. A nil ledger selects offline mode.
func NewManager(ledger Ledger, d Defaults, opts ...ManagerOption) *Manager {
	m := &Manager{ledger: ledger, defaults: d, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Offline reports whether settlements are simulated.
func (m *Manager) Offline() bool { return m.ledger == nil }

// Mode returns ModeOffline or ModeOnChain.
func (m *Manager) Mode() string {
	if m.Offline() {
		return ModeOffline
	}
	return ModeOnChain
}

// Resolve resolves req against the configured defaults.
func (m *Manager) Resolve(req Request) (Params, error) {
	return ResolveParams(req, m.defaults)
}

// FundingOptions picks the signer for createEscrow from request metadata.
func FundingOptions(md map[string]any) chain.TxOptions {
	return chain.TxOptions{
		PrivateKey: MetaString(md, MetaFundingKey),
		KeySeed:    MetaString(md, MetaFundingKeySeed),
	}
}

// VerifierOptions picks the signer for a vote: md overrides, then the
// configured verifier key, then the operator key.
func (m *Manager) VerifierOptions(md map[string]any) chain.TxOptions {
	opts := chain.TxOptions{
		PrivateKey: MetaString(md, MetaVerifierKey),
		KeySeed:    MetaString(md, MetaVerifierKeySeed),
	}
	if opts.PrivateKey == "" && opts.KeySeed == "" {
		opts.PrivateKey = m.verifierKey
	}
	return opts
}

// Fund creates and funds the escrow described by p.
func (m *Manager) Fund(ctx context.Context, p Params, opts chain.TxOptions) (*Settlement, error) {
	if m.Offline() {
		return m.offline(ctx, OpFund, p.TaskID, StatusAuthorized), nil
	}

	rec, err := m.ledger.CreateEscrow(ctx, p.CreateParams(), opts)
	if err != nil {
		return m.failure(OpFund, rec, err), err
	}
	return m.settled(OpFund, rec, StatusAuthorized), nil
}

// Release casts a release vote for taskID. The resulting status comes
// from the escrow as read after the vote.
func (m *Manager) Release(ctx context.Context, taskID string, opts chain.TxOptions) (*Settlement, error) {
	return m.vote(ctx, OpRelease, taskID, opts)
}

// Refund casts a refund vote for taskID.
func (m *Manager) Refund(ctx context.Context, taskID string, opts chain.TxOptions) (*Settlement, error) {
	return m.vote(ctx, OpRefund, taskID, opts)
}

func (m *Manager) vote(ctx context.Context, op, taskID string, opts chain.TxOptions) (*Settlement, error) {
	if m.Offline() {
		status := StatusCompleted
		if op == OpRefund {
			status = StatusRefunded
		}
		return m.offline(ctx, op, taskID, status), nil
	}

	approve := m.ledger.ApproveRelease
	if op == OpRefund {
		approve = m.ledger.ApproveRefund
	}
	rec, err := approve(ctx, chain.TaskID(taskID), opts)
	if err != nil {
		return m.voteFailure(ctx, op, taskID, rec, err), err
	}
	status := StatusFailed
	if rec.Escrow != nil {
		status = MapStatus(rec.Escrow.Status)
	}
	return m.settled(op, rec, status), nil
}

// Recheck looks up a transaction whose outcome was unknown. A nil
// Settlement means it is still unknown; a reverted transaction yields a
// failed Settlement together with the revert error.
func (m *Manager) Recheck(ctx context.Context, op, taskID, txID string) (*Settlement, error) {
	if m.Offline() {
		return nil, ErrOffline
	}

	rec, err := m.ledger.TransactionStatus(ctx, txID)
	switch {
	case chain.IsReverted(err) && op == OpFund:
		return m.failure(op, rec, err), err
	case chain.IsReverted(err):
		return m.voteFailure(ctx, op, taskID, rec, err), err
	case err != nil:
		return nil, err
	}

	if op == OpFund {
		return m.settled(op, rec, StatusAuthorized), nil
	}
	escrow, err := m.ledger.GetEscrow(ctx, chain.TaskID(taskID))
	if err != nil {
		return nil, fmt.Errorf("recheck %s: %w", txID, err)
	}
	rec.Escrow = escrow
	return m.settled(op, rec, MapStatus(escrow.Status)), nil
}

// Inspect reads the escrow for taskID. A never-created escrow is
// chain.ErrEscrowNotFound.
func (m *Manager) Inspect(ctx context.Context, taskID string) (*chain.Escrow, error) {
	if m.Offline() {
		return nil, ErrOffline
	}
	escrow, err := m.ledger.GetEscrow(ctx, chain.TaskID(taskID))
	if err != nil {
		return nil, err
	}
	if !escrow.Exists() {
		return nil, fmt.Errorf("%w: task %s", chain.ErrEscrowNotFound, taskID)
	}
	return escrow, nil
}

func (m *Manager) offline(ctx context.Context, op, taskID string, status Status) *Settlement {
	metrics.OfflineSettlementsTotal.WithLabelValues(op).Inc()
	s := &Settlement{
		Op:            op,
		Status:        status,
		TransactionID: idgen.Offline(),
		Mode:          ModeOffline,
		Timestamp:     m.now().UTC(),
	}
	logging.L(ctx).Info("offline settlement synthesized",
		"op", op, "task_id", taskID, "transaction_id", s.TransactionID)
	return s
}

func (m *Manager) settled(op string, rec *chain.Receipt, status Status) *Settlement {
	s := &Settlement{Op: op, Status: status, Mode: ModeOnChain, Timestamp: m.now().UTC(), Receipt: rec}
	if rec != nil {
		s.TransactionID = rec.TxHash
	}
	return s
}

// voteFailure is failure for a release or refund vote. A reverted vote
// takes its status from the escrow as read afterwards, so a duplicate vote
// on a funded escrow leaves the payment authorized. When that read fails the
// outcome is unknown and the settlement is pending.
func (m *Manager) voteFailure(ctx context.Context, op, taskID string, rec *chain.Receipt, err error) *Settlement {
	s := m.failure(op, rec, err)
	if s == nil || !chain.IsReverted(err) {
		return s
	}

	escrow, readErr := m.ledger.GetEscrow(ctx, chain.TaskID(taskID))
	if readErr != nil {
		logging.L(ctx).Warn("escrow read after reverted vote failed",
			"op", op, "task_id", taskID, "tx_hash", s.TransactionID, "error", readErr)
		s.Status = StatusPending
		return s
	}
	s.Status = MapStatus(escrow.Status)
	if s.Receipt != nil {
		s.Receipt.Escrow = escrow
	}
	return s
}

// failure describes what a ledger error means for the payment. It is nil
// when nothing reached the ledger and the payment should not move.
func (m *Manager) failure(op string, rec *chain.Receipt, err error) *Settlement {
	var status Status
	switch {
	case chain.IsReverted(err):
		status = StatusFailed
	case chain.IsPending(err):
		status = StatusPending
	default:
		return nil
	}

	s := m.settled(op, rec, status)
	s.Reason = chain.RevertReason(err)
	var txErr *chain.TxError
	if s.TransactionID == "" && errors.As(err, &txErr) {
		s.TransactionID = txErr.TxHash
	}
	return s
}
