package payments

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskescrow/internal/chain"
	"github.com/mbd888/taskescrow/internal/escrow"
	"github.com/mbd888/taskescrow/internal/events"
)

const (
	verifier1 = "0x1111111111111111111111111111111111111111"
	verifier2 = "0x2222222222222222222222222222222222222222"
)

// fakeLedger counts votes against an in-memory escrow.
type fakeLedger struct {
	mu sync.Mutex

	createErr  error
	approveErr error
	statusErr  error

	// revertVotes makes the next n votes revert without touching the escrow.
	revertVotes int
	// onCreate runs before CreateEscrow takes the lock.
	onCreate func(p chain.CreateParams)

	escrow   *chain.Escrow
	votes    []string
	fundOpts []chain.TxOptions
	voteOpts []chain.TxOptions
}

func (f *fakeLedger) CreateEscrow(_ context.Context, p chain.CreateParams, opts chain.TxOptions) (*chain.Receipt, error) {
	if f.onCreate != nil {
		f.onCreate(p)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundOpts = append(f.fundOpts, opts)
	if f.createErr != nil {
		return nil, f.createErr
	}
	amount, err := chain.ToSmallestUnit(p.Amount)
	if err != nil {
		return nil, err
	}
	f.escrow = &chain.Escrow{
		Worker:            p.Worker,
		Amount:            amount,
		Status:            chain.EscrowFunded,
		ApprovalsRequired: uint8(p.ApprovalsRequired),
	}
	return &chain.Receipt{TxHash: "0xfund", Success: true}, nil
}

func (f *fakeLedger) ApproveRelease(_ context.Context, _ common.Hash, opts chain.TxOptions) (*chain.Receipt, error) {
	return f.vote(escrow.OpRelease, opts)
}

func (f *fakeLedger) ApproveRefund(_ context.Context, _ common.Hash, opts chain.TxOptions) (*chain.Receipt, error) {
	return f.vote(escrow.OpRefund, opts)
}

func (f *fakeLedger) vote(op string, opts chain.TxOptions) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, op)
	f.voteOpts = append(f.voteOpts, opts)
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	if f.revertVotes > 0 {
		f.revertVotes--
		return nil, &chain.TxError{Op: op, TxHash: "0xdup", Reason: "already voted", Err: chain.ErrTransactionReverted}
	}
	e := *f.escrow
	if op == escrow.OpRelease {
		e.ReleaseApprovals++
		if e.ReleaseApprovals >= e.ApprovalsRequired {
			e.Status = chain.EscrowReleased
		}
	} else {
		e.RefundApprovals++
		if e.RefundApprovals >= e.ApprovalsRequired {
			e.Status = chain.EscrowRefunded
		}
	}
	f.escrow = &e
	cp := e
	return &chain.Receipt{TxHash: "0x" + op, Success: true, Escrow: &cp}, nil
}

func (f *fakeLedger) GetEscrow(context.Context, common.Hash) (*chain.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.escrow == nil {
		return &chain.Escrow{Amount: big.NewInt(0)}, nil
	}
	cp := *f.escrow
	return &cp, nil
}

func (f *fakeLedger) TransactionStatus(_ context.Context, tx string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return &chain.Receipt{TxHash: tx}, f.statusErr
	}
	return &chain.Receipt{TxHash: tx, Success: true}, nil
}

func (f *fakeLedger) set(fn func(f *fakeLedger)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// recordingPublisher captures published messages.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []events.LifecycleMessage
}

func (r *recordingPublisher) Publish(_ context.Context, msg events.LifecycleMessage, _ ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingPublisher) ofType(t events.MessageType) []events.LifecycleMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.LifecycleMessage
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	ledger  *fakeLedger
	store   *MemoryStore
	pub     *recordingPublisher
	service *Service
}

// newHarness builds a Service over ledger; a nil ledger runs offline.
func newHarness(t *testing.T, ledger *fakeLedger) *harness {
	t.Helper()
	var l escrow.Ledger
	if ledger != nil {
		l = ledger
	}
	h := &harness{ledger: ledger, store: NewMemoryStore(), pub: &recordingPublisher{}}
	h.service = NewService(h.store, escrow.NewManager(l, escrow.Defaults{}), h.pub,
		WithClock(func() time.Time { return testNow }))
	return h
}

func scenarioRequest() escrow.Request {
	return escrow.Request{
		PaymentID:   "pay_1",
		FromAccount: "client-agent",
		ToAccount:   "0.0.2002",
		Amount:      decimal.RequireFromString("1.5"),
		Currency:    "HBAR",
		Metadata: map[string]any{
			escrow.MetaTaskID:            "task-42",
			escrow.MetaVerifierAddresses: []string{verifier1, verifier2},
			escrow.MetaApprovalsRequired: 2,
			escrow.MetaMarketplaceFeeBps: 250,
			escrow.MetaVerifierFeeBps:    100,
		},
	}
}

// authorized creates and funds the scenario payment.
func (h *harness) authorized(t *testing.T) *Payment {
	t.Helper()
	ctx := context.Background()
	_, err := h.service.Create(ctx, scenarioRequest())
	require.NoError(t, err)
	p, err := h.service.Authorize(ctx, "pay_1", chain.TxOptions{})
	require.NoError(t, err)
	require.Equal(t, escrow.StatusAuthorized, p.Status)
	return p
}
