package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/mbd888/taskescrow/internal/chain"
	"github.com/mbd888/taskescrow/internal/escrow"
	"github.com/mbd888/taskescrow/internal/events"
	"github.com/mbd888/taskescrow/internal/logging"
	"github.com/mbd888/taskescrow/internal/metrics"
	"github.com/mbd888/taskescrow/internal/syncutil"
	"github.com/mbd888/taskescrow/internal/traces"
)

// Application operations.
const (
	OpCreate    = "create"
	OpAuthorize = "authorize"
	OpRelease   = "release"
	OpRefund    = "refund"
	OpReconcile = "reconcile"
)

// DefaultVerifierAgent signs release and refund messages when none is configured.
const DefaultVerifierAgent = "verifier-agent"

// SettlementError carries the operation and payment a failure belongs to.
type SettlementError struct {
	Op        string
	PaymentID string
	Err       error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("payments: %s %s: %v", e.Op, e.PaymentID, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Service is the application API over payments. Every method that reaches
// the ledger returns the last persisted Payment alongside any error, so
// callers can tell "nothing happened" from "outcome uncertain".
type Service struct {
	store         Store
	manager       *escrow.Manager
	publisher     events.Publisher
	verifierAgent string
	defaultPayer  string
	locks         *syncutil.KeyedMutex
	now           func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithVerifierAgent sets the sender id of release and refund messages.
func WithVerifierAgent(id string) ServiceOption {
	return func(s *Service) {
		if id != "" {
			s.verifierAgent = id
		}
	}
}

// WithDefaultPayer sets the paying agent for requests without a FromAccount.
func WithDefaultPayer(id string) ServiceOption {
	return func(s *Service) { s.defaultPayer = id }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, manager *escrow.Manager, publisher events.Publisher, opts ...ServiceOption) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	s := &Service{
		store:         store,
		manager:       manager,
		publisher:     publisher,
		verifierAgent: DefaultVerifierAgent,
		locks:         syncutil.NewKeyedMutex(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Manager exposes the escrow manager for ledger reads.
func (s *Service) Manager() *escrow.Manager { return s.manager }

// Create records a pending payment and publishes its proposal. All escrow
// parameters are resolved and validated here, before any ledger call.
func (s *Service) Create(ctx context.Context, req escrow.Request) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.Create",
		traces.PaymentID(req.PaymentID), traces.Amount(req.Amount.String()))
	defer span.End()

	if req.FromAccount == "" {
		req.FromAccount = s.defaultPayer
	}
	params, err := s.manager.Resolve(req)
	if err != nil {
		traces.RecordError(span, err)
		return nil, &SettlementError{Op: OpCreate, PaymentID: req.PaymentID, Err: err}
	}

	now := s.now().UTC()
	md := escrow.WithoutSecrets(req.Metadata)
	thread := escrow.MetaString(md, escrow.MetaThreadID)
	if thread == "" {
		thread = events.ThreadID(params.TaskID, req.PaymentID)
	}
	maps.Copy(md, map[string]any{
		escrow.MetaTaskID:            params.TaskID,
		escrow.MetaWorkerAddress:     params.Worker.Hex(),
		escrow.MetaVerifierAddresses: params.VerifierStrings(),
		escrow.MetaApprovalsRequired: params.ApprovalsRequired,
		escrow.MetaMarketplaceFeeBps: params.MarketplaceFeeBps,
		escrow.MetaVerifierFeeBps:    params.VerifierFeeBps,
		escrow.MetaThreadID:          thread,
		MetaUsedDefaultVerifiers:     params.UsedDefaultVerifiers,
		MetaFeeSplit:                 escrow.SplitFees(params),
		MetaMode:                     s.manager.Mode(),
	})
	if req.Description != "" {
		md[MetaDescription] = req.Description
	}

	p := &Payment{
		ID:          req.PaymentID,
		TaskID:      params.TaskID,
		FromAgentID: req.FromAccount,
		ToAgentID:   req.ToAccount,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      escrow.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    md,
	}
	proposal := events.NewProposal(p.Envelope(), events.Terms{
		WorkerAddress:     params.Worker.Hex(),
		VerifierAddresses: params.VerifierStrings(),
		ApprovalsRequired: params.ApprovalsRequired,
		MarketplaceFeeBps: params.MarketplaceFeeBps,
		VerifierFeeBps:    params.VerifierFeeBps,
	}, now)
	p.Messages = map[events.MessageType]events.LifecycleMessage{proposal.Type: proposal}

	if err := s.store.Create(ctx, p); err != nil {
		traces.RecordError(span, err)
		return nil, &SettlementError{Op: OpCreate, PaymentID: p.ID, Err: err}
	}

	metrics.SettlementsTotal.WithLabelValues(OpCreate, string(p.Status)).Inc()
	logging.L(ctx).Info("payment proposed",
		"payment_id", p.ID, "task_id", p.TaskID, "amount", p.Amount.String(),
		"verifiers", len(params.Verifiers), "approvals_required", params.ApprovalsRequired)
	s.publisher.Publish(ctx, proposal)
	return p, nil
}

// Authorize funds the escrow of a pending payment. signer overrides the
// funding key; its zero value uses the payment's metadata, then the
// operator key. Authorizing an authorized or terminal payment is a no-op.
func (s *Service) Authorize(ctx context.Context, id string, signer chain.TxOptions) (*Payment, error) {
	return s.settle(ctx, OpAuthorize, id, "", func(ctx context.Context, p *Payment) (*escrow.Settlement, error) {
		if p.Status != escrow.StatusPending {
			return nil, nil
		}
		params, err := s.manager.Resolve(p.Request())
		if err != nil {
			return nil, err
		}
		if signer == (chain.TxOptions{}) {
			signer = escrow.FundingOptions(p.Metadata)
		}
		return s.manager.Fund(ctx, params, signer)
	})
}

// Release casts a release vote. The payment completes only once the
// ledger reports the escrow released; below quorum it stays authorized.
func (s *Service) Release(ctx context.Context, id, notes string, signer chain.TxOptions) (*Payment, error) {
	return s.settle(ctx, OpRelease, id, notes, func(ctx context.Context, p *Payment) (*escrow.Settlement, error) {
		if err := requireAuthorized(p, OpRelease); err != nil || p.Status.Terminal() {
			return nil, err
		}
		return s.manager.Release(ctx, p.TaskID, s.voteOptions(p, signer))
	})
}

// Refund casts a refund vote with the verifier's rejection reason.
func (s *Service) Refund(ctx context.Context, id, reason string, signer chain.TxOptions) (*Payment, error) {
	return s.settle(ctx, OpRefund, id, reason, func(ctx context.Context, p *Payment) (*escrow.Settlement, error) {
		if err := requireAuthorized(p, OpRefund); err != nil || p.Status.Terminal() {
			return nil, err
		}
		return s.manager.Refund(ctx, p.TaskID, s.voteOptions(p, signer))
	})
}

func (s *Service) voteOptions(p *Payment, signer chain.TxOptions) chain.TxOptions {
	if signer != (chain.TxOptions{}) {
		return signer
	}
	return s.manager.VerifierOptions(p.Metadata)
}

func requireAuthorized(p *Payment, op string) error {
	if p.Status == escrow.StatusPending {
		return fmt.Errorf("%w: %s requires an authorized payment, %s is pending", ErrInvalidTransition, op, p.ID)
	}
	return nil
}

// Get returns a payment with its full message history.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// ListByTask returns the payments of a task, newest first.
func (s *Service) ListByTask(ctx context.Context, taskID string, limit int, opts ...ListOption) ([]*Payment, error) {
	return s.store.ListByTask(ctx, taskID, limit, opts...)
}

// Reconcile re-checks the unresolved ledger call of payment id, if any.
func (s *Service) Reconcile(ctx context.Context, id string) (*Payment, error) {
	checked := false
	p, err := s.settle(ctx, OpReconcile, id, "", func(ctx context.Context, p *Payment) (*escrow.Settlement, error) {
		if p.PendingTxID == "" {
			return nil, nil
		}
		checked = true
		return s.manager.Recheck(ctx, p.PendingOp, p.TaskID, p.PendingTxID)
	})
	if checked && p != nil && p.PendingTxID == "" {
		metrics.PendingReconciledTotal.WithLabelValues(string(p.Status)).Inc()
	}
	return p, err
}

type ledgerCall func(ctx context.Context, p *Payment) (*escrow.Settlement, error)

// settle serializes actions per payment, runs call, and records what the
// ledger reported. call returns (nil, nil) when there is nothing to do.
func (s *Service) settle(ctx context.Context, op, id, note string, call ledgerCall) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payments."+op, traces.PaymentID(id))
	defer span.End()
	ctx = logging.WithAttrs(ctx, "payment_id", id, "op", op)

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, &SettlementError{Op: op, PaymentID: id, Err: err}
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, &SettlementError{Op: op, PaymentID: id, Err: err}
	}
	if p.PendingTxID != "" && op != OpReconcile {
		err := fmt.Errorf("%w: %s transaction %s unresolved", chain.ErrTransactionPending, p.PendingOp, p.PendingTxID)
		return p, &SettlementError{Op: op, PaymentID: id, Err: err}
	}

	st, callErr := call(ctx, p)
	if st == nil {
		if callErr != nil {
			outcome := "rejected"
			if chain.IsPending(callErr) {
				outcome = "unresolved"
			}
			metrics.SettlementsTotal.WithLabelValues(op, outcome).Inc()
			traces.RecordError(span, callErr)
			return p, &SettlementError{Op: op, PaymentID: id, Err: callErr}
		}
		return p, nil
	}

	updated, err := s.record(ctx, p, st, callErr, note)
	metrics.SettlementsTotal.WithLabelValues(op, string(st.Status)).Inc()
	if err != nil {
		traces.RecordError(span, err)
	}
	return updated, err
}

// record persists a Settlement. A pending settlement keeps the status and
// remembers the transaction for the reconciler.
func (s *Service) record(ctx context.Context, p *Payment, st *escrow.Settlement, callErr error, note string) (*Payment, error) {
	log := logging.L(ctx)
	op := st.Op
	opMeta := noteKey(op)

	if st.Status == escrow.StatusPending {
		t := Transition{
			Status:        p.Status,
			TransactionID: st.TransactionID,
			PendingOp:     op,
			PendingTxID:   st.TransactionID,
			Metadata:      map[string]any{MetaLastError: errString(callErr)},
		}
		if opMeta != "" && note != "" {
			t.Metadata[opMeta] = note
		}
		updated, err := s.store.Transition(ctx, p.ID, t)
		if err != nil {
			callErr = errors.Join(callErr, err)
		}
		log.Warn("ledger outcome unknown, payment left for reconciliation",
			"tx_hash", st.TransactionID, "error", callErr)
		return orPayment(updated, p), &SettlementError{Op: op, PaymentID: p.ID, Err: callErr}
	}

	if note == "" && opMeta != "" {
		note = escrow.MetaString(p.Metadata, opMeta)
	}

	t := Transition{
		Status:        st.Status,
		TransactionID: st.TransactionID,
		ClearPending:  true,
		Metadata:      map[string]any{MetaMode: st.Mode},
	}

	if callErr != nil {
		reason := st.Reason
		if reason == "" {
			reason = callErr.Error()
		}
		if st.Status == escrow.StatusFailed {
			t.Metadata[MetaFailureReason] = reason
		} else {
			// The escrow outlived the revert; keep what the ledger reports.
			t.TransactionID = ""
			t.Metadata[MetaLastError] = reason
		}
		updated, err := s.store.Transition(ctx, p.ID, t)
		if err != nil {
			callErr = errors.Join(callErr, err)
		}
		log.Warn("ledger transaction reverted",
			"tx_hash", st.TransactionID, "reason", reason, "escrow_status", st.Status)
		return orPayment(updated, p), &SettlementError{Op: op, PaymentID: p.ID, Err: callErr}
	}

	msg := s.message(p, st, note)
	t.Message = &msg
	switch op {
	case escrow.OpFund:
		t.AuthorizationID = st.TransactionID
		t.Metadata[MetaReceipt] = st
	case escrow.OpRelease:
		t.Metadata[MetaReleaseReceipt] = st
		t.Metadata[MetaVerificationNotes] = note
	case escrow.OpRefund:
		t.Metadata[MetaRefundReceipt] = st
		t.Metadata[MetaRejectionReason] = note
		t.Metadata[MetaRejectedAt] = st.Timestamp
	}

	updated, err := s.store.Transition(ctx, p.ID, t)
	if err != nil {
		return orPayment(updated, p), &SettlementError{Op: op, PaymentID: p.ID, Err: err}
	}
	if stored, ok := updated.Messages[msg.Type]; ok && stored.ID == msg.ID {
		s.publisher.Publish(ctx, msg)
	}
	log.Info("payment settled", "status", updated.Status, "tx_hash", st.TransactionID, "mode", st.Mode)
	return updated, nil
}

func (s *Service) message(p *Payment, st *escrow.Settlement, note string) events.LifecycleMessage {
	now := s.now()
	env := p.Envelope()
	switch st.Op {
	case escrow.OpRelease:
		env.FromAgent, env.ToAgent = s.verifierAgent, p.FromAgentID
		return events.NewReleased(env, st.TransactionID, string(st.Status), note, st.Mode, now)
	case escrow.OpRefund:
		env.FromAgent, env.ToAgent = s.verifierAgent, p.FromAgentID
		return events.NewRefunded(env, st.TransactionID, string(st.Status), note, st.Mode, now)
	default:
		return events.NewAuthorized(env, st.TransactionID, st.Mode, now)
	}
}

func noteKey(op string) string {
	switch op {
	case escrow.OpRelease:
		return MetaVerificationNotes
	case escrow.OpRefund:
		return MetaRejectionReason
	}
	return ""
}

func orPayment(updated, fallback *Payment) *Payment {
	if updated != nil {
		return updated
	}
	return fallback
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
