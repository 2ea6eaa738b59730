// Package payments owns the durable Payment record that mirrors one escrow
// through its lifecycle, and the application API that drives it.
package payments

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/escrow"
	"github.com/mbd888/taskescrow/internal/events"
)

var (
	ErrPaymentNotFound   = errors.New("payments: payment not found")
	ErrInvalidTransition = errors.New("payments: invalid status transition")
	ErrDuplicatePayment  = errors.New("payments: payment already exists")
)

// Metadata keys written by the service.
const (
	MetaMode                 = "mode"
	MetaDescription          = "description"
	MetaUsedDefaultVerifiers = "used_default_verifiers"
	MetaFeeSplit             = "fee_split"
	MetaReceipt              = "receipt"
	MetaReleaseReceipt       = "release_receipt"
	MetaRefundReceipt        = "refund_receipt"
	MetaVerificationNotes    = "verification_notes"
	MetaRejectionReason      = "rejection_reason"
	MetaRejectedAt           = "rejected_at"
	MetaFailureReason        = "failure_reason"
	MetaLastError            = "last_error"
)

// Payment mirrors one escrow. It is never deleted; Messages keeps the
// latest lifecycle message of each type.
type Payment struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	FromAgentID     string          `json:"from_agent_id"`
	ToAgentID       string          `json:"to_agent_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          escrow.Status   `json:"status"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	AuthorizationID string          `json:"authorization_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`

	Metadata map[string]any                                 `json:"metadata"`
	Messages map[events.MessageType]events.LifecycleMessage `json:"messages"`

	// PendingOp and PendingTxID name a ledger call whose outcome is not
	// yet known. The reconciler clears them.
	PendingOp   string `json:"pending_op,omitempty"`
	PendingTxID string `json:"pending_tx_id,omitempty"`
}

// ThreadID returns the correlation id stored at creation.
func (p *Payment) ThreadID() string {
	return escrow.MetaString(p.Metadata, escrow.MetaThreadID)
}

// Envelope returns the common message fields for p.
func (p *Payment) Envelope() events.Envelope {
	return events.Envelope{
		PaymentID: p.ID,
		TaskID:    p.TaskID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		FromAgent: p.FromAgentID,
		ToAgent:   p.ToAgentID,
		ThreadID:  p.ThreadID(),
	}
}

// Request rebuilds the escrow request the payment was created from.
func (p *Payment) Request() escrow.Request {
	return escrow.Request{
		PaymentID:   p.ID,
		FromAccount: p.FromAgentID,
		ToAccount:   p.ToAgentID,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Metadata:    p.Metadata,
	}
}

// Clone returns a copy whose maps can be modified independently.
func (p *Payment) Clone() *Payment {
	cp := *p
	cp.Metadata = maps.Clone(p.Metadata)
	cp.Messages = maps.Clone(p.Messages)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Transition describes one status change.
type Transition struct {
	Status          escrow.Status
	TransactionID   string
	AuthorizationID string
	Message         *events.LifecycleMessage
	Metadata        map[string]any

	PendingOp    string
	PendingTxID  string
	ClearPending bool
}

var allowed = map[escrow.Status][]escrow.Status{
	escrow.StatusPending:    {escrow.StatusPending, escrow.StatusAuthorized, escrow.StatusFailed},
	escrow.StatusAuthorized: {escrow.StatusAuthorized, escrow.StatusCompleted, escrow.StatusRefunded, escrow.StatusFailed},
}

// apply moves p according to t. A terminal payment is left untouched and
// applied reports false.
func apply(p *Payment, t Transition, now time.Time) (applied bool, err error) {
	if p.Status.Terminal() {
		return false, nil
	}
	if !t.Status.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, t.Status)
	}
	ok := false
	for _, s := range allowed[p.Status] {
		if s == t.Status {
			ok = true
			break
		}
	}
	if !ok {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, t.Status)
	}

	p.Status = t.Status
	if t.TransactionID != "" {
		p.TransactionID = t.TransactionID
	}
	if t.AuthorizationID != "" {
		p.AuthorizationID = t.AuthorizationID
	}
	if t.Status.Terminal() {
		ts := now.UTC()
		p.CompletedAt = &ts
	}
	if len(t.Metadata) > 0 {
		if p.Metadata == nil {
			p.Metadata = make(map[string]any, len(t.Metadata))
		}
		maps.Copy(p.Metadata, t.Metadata)
	}
	if t.Message != nil {
		if p.Messages == nil {
			p.Messages = make(map[events.MessageType]events.LifecycleMessage)
		}
		p.Messages[t.Message.Type] = *t.Message
	}
	switch {
	case t.PendingTxID != "":
		p.PendingOp, p.PendingTxID = t.PendingOp, t.PendingTxID
	case t.ClearPending:
		p.PendingOp, p.PendingTxID = "", ""
	}
	p.UpdatedAt = now.UTC()
	return true, nil
}
