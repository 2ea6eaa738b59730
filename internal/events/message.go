// Package events builds and publishes payment lifecycle messages.
//
// Every state change of a payment produces one LifecycleMessage. All
// messages of a payment share a thread id so consumers can correlate the
// proposal, authorization and settlement of one escrow.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/idgen"
)

// MessageType identifies a lifecycle transition.
type MessageType string

const (
	TypeProposal   MessageType = "payment/proposal"
	TypeAuthorized MessageType = "payment/authorized"
	TypeReleased   MessageType = "payment/released"
	TypeRefunded   MessageType = "payment/refunded"
)

// Tags returns the default routing tags, e.g. ["payment", "authorized"].
func (t MessageType) Tags() []string {
	family, event, ok := strings.Cut(string(t), "/")
	if !ok {
		return []string{string(t)}
	}
	return []string{family, event}
}

// Terms are the escrow parameters announced in a proposal.
type Terms struct {
	WorkerAddress     string   `json:"worker_address,omitempty"`
	VerifierAddresses []string `json:"verifier_addresses"`
	ApprovalsRequired int      `json:"approvals_required"`
	MarketplaceFeeBps int      `json:"marketplace_fee_bps"`
	VerifierFeeBps    int      `json:"verifier_fee_bps"`
}

// LifecycleMessage is the envelope emitted on every payment transition.
type LifecycleMessage struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	PaymentID     string          `json:"payment_id"`
	TaskID        string          `json:"task_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	FromAgent     string          `json:"from_agent"`
	ToAgent       string          `json:"to_agent"`
	TransactionID string          `json:"transaction_id,omitempty"`
	ThreadID      string          `json:"thread_id"`
	Timestamp     time.Time       `json:"timestamp"`

	Status            string `json:"status,omitempty"`
	Mode              string `json:"mode,omitempty"`
	Terms             *Terms `json:"terms,omitempty"`
	VerificationNotes string `json:"verification_notes,omitempty"`
	RejectionReason   string `json:"rejection_reason,omitempty"`
}

var threadNamespace = uuid.MustParse("0b6f1c9e-52d4-4a8e-9d57-3c2a9f0e7d41")

// ThreadID derives the correlation id shared by all messages of a payment.
// It is stable for a (taskID, paymentID) pair.
func ThreadID(taskID, paymentID string) string {
	return "thr_" + uuid.NewSHA1(threadNamespace, []byte(taskID+"\x00"+paymentID)).String()
}

// Envelope holds the fields common to every message of a payment.
type Envelope struct {
	PaymentID string
	TaskID    string
	Amount    decimal.Decimal
	Currency  string
	FromAgent string
	ToAgent   string
	ThreadID  string
}

func (e Envelope) message(t MessageType, now time.Time) LifecycleMessage {
	thread := e.ThreadID
	if thread == "" {
		thread = ThreadID(e.TaskID, e.PaymentID)
	}
	return LifecycleMessage{
		ID:        idgen.WithPrefix("msg_"),
		Type:      t,
		PaymentID: e.PaymentID,
		TaskID:    e.TaskID,
		Amount:    e.Amount,
		Currency:  e.Currency,
		FromAgent: e.FromAgent,
		ToAgent:   e.ToAgent,
		ThreadID:  thread,
		Timestamp: now.UTC(),
	}
}

// NewProposal announces a settlement and its escrow terms.
func NewProposal(e Envelope, terms Terms, now time.Time) LifecycleMessage {
	m := e.message(TypeProposal, now)
	m.Status = "pending"
	m.Terms = &terms
	return m
}

// NewAuthorized reports that the escrow was funded.
func NewAuthorized(e Envelope, txID, mode string, now time.Time) LifecycleMessage {
	m := e.message(TypeAuthorized, now)
	m.TransactionID = txID
	m.Status = "authorized"
	m.Mode = mode
	return m
}

// NewReleased reports a release vote and the resulting payment status.
func NewReleased(e Envelope, txID, status, notes, mode string, now time.Time) LifecycleMessage {
	m := e.message(TypeReleased, now)
	m.TransactionID = txID
	m.Status = status
	m.VerificationNotes = notes
	m.Mode = mode
	return m
}

// NewRefunded reports a refund vote and the resulting payment status.
func NewRefunded(e Envelope, txID, status, reason, mode string, now time.Time) LifecycleMessage {
	m := e.message(TypeRefunded, now)
	m.TransactionID = txID
	m.Status = status
	m.RejectionReason = reason
	m.Mode = mode
	return m
}
