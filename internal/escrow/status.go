// Package escrow turns payment requests into escrow parameters, drives the
// ledger (or its offline stand-in) and maps ledger state to payment status.
package escrow

import "github.com/mbd888/taskescrow/internal/chain"

// Status is the application-level state of a payment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAuthorized, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// MapStatus maps an on-chain escrow status to a payment status. Funded is
// still authorized (quorum not reached); None and unknown values are failed.
func MapStatus(s chain.EscrowStatus) Status {
	switch s {
	case chain.EscrowReleased:
		return StatusCompleted
	case chain.EscrowRefunded:
		return StatusRefunded
	case chain.EscrowFunded:
		return StatusAuthorized
	default:
		return StatusFailed
	}
}
