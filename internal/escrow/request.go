package escrow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Metadata keys understood on a Request.
const (
	MetaTaskID            = "task_id"
	MetaWorkerAddress     = "worker_address"
	MetaWorkerAccountID   = "worker_account_id"
	MetaVerifierAddresses = "verifier_addresses"
	MetaApprovalsRequired = "approvals_required"
	MetaMarketplaceFeeBps = "marketplace_fee_bps"
	MetaVerifierFeeBps    = "verifier_fee_bps"
	MetaMarketplaceTreas  = "marketplace_treasury"
	MetaThreadID          = "a2a_thread_id"
	MetaFundingKey        = "funding_private_key"
	MetaFundingKeySeed    = "funding_key_seed"
	MetaVerifierKey       = "verifier_private_key"
	MetaVerifierKeySeed   = "verifier_key_seed"
)

// ErrInvalidRequest is returned for malformed requests.
var ErrInvalidRequest = errors.New("escrow: invalid payment request")

// Request describes one settlement action.
type Request struct {
	PaymentID   string          `json:"payment_id"`
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Validate checks the request shape. Amounts must be positive.
func (r Request) Validate() error {
	if strings.TrimSpace(r.PaymentID) == "" {
		return fmt.Errorf("%w: payment_id is required", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be > 0, got %s", ErrInvalidRequest, r.Amount)
	}
	return nil
}

// TaskID is the escrow key source: the task_id metadata, else the payment id.
func (r Request) TaskID() string {
	if id := r.String(MetaTaskID); id != "" {
		return id
	}
	return r.PaymentID
}

// String reads a metadata value as a trimmed string.
func (r Request) String(key string) string {
	return MetaString(r.Metadata, key)
}

// MetaString reads md[key] as a trimmed string; absent keys read as "".
func MetaString(md map[string]any, key string) string {
	v, ok := md[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(cast.ToString(v))
}

// SecretKeys are metadata entries that must never be persisted or echoed.
var SecretKeys = []string{MetaFundingKey, MetaVerifierKey}

// WithoutSecrets returns a copy of md with SecretKeys removed.
func WithoutSecrets(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	for _, k := range SecretKeys {
		delete(out, k)
	}
	return out
}

// Int reads a metadata value as an int. The second result is false when
// the key is absent or not numeric.
func (r Request) Int(key string) (int, bool) {
	v, ok := r.Metadata[key]
	if !ok || v == nil {
		return 0, false
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Strings reads a list value. A plain string is split on commas.
func (r Request) Strings(key string) []string {
	v, ok := r.Metadata[key]
	if !ok || v == nil {
		return nil
	}
	var raw []string
	if s, isString := v.(string); isString {
		raw = strings.Split(s, ",")
	} else {
		raw = cast.ToStringSlice(v)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
