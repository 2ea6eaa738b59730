package escrow

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/chain"
)

var bpsDenominator = decimal.NewFromInt(chain.MaxFeeBps)

// ServiceFee returns bps of amount, truncated to the native precision.
func ServiceFee(amount decimal.Decimal, bps int) decimal.Decimal {
	if bps <= 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(int64(bps))).Div(bpsDenominator).Truncate(chain.NativeDecimals)
}

// FeeSplit is how an escrowed amount divides on release.
type FeeSplit struct {
	Marketplace decimal.Decimal `json:"marketplace"`
	Verifiers   decimal.Decimal `json:"verifiers"`
	PerVerifier decimal.Decimal `json:"per_verifier"`
	Worker      decimal.Decimal `json:"worker"`
}

// SplitFees computes the release payout for p. The verifier share is
// divided evenly among the approvals the quorum needs.
func SplitFees(p Params) FeeSplit {
	s := FeeSplit{
		Marketplace: ServiceFee(p.Amount, p.MarketplaceFeeBps),
		Verifiers:   ServiceFee(p.Amount, p.VerifierFeeBps),
		PerVerifier: decimal.Zero,
	}
	if p.ApprovalsRequired > 0 && s.Verifiers.IsPositive() {
		s.PerVerifier = s.Verifiers.Div(decimal.NewFromInt(int64(p.ApprovalsRequired))).Truncate(chain.NativeDecimals)
	}
	s.Worker = p.Amount.Sub(s.Marketplace).Sub(s.Verifiers)
	return s
}
