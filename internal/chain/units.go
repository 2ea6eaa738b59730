package chain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the ledger's native currency as seen
// by the EVM relay: 1 unit = 10^18 smallest units.
const NativeDecimals = 18

// MinimumNativeValue is the smallest value the ledger accepts (10^10
// smallest units, one tinybar).
var MinimumNativeValue = big.NewInt(10_000_000_000)

// ToSmallestUnit converts a native-unit amount, truncating toward zero.
// Amounts that round to zero or fall under MinimumNativeValue are rejected.
func ToSmallestUnit(amount decimal.Decimal) (*big.Int, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount %s must be greater than zero", ErrAmountBelowMinimum, amount)
	}
	raw := amount.Shift(NativeDecimals).Truncate(0).BigInt()
	if raw.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount %s rounds to zero", ErrAmountBelowMinimum, amount)
	}
	if raw.Cmp(MinimumNativeValue) < 0 {
		return nil, fmt.Errorf("%w: amount %s is under %s", ErrAmountBelowMinimum, amount, FromSmallestUnit(MinimumNativeValue))
	}
	return raw, nil
}

// FromSmallestUnit converts a raw value back into native units.
func FromSmallestUnit(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -NativeDecimals)
}
