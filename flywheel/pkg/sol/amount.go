package sol

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FromRaw converts base units to whole-token units.
func FromRaw(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}

// FromRawString converts a base-unit string as returned by the RPC.
func FromRawString(raw string, decimals uint8) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid token amount %q: %w", raw, err)
	}
	return v.Shift(-int32(decimals)), nil
}

// ToRaw converts whole-token units to base units, rounding down.
func ToRaw(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative, got %s", amount)
	}
	raw := amount.Shift(int32(decimals)).Floor().BigInt()
	if !raw.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows u64 at %d decimals", amount, decimals)
	}
	return raw.Uint64(), nil
}
