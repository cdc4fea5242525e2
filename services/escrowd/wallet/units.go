package wallet

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// AtomicDecimals is the number of decimal places in one coin.
const AtomicDecimals = 12

// AtomicPerCoin is 10^12 atomic units.
const AtomicPerCoin uint64 = 1_000_000_000_000

// ToAtomic converts a coin amount to atomic units, truncating sub-atomic digits.
func ToAtomic(amount decimal.Decimal) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("wallet: negative amount %s", amount)
	}
	atomic := amount.Shift(AtomicDecimals).Truncate(0).BigInt()
	if !atomic.IsUint64() {
		return 0, fmt.Errorf("wallet: amount %s overflows atomic units", amount)
	}
	return atomic.Uint64(), nil
}

// FromAtomic converts atomic units to a coin amount.
func FromAtomic(atomic uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(atomic), -AtomicDecimals)
}
