package trade

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradeescrow/services/escrowd/wallet"
)

// DefaultFeeRate is the platform fee charged on every release, 0.5%.
var DefaultFeeRate = decimal.RequireFromString("0.005")

// FeeSplit divides an escrowed amount between the payout and the platform fee.
type FeeSplit struct {
	Amount       decimal.Decimal
	Rate         decimal.Decimal
	Fee          decimal.Decimal
	Payout       decimal.Decimal
	PayoutAtomic uint64
}

// SplitFee computes fee = amount x rate truncated to atomic precision, and
// payout = amount - fee, so fee + payout always equals amount exactly.
func SplitFee(amount, rate decimal.Decimal) (FeeSplit, error) {
	if !amount.IsPositive() {
		return FeeSplit{}, fmt.Errorf("trade: amount %s must be positive", amount)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return FeeSplit{}, fmt.Errorf("trade: fee rate %s outside [0,1)", rate)
	}
	fee := amount.Mul(rate).Truncate(wallet.AtomicDecimals)
	payout := amount.Sub(fee)
	atomic, err := wallet.ToAtomic(payout)
	if err != nil {
		return FeeSplit{}, err
	}
	return FeeSplit{Amount: amount, Rate: rate, Fee: fee, Payout: payout, PayoutAtomic: atomic}, nil
}
