package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeePolicy splits an amount into the platform fee and the seller payout.
// The payout is truncated to the minor unit and the remainder goes to the
// platform, so fee + payout always equals amount.
type FeePolicy struct {
	percent decimal.Decimal
}

// NewFeePolicy parses a percentage such as "5" or "2.5"
func NewFeePolicy(percent string) (FeePolicy, error) {
	p, err := decimal.NewFromString(percent)
	if err != nil {
		return FeePolicy{}, fmt.Errorf("invalid platform fee percent %q: %w", percent, err)
	}
	if p.IsNegative() || p.GreaterThanOrEqual(hundred) {
		return FeePolicy{}, fmt.Errorf("platform fee percent must be in [0, 100), got %s", percent)
	}
	return FeePolicy{percent: p}, nil
}

// Percent is the configured rate in canonical form, e.g. "2.5"
func (f FeePolicy) Percent() string { return f.percent.String() }

// Split returns (platformFee, sellerPayout) for amount
func (f FeePolicy) Split(amount int64) (int64, int64) {
	payout := decimal.NewFromInt(amount).
		Mul(hundred.Sub(f.percent)).
		Div(hundred).
		Floor().
		IntPart()
	return amount - payout, payout
}
