// Package kelly implements edge and Kelly-criterion position sizing for
// prediction-market contracts. All arithmetic is fixed-point; cumulative
// float rounding is not acceptable in the settlement path.
package kelly

import (
	"github.com/shopspring/decimal"

	"github.com/quantfold/riskcore/internal/domain"
)

var one = decimal.NewFromInt(1)

// Edge returns trueProb - marketPrice - fees. It fails with a RangeError
// when trueProb or marketPrice is outside [0,1] or fees is negative.
func Edge(trueProb, marketPrice, fees decimal.Decimal) (decimal.Decimal, error) {
	if trueProb.IsNegative() || trueProb.GreaterThan(one) {
		return decimal.Zero, domain.NewRangeError("true_probability", trueProb, decimal.Zero, one)
	}
	if marketPrice.IsNegative() || marketPrice.GreaterThan(one) {
		return decimal.Zero, domain.NewRangeError("market_price", marketPrice, decimal.Zero, one)
	}
	if fees.IsNegative() {
		return decimal.Zero, domain.NewMinRangeError("fees", fees, decimal.Zero)
	}
	return trueProb.Sub(marketPrice).Sub(fees), nil
}

// Size returns max(0, edge) * fraction * bankroll clamped to
// [0, min(bankroll, maxPosition)]. A nil maxPosition means no cap beyond the
// bankroll itself. Non-positive edge yields exactly zero.
func Size(edge, fraction, bankroll decimal.Decimal, maxPosition *decimal.Decimal) (decimal.Decimal, error) {
	if fraction.IsNegative() || fraction.GreaterThan(one) {
		return decimal.Zero, domain.NewRangeError("kelly_fraction", fraction, decimal.Zero, one)
	}
	if bankroll.IsNegative() {
		return decimal.Zero, domain.NewMinRangeError("bankroll", bankroll, decimal.Zero)
	}

	if !edge.IsPositive() {
		return decimal.Zero, nil
	}

	size := edge.Mul(fraction).Mul(bankroll)

	limit := bankroll
	if maxPosition != nil && maxPosition.LessThan(limit) {
		limit = *maxPosition
	}
	if size.GreaterThan(limit) {
		size = limit
	}
	if size.IsNegative() {
		size = decimal.Zero
	}
	return size, nil
}

// OptimalSize composes Edge and Size. When the computed edge is below
// minEdge the result is exactly zero regardless of magnitude.
func OptimalSize(trueProb, marketPrice, bankroll, fraction, fees decimal.Decimal, maxPosition *decimal.Decimal, minEdge decimal.Decimal) (decimal.Decimal, error) {
	edge, err := Edge(trueProb, marketPrice, fees)
	if err != nil {
		return decimal.Zero, err
	}
	if edge.LessThan(minEdge) {
		return decimal.Zero, nil
	}
	return Size(edge, fraction, bankroll, maxPosition)
}
