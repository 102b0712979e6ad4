// Package trailing implements the trailing-stop ratchet state machine.
//
// The engine is pure: Advance maps (state, price) to (state', triggered) and
// holds no mutable state of its own; persistence belongs to the caller. All
// tracking happens in favorable-price space — YES prices pass through
// unchanged, NO prices are complemented (1-p) — so a single upward ratchet
// serves both sides. For a NO position a stored stop s therefore triggers
// when the YES price rises to or above 1-s, matching the payoff on the
// complement price.
package trailing

import (
	"github.com/shopspring/decimal"

	"github.com/quantfold/riskcore/internal/domain"
)

var one = decimal.NewFromInt(1)

// Favorable converts a quoted YES price into the side's favorable-price
// space.
func Favorable(side domain.Side, price decimal.Decimal) decimal.Decimal {
	if side == domain.SideNo {
		return one.Sub(price)
	}
	return price
}

// Advance feeds one price observation through the state machine and returns
// the next state plus whether the stop is breached. entryPrice and
// currentPrice are quoted YES prices; staticStop is the position's
// pre-existing static stop in favorable space, or nil.
//
// Transitions:
//
//	inactive -> active    when per-unit profit reaches the activation
//	                      threshold; the stop seeds at current - initial
//	                      distance, never below the static stop.
//	active   -> active    highest price high-water-marks; the effective
//	                      distance tightens with profit down to the floor;
//	                      the stop only ever ratchets upward.
//	active   -> triggered when the favorable price touches the stop.
//
// A triggered state is terminal; the engine only reports the condition and
// the caller is responsible for closing the position.
func Advance(state domain.TrailingStopState, side domain.Side, entryPrice, currentPrice decimal.Decimal, staticStop *decimal.Decimal) (domain.TrailingStopState, bool) {
	entry := Favorable(side, entryPrice)
	current := Favorable(side, currentPrice)

	switch state.Phase {
	case domain.TrailingInactive:
		profit := current.Sub(entry)
		if profit.LessThan(state.Config.ActivationThreshold) {
			return state, false
		}
		stop := current.Sub(state.Config.InitialDistance)
		if staticStop != nil && stop.LessThan(*staticStop) {
			stop = *staticStop
		}
		state.Phase = domain.TrailingActive
		state.HighestPrice = current
		state.StopPrice = stop
		return state, current.LessThanOrEqual(state.StopPrice)

	case domain.TrailingActive:
		if current.GreaterThan(state.HighestPrice) {
			state.HighestPrice = current
		}

		profit := current.Sub(entry)
		distance := effectiveDistance(state.Config, profit, entry)
		candidate := state.HighestPrice.Sub(distance)
		if candidate.GreaterThan(state.StopPrice) {
			state.StopPrice = candidate
		}

		if current.LessThanOrEqual(state.StopPrice) {
			state.Phase = domain.TrailingTriggered
			return state, true
		}
		return state, false

	case domain.TrailingTriggered:
		return state, true

	default:
		return state, false
	}
}

// Triggered re-evaluates the breach condition for a stored state without
// advancing it. currentPrice is a quoted YES price.
func Triggered(state domain.TrailingStopState, side domain.Side, currentPrice decimal.Decimal) bool {
	switch state.Phase {
	case domain.TrailingTriggered:
		return true
	case domain.TrailingActive:
		return Favorable(side, currentPrice).LessThanOrEqual(state.StopPrice)
	default:
		return false
	}
}

// effectiveDistance shrinks the initial distance as profit accumulates:
// max(floor, initial * (1 - rate*profitRatio)) with profitRatio =
// profit/entry.
func effectiveDistance(cfg domain.TrailingStopConfig, profit, entry decimal.Decimal) decimal.Decimal {
	distance := cfg.InitialDistance
	if entry.IsPositive() && profit.IsPositive() {
		ratio := profit.Div(entry)
		distance = cfg.InitialDistance.Mul(one.Sub(cfg.TighteningRate.Mul(ratio)))
	}
	if distance.LessThan(cfg.FloorDistance) {
		distance = cfg.FloorDistance
	}
	return distance
}
