package domain

import "github.com/shopspring/decimal"

// TrailingPhase is the discriminant of the trailing-stop variant.
type TrailingPhase string

const (
	TrailingInactive  TrailingPhase = "inactive"
	TrailingActive    TrailingPhase = "active"
	TrailingTriggered TrailingPhase = "triggered"
)

// TrailingStopConfig holds the ratchet parameters. All values are expressed
// in favorable-price units (YES price for YES positions, complement price
// for NO positions).
type TrailingStopConfig struct {
	ActivationThreshold decimal.Decimal `json:"activation_threshold"`
	InitialDistance     decimal.Decimal `json:"initial_distance"`
	TighteningRate      decimal.Decimal `json:"tightening_rate"`
	FloorDistance       decimal.Decimal `json:"floor_distance"`
}

// Validate checks the config parameter domains.
func (c TrailingStopConfig) Validate() error {
	one := decimal.NewFromInt(1)
	if c.TighteningRate.IsNegative() || c.TighteningRate.GreaterThan(one) {
		return NewRangeError("tightening_rate", c.TighteningRate, decimal.Zero, one)
	}
	if c.FloorDistance.IsNegative() {
		return NewRangeError("floor_distance", c.FloorDistance, decimal.Zero, one)
	}
	if !c.ActivationThreshold.IsPositive() {
		return NewRangeError("activation_threshold", c.ActivationThreshold, decimal.Zero, one)
	}
	if !c.InitialDistance.IsPositive() {
		return NewRangeError("initial_distance", c.InitialDistance, decimal.Zero, one)
	}
	return nil
}

// TrailingStopState is the persisted trailing-stop variant:
//
//	inactive               -> no prices tracked yet
//	active{highest, stop}  -> ratchet engaged
//	triggered              -> stop breached; caller closes the position
//
// HighestPrice and StopPrice are meaningful only in the active and triggered
// phases and are kept in favorable-price space. The state is serialized to
// JSON at the storage boundary only.
type TrailingStopState struct {
	Phase        TrailingPhase      `json:"phase"`
	HighestPrice decimal.Decimal    `json:"highest_price"`
	StopPrice    decimal.Decimal    `json:"stop_price"`
	Config       TrailingStopConfig `json:"config"`
}

// NewTrailingStop returns the initial inactive state for the given config.
func NewTrailingStop(cfg TrailingStopConfig) TrailingStopState {
	return TrailingStopState{Phase: TrailingInactive, Config: cfg}
}
