package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the contract side of a prediction-market position.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// PositionStatus tracks the lifecycle of a logical position.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusSettled PositionStatus = "settled"
)

// ExitReason records why a position left the open state.
type ExitReason string

const (
	ExitReasonManual       ExitReason = "manual"
	ExitReasonStopLoss     ExitReason = "stop_loss"
	ExitReasonTakeProfit   ExitReason = "take_profit"
	ExitReasonTrailingStop ExitReason = "trailing_stop"
	ExitReasonSettlement   ExitReason = "settlement"
)

// Prediction-market prices are probabilities quoted inside the open
// interval; the tradable band excludes the degenerate endpoints.
var (
	MinPrice = decimal.RequireFromString("0.01")
	MaxPrice = decimal.RequireFromString("0.99")
)

// ValidatePrice returns a RangeError when p is outside the tradable band.
func ValidatePrice(field string, p decimal.Decimal) error {
	if p.LessThan(MinPrice) || p.GreaterThan(MaxPrice) {
		return NewRangeError(field, p, MinPrice, MaxPrice)
	}
	return nil
}

// Position is one row (version) of a logical position under SCD Type 2
// versioning. SurrogateID is unique per row and changes on every update;
// BusinessKey is shared by all versions of the same logical position and
// never changes. For each business key exactly one row has RowCurrent true;
// superseded rows are immutable history.
type Position struct {
	SurrogateID       int64              `json:"surrogate_id"`
	BusinessKey       uuid.UUID          `json:"business_key"`
	MarketID          string             `json:"market_id"`
	StrategyVersionID int64              `json:"strategy_version_id"`
	ModelVersionID    int64              `json:"model_version_id"`
	Side              Side               `json:"side"`
	Quantity          int64              `json:"quantity"`
	EntryPrice        decimal.Decimal    `json:"entry_price"`
	CurrentPrice      decimal.Decimal    `json:"current_price"`
	TargetPrice       *decimal.Decimal   `json:"target_price,omitempty"`
	StopLossPrice     *decimal.Decimal   `json:"stop_loss_price,omitempty"`
	Status            PositionStatus     `json:"status"`
	UnrealizedPnL     decimal.Decimal    `json:"unrealized_pnl"`
	RealizedPnL       *decimal.Decimal   `json:"realized_pnl,omitempty"`
	TrailingStop      *TrailingStopState `json:"trailing_stop,omitempty"`
	ExitReason        *ExitReason        `json:"exit_reason,omitempty"`
	RowStart          time.Time          `json:"row_start"`
	RowEnd            *time.Time         `json:"row_end,omitempty"`
	RowCurrent        bool               `json:"row_current"`
}

// RequiredMargin is the capital reserved to cover the maximum loss:
// quantity*(1-entry) for YES, quantity*entry for NO.
func (p Position) RequiredMargin() decimal.Decimal {
	qty := decimal.NewFromInt(p.Quantity)
	if p.Side == SideYes {
		return qty.Mul(decimal.NewFromInt(1).Sub(p.EntryPrice))
	}
	return qty.Mul(p.EntryPrice)
}

// PnLAt computes the side-dependent profit at the given price:
// quantity*(price-entry) for YES, quantity*(entry-price) for NO.
func (p Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	qty := decimal.NewFromInt(p.Quantity)
	if p.Side == SideYes {
		return qty.Mul(price.Sub(p.EntryPrice))
	}
	return qty.Mul(p.EntryPrice.Sub(price))
}

// IsOpen reports whether the position can still be mutated.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// PositionRef addresses the current row of a logical position either by its
// business key or by any surrogate id belonging to it. Exactly one of the
// two fields is set.
type PositionRef struct {
	BusinessKey uuid.UUID
	SurrogateID int64
}

// ByBusinessKey builds a ref from a business key.
func ByBusinessKey(key uuid.UUID) PositionRef {
	return PositionRef{BusinessKey: key}
}

// BySurrogateID builds a ref from a surrogate id.
func BySurrogateID(id int64) PositionRef {
	return PositionRef{SurrogateID: id}
}

// PositionUpdate carries the changed fields for an SCD2 update. Nil fields
// are carried forward from the expired row unchanged.
type PositionUpdate struct {
	CurrentPrice  *decimal.Decimal
	UnrealizedPnL *decimal.Decimal
	TargetPrice   *decimal.Decimal
	StopLossPrice *decimal.Decimal
	TrailingStop  *TrailingStopState
}
