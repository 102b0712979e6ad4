package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeAction distinguishes the entry fill from the exit fill.
type TradeAction string

const (
	TradeActionOpen  TradeAction = "open"
	TradeActionClose TradeAction = "close"
)

// Trade is the append-only attribution record of one execution. It pins the
// exact strategy and model version ids that were live when the trade fired
// and is never updated after insert.
type Trade struct {
	ID                int64           `json:"id"`
	BusinessKey       uuid.UUID       `json:"business_key"`
	MarketID          string          `json:"market_id"`
	StrategyVersionID int64           `json:"strategy_version_id"`
	ModelVersionID    int64           `json:"model_version_id"`
	Side              Side            `json:"side"`
	Action            TradeAction     `json:"action"`
	Price             decimal.Decimal `json:"price"`
	Quantity          int64           `json:"quantity"`
	Fees              decimal.Decimal `json:"fees"`
	ExecutedAt        time.Time       `json:"executed_at"`
}
