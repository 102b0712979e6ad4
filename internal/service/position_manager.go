package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfold/riskcore/internal/domain"
	"github.com/quantfold/riskcore/internal/kelly"
	"github.com/quantfold/riskcore/internal/trailing"
)

// RiskParams are the sizing and risk limits applied by the PositionManager.
type RiskParams struct {
	// KellyFraction scales the raw Kelly size down (fractional Kelly).
	KellyFraction decimal.Decimal
	// MinEdge is the edge below which no position is taken at all.
	MinEdge decimal.Decimal
	// MaxPosition caps any single position's capital, nil for no cap.
	MaxPosition *decimal.Decimal
	// Fees is the per-contract fee estimate subtracted from the edge.
	Fees decimal.Decimal
	// DefaultTrailing, when set, arms every new position with this trailing
	// config unless the open request carries its own.
	DefaultTrailing *domain.TrailingStopConfig
	// PaperMode routes closed-trade metrics to the paper buckets instead of
	// the live ones.
	PaperMode bool
	// LockTTL bounds how long a per-position write lock may be held.
	LockTTL time.Duration
}

// PositionManager orchestrates the position lifecycle: margin-checked opens,
// price updates with PnL recomputation, trailing-stop management, and closes
// that feed realized PnL back into version metrics.
//
// Writes to one logical position are serialized through the lock manager on
// the business key; the store's row lock is the second line of defense.
type PositionManager struct {
	positions domain.PositionStore
	versions  domain.VersionStore
	trades    domain.TradeStore
	prices    domain.PriceFeed
	balance   domain.BalanceSource
	locks     domain.LockManager
	bus       domain.SignalBus
	audit     domain.AuditStore
	params    RiskParams
	logger    *slog.Logger
}

// NewPositionManager creates a PositionManager with all required dependencies.
func NewPositionManager(
	positions domain.PositionStore,
	versions domain.VersionStore,
	trades domain.TradeStore,
	prices domain.PriceFeed,
	balance domain.BalanceSource,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	params RiskParams,
	logger *slog.Logger,
) *PositionManager {
	if params.LockTTL <= 0 {
		params.LockTTL = 10 * time.Second
	}
	return &PositionManager{
		positions: positions,
		versions:  versions,
		trades:    trades,
		prices:    prices,
		balance:   balance,
		locks:     locks,
		bus:       bus,
		audit:     audit,
		params:    params,
		logger:    logger,
	}
}

// OpenPositionRequest carries the inputs for opening a new position.
type OpenPositionRequest struct {
	MarketID          string
	StrategyVersionID int64
	ModelVersionID    int64
	Side              domain.Side
	Quantity          int64
	EntryPrice        decimal.Decimal
	TargetPrice       *decimal.Decimal
	StopLossPrice     *decimal.Decimal
	TrailingStop      *domain.TrailingStopConfig
	Fees              decimal.Decimal
}

// SuggestSize returns the Kelly-sized capital for a candidate trade, using
// the live available margin as the bankroll. A sub-threshold edge yields
// exactly zero.
func (m *PositionManager) SuggestSize(ctx context.Context, trueProb, marketPrice decimal.Decimal) (decimal.Decimal, error) {
	bankroll, err := m.balance.AvailableMargin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("position_manager: available margin: %w", err)
	}

	size, err := kelly.OptimalSize(trueProb, marketPrice, bankroll,
		m.params.KellyFraction, m.params.Fees, m.params.MaxPosition, m.params.MinEdge)
	if err != nil {
		return decimal.Zero, fmt.Errorf("position_manager: size: %w", err)
	}
	return size, nil
}

// OpenPosition validates the request, reserves margin against the available
// balance, persists the first position version, and records the opening
// trade. It fails with InsufficientMarginError when the required margin
// exceeds the available balance.
func (m *PositionManager) OpenPosition(ctx context.Context, req OpenPositionRequest) (domain.Position, error) {
	if !req.Side.Valid() {
		return domain.Position{}, fmt.Errorf("position_manager: unknown side %q", req.Side)
	}
	if req.Quantity <= 0 {
		return domain.Position{}, fmt.Errorf("position_manager: quantity must be positive, got %d", req.Quantity)
	}
	if err := domain.ValidatePrice("entry_price", req.EntryPrice); err != nil {
		return domain.Position{}, err
	}
	if req.TargetPrice != nil {
		if err := domain.ValidatePrice("target_price", *req.TargetPrice); err != nil {
			return domain.Position{}, err
		}
	}
	if req.StopLossPrice != nil {
		if err := domain.ValidatePrice("stop_loss_price", *req.StopLossPrice); err != nil {
			return domain.Position{}, err
		}
	}

	trailingCfg := req.TrailingStop
	if trailingCfg == nil {
		trailingCfg = m.params.DefaultTrailing
	}
	if trailingCfg != nil {
		if err := trailingCfg.Validate(); err != nil {
			return domain.Position{}, err
		}
	}

	pos := domain.Position{
		MarketID:          req.MarketID,
		StrategyVersionID: req.StrategyVersionID,
		ModelVersionID:    req.ModelVersionID,
		Side:              req.Side,
		Quantity:          req.Quantity,
		EntryPrice:        req.EntryPrice,
		CurrentPrice:      req.EntryPrice,
		TargetPrice:       req.TargetPrice,
		StopLossPrice:     req.StopLossPrice,
		Status:            domain.PositionStatusOpen,
		UnrealizedPnL:     decimal.Zero,
	}
	if trailingCfg != nil {
		state := domain.NewTrailingStop(*trailingCfg)
		pos.TrailingStop = &state
	}

	required := pos.RequiredMargin()
	available, err := m.balance.AvailableMargin(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: available margin: %w", err)
	}
	if required.GreaterThan(available) {
		return domain.Position{}, &domain.InsufficientMarginError{
			Required:  required,
			Available: available,
		}
	}

	created, err := m.positions.Create(ctx, pos)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: create position: %w", err)
	}

	if _, err := m.trades.Insert(ctx, domain.Trade{
		BusinessKey:       created.BusinessKey,
		MarketID:          created.MarketID,
		StrategyVersionID: created.StrategyVersionID,
		ModelVersionID:    created.ModelVersionID,
		Side:              created.Side,
		Action:            domain.TradeActionOpen,
		Price:             created.EntryPrice,
		Quantity:          created.Quantity,
		Fees:              req.Fees,
		ExecutedAt:        created.RowStart,
	}); err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: record open trade: %w", err)
	}

	m.publish(ctx, "position_opened", map[string]any{
		"business_key": created.BusinessKey.String(),
		"market":       created.MarketID,
		"side":         string(created.Side),
		"entry_price":  created.EntryPrice.String(),
		"quantity":     created.Quantity,
	})
	m.auditLog(ctx, "position_opened", map[string]any{
		"business_key":        created.BusinessKey.String(),
		"market":              created.MarketID,
		"side":                string(created.Side),
		"entry_price":         created.EntryPrice.String(),
		"quantity":            created.Quantity,
		"required_margin":     required.String(),
		"strategy_version_id": created.StrategyVersionID,
		"model_version_id":    created.ModelVersionID,
	})

	m.logger.InfoContext(ctx, "position_manager: position opened",
		slog.String("business_key", created.BusinessKey.String()),
		slog.String("market", created.MarketID),
		slog.String("side", string(created.Side)),
		slog.String("entry_price", created.EntryPrice.String()),
		slog.Int64("quantity", created.Quantity),
	)

	return created, nil
}

// UpdatePrice applies a price observation to an open position: unrealized PnL
// is recomputed and the trailing stop, if one is armed, is advanced through
// its state machine. The returned bool reports whether the trailing stop is
// now breached; closing remains the caller's decision.
func (m *PositionManager) UpdatePrice(ctx context.Context, key uuid.UUID, price decimal.Decimal) (domain.Position, bool, error) {
	if err := domain.ValidatePrice("current_price", price); err != nil {
		return domain.Position{}, false, err
	}

	unlock, err := m.locks.Acquire(ctx, key.String(), m.params.LockTTL)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("position_manager: lock %s: %w", key, err)
	}
	defer unlock()

	pos, err := m.positions.GetCurrent(ctx, key)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("position_manager: get position %s: %w", key, err)
	}
	if !pos.IsOpen() {
		return domain.Position{}, false, &domain.InvalidPositionStateError{
			BusinessKey: key,
			Status:      pos.Status,
			Op:          "update_price",
		}
	}

	pnl := pos.PnLAt(price)
	changes := domain.PositionUpdate{
		CurrentPrice:  &price,
		UnrealizedPnL: &pnl,
	}

	triggered := false
	if pos.TrailingStop != nil {
		var staticStop *decimal.Decimal
		if pos.StopLossPrice != nil {
			fav := trailing.Favorable(pos.Side, *pos.StopLossPrice)
			staticStop = &fav
		}
		next, hit := trailing.Advance(*pos.TrailingStop, pos.Side, pos.EntryPrice, price, staticStop)
		changes.TrailingStop = &next
		triggered = hit
	}

	updated, err := m.positions.Update(ctx, domain.ByBusinessKey(key), changes)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("position_manager: update position %s: %w", key, err)
	}

	if triggered {
		m.publish(ctx, "trailing_stop_triggered", map[string]any{
			"business_key": key.String(),
			"market":       updated.MarketID,
			"price":        price.String(),
			"stop_price":   updated.TrailingStop.StopPrice.String(),
		})
	}

	return updated, triggered, nil
}

// RefreshPrice pulls the latest price from the feed and applies it via
// UpdatePrice.
func (m *PositionManager) RefreshPrice(ctx context.Context, key uuid.UUID) (domain.Position, bool, error) {
	pos, err := m.positions.GetCurrent(ctx, key)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("position_manager: get position %s: %w", key, err)
	}

	price, _, err := m.prices.GetPrice(ctx, pos.MarketID)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("position_manager: price for %s: %w", pos.MarketID, err)
	}

	return m.UpdatePrice(ctx, key, price)
}

// ArmTrailingStop attaches a trailing stop in the inactive phase to an open
// position. Activation happens later, through price updates.
func (m *PositionManager) ArmTrailingStop(ctx context.Context, key uuid.UUID, cfg domain.TrailingStopConfig) (domain.Position, error) {
	if err := cfg.Validate(); err != nil {
		return domain.Position{}, err
	}

	unlock, err := m.locks.Acquire(ctx, key.String(), m.params.LockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: lock %s: %w", key, err)
	}
	defer unlock()

	pos, err := m.positions.GetCurrent(ctx, key)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: get position %s: %w", key, err)
	}
	if !pos.IsOpen() {
		return domain.Position{}, &domain.InvalidPositionStateError{
			BusinessKey: key,
			Status:      pos.Status,
			Op:          "arm_trailing_stop",
		}
	}

	state := domain.NewTrailingStop(cfg)
	updated, err := m.positions.Update(ctx, domain.ByBusinessKey(key), domain.PositionUpdate{
		TrailingStop: &state,
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: arm trailing stop %s: %w", key, err)
	}

	m.auditLog(ctx, "trailing_stop_armed", map[string]any{
		"business_key":         key.String(),
		"activation_threshold": cfg.ActivationThreshold.String(),
		"initial_distance":     cfg.InitialDistance.String(),
	})

	return updated, nil
}

// ClosePosition closes an open position at the given exit price. Realized
// PnL flows into the trade record and into the metrics of the strategy and
// model versions that opened the position. Closing a position that is not
// open fails with InvalidPositionStateError.
func (m *PositionManager) ClosePosition(ctx context.Context, key uuid.UUID, exitPrice decimal.Decimal, reason domain.ExitReason) (domain.Position, error) {
	if err := domain.ValidatePrice("exit_price", exitPrice); err != nil {
		return domain.Position{}, err
	}

	unlock, err := m.locks.Acquire(ctx, key.String(), m.params.LockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: lock %s: %w", key, err)
	}
	defer unlock()

	pos, err := m.positions.GetCurrent(ctx, key)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: get position %s: %w", key, err)
	}

	realized := pos.PnLAt(exitPrice)

	closed, err := m.positions.Close(ctx, domain.ByBusinessKey(key), exitPrice, reason, realized)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: close position %s: %w", key, err)
	}

	if _, err := m.trades.Insert(ctx, domain.Trade{
		BusinessKey:       closed.BusinessKey,
		MarketID:          closed.MarketID,
		StrategyVersionID: closed.StrategyVersionID,
		ModelVersionID:    closed.ModelVersionID,
		Side:              closed.Side,
		Action:            domain.TradeActionClose,
		Price:             exitPrice,
		Quantity:          closed.Quantity,
		Fees:              decimal.Zero,
		ExecutedAt:        closed.RowStart,
	}); err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: record close trade: %w", err)
	}

	delta := m.metricsDelta(realized)
	for _, versionID := range []int64{closed.StrategyVersionID, closed.ModelVersionID} {
		if _, err := m.versions.UpdateMetrics(ctx, versionID, delta); err != nil {
			m.logger.WarnContext(ctx, "position_manager: metrics update failed",
				slog.Int64("version_id", versionID),
				slog.String("business_key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	m.publish(ctx, "position_closed", map[string]any{
		"business_key": key.String(),
		"market":       closed.MarketID,
		"exit_price":   exitPrice.String(),
		"realized_pnl": realized.String(),
		"exit_reason":  string(reason),
	})
	m.auditLog(ctx, "position_closed", map[string]any{
		"business_key": key.String(),
		"market":       closed.MarketID,
		"entry_price":  closed.EntryPrice.String(),
		"exit_price":   exitPrice.String(),
		"realized_pnl": realized.String(),
		"exit_reason":  string(reason),
	})

	m.logger.InfoContext(ctx, "position_manager: position closed",
		slog.String("business_key", key.String()),
		slog.String("exit_price", exitPrice.String()),
		slog.String("realized_pnl", realized.String()),
		slog.String("exit_reason", string(reason)),
	)

	return closed, nil
}

// SettlePosition finalizes a position after its market resolves. The
// settlement price is 1 when the market resolved YES and 0 when it resolved
// NO; both sit outside the tradable band, so settlement bypasses the price
// validation that opens and closes go through. Realized PnL flows into
// version metrics the same way a close does.
func (m *PositionManager) SettlePosition(ctx context.Context, key uuid.UUID, winner domain.Side) (domain.Position, error) {
	if !winner.Valid() {
		return domain.Position{}, fmt.Errorf("position_manager: unknown winning side %q", winner)
	}

	settlementPrice := decimal.Zero
	if winner == domain.SideYes {
		settlementPrice = decimal.NewFromInt(1)
	}

	unlock, err := m.locks.Acquire(ctx, key.String(), m.params.LockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: lock %s: %w", key, err)
	}
	defer unlock()

	pos, err := m.positions.GetCurrent(ctx, key)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: get position %s: %w", key, err)
	}

	realized := pos.PnLAt(settlementPrice)

	settled, err := m.positions.Settle(ctx, domain.ByBusinessKey(key), settlementPrice, realized)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: settle position %s: %w", key, err)
	}

	if _, err := m.trades.Insert(ctx, domain.Trade{
		BusinessKey:       settled.BusinessKey,
		MarketID:          settled.MarketID,
		StrategyVersionID: settled.StrategyVersionID,
		ModelVersionID:    settled.ModelVersionID,
		Side:              settled.Side,
		Action:            domain.TradeActionClose,
		Price:             settlementPrice,
		Quantity:          settled.Quantity,
		Fees:              decimal.Zero,
		ExecutedAt:        settled.RowStart,
	}); err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: record settlement trade: %w", err)
	}

	delta := m.metricsDelta(realized)
	for _, versionID := range []int64{settled.StrategyVersionID, settled.ModelVersionID} {
		if _, err := m.versions.UpdateMetrics(ctx, versionID, delta); err != nil {
			m.logger.WarnContext(ctx, "position_manager: metrics update failed",
				slog.Int64("version_id", versionID),
				slog.String("business_key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	m.publish(ctx, "position_settled", map[string]any{
		"business_key": key.String(),
		"market":       settled.MarketID,
		"winner":       string(winner),
		"realized_pnl": realized.String(),
	})
	m.auditLog(ctx, "position_settled", map[string]any{
		"business_key": key.String(),
		"market":       settled.MarketID,
		"winner":       string(winner),
		"entry_price":  settled.EntryPrice.String(),
		"realized_pnl": realized.String(),
	})

	m.logger.InfoContext(ctx, "position_manager: position settled",
		slog.String("business_key", key.String()),
		slog.String("winner", string(winner)),
		slog.String("realized_pnl", realized.String()),
	)

	return settled, nil
}

// CheckTrailingStop reports whether the position's trailing stop is breached
// at its last observed price. It only reads; no new version is written.
func (m *PositionManager) CheckTrailingStop(ctx context.Context, key uuid.UUID) (bool, error) {
	pos, err := m.positions.GetCurrent(ctx, key)
	if err != nil {
		return false, fmt.Errorf("position_manager: get position %s: %w", key, err)
	}
	if pos.TrailingStop == nil {
		return false, nil
	}
	return trailing.Triggered(*pos.TrailingStop, pos.Side, pos.CurrentPrice), nil
}

// ListOpen returns the current rows of all open positions.
func (m *PositionManager) ListOpen(ctx context.Context) ([]domain.Position, error) {
	positions, err := m.positions.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_manager: list open: %w", err)
	}
	return positions, nil
}

// History returns every version of a logical position, oldest first.
func (m *PositionManager) History(ctx context.Context, key uuid.UUID) ([]domain.Position, error) {
	history, err := m.positions.History(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("position_manager: history %s: %w", key, err)
	}
	return history, nil
}

func (m *PositionManager) metricsDelta(realized decimal.Decimal) domain.MetricsDelta {
	if m.params.PaperMode {
		return domain.MetricsDelta{PaperTrades: 1, PaperPnL: realized}
	}
	return domain.MetricsDelta{LiveTrades: 1, LivePnL: realized}
}

func (m *PositionManager) publish(ctx context.Context, event string, fields map[string]any) {
	fields["event"] = event
	payload, _ := json.Marshal(fields)
	if err := m.bus.Publish(ctx, "positions", payload); err != nil {
		m.logger.WarnContext(ctx, "position_manager: publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (m *PositionManager) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.WarnContext(ctx, "position_manager: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
