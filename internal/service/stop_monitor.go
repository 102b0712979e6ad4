package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/riskcore/internal/domain"
	"github.com/quantfold/riskcore/internal/trailing"
)

// StopMonitor periodically sweeps open positions, applies the latest price,
// and closes positions whose trailing stop, static stop-loss, or target has
// been hit. It is the only component that turns a stop breach into a close.
type StopMonitor struct {
	manager  *PositionManager
	prices   domain.PriceFeed
	interval time.Duration
	logger   *slog.Logger
}

// NewStopMonitor creates a StopMonitor sweeping at the given interval.
func NewStopMonitor(manager *PositionManager, prices domain.PriceFeed, interval time.Duration, logger *slog.Logger) *StopMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &StopMonitor{
		manager:  manager,
		prices:   prices,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps once immediately and then on every tick until the context is
// cancelled.
func (sm *StopMonitor) Run(ctx context.Context) error {
	sm.sweep(ctx)

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sm.sweep(ctx)
		}
	}
}

// sweep applies one pass over all open positions. Errors on individual
// positions are logged and skipped so one bad position cannot stall the
// monitor.
func (sm *StopMonitor) sweep(ctx context.Context) {
	open, err := sm.manager.ListOpen(ctx)
	if err != nil {
		sm.logger.ErrorContext(ctx, "stop_monitor: list open failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, pos := range open {
		sm.check(ctx, pos)
	}
}

func (sm *StopMonitor) check(ctx context.Context, pos domain.Position) {
	price, _, err := sm.prices.GetPrice(ctx, pos.MarketID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			sm.logger.WarnContext(ctx, "stop_monitor: price fetch failed",
				slog.String("business_key", pos.BusinessKey.String()),
				slog.String("market", pos.MarketID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	updated, trailingHit, err := sm.manager.UpdatePrice(ctx, pos.BusinessKey, price)
	if err != nil {
		// Another writer holds the lock; the next sweep retries.
		if errors.Is(err, domain.ErrLockHeld) {
			return
		}
		sm.logger.WarnContext(ctx, "stop_monitor: price update failed",
			slog.String("business_key", pos.BusinessKey.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	reason, hit := exitCondition(updated, price, trailingHit)
	if !hit {
		return
	}

	if _, err := sm.manager.ClosePosition(ctx, updated.BusinessKey, price, reason); err != nil {
		sm.logger.ErrorContext(ctx, "stop_monitor: close failed",
			slog.String("business_key", updated.BusinessKey.String()),
			slog.String("exit_reason", string(reason)),
			slog.String("error", err.Error()),
		)
		return
	}

	sm.logger.InfoContext(ctx, "stop_monitor: position closed",
		slog.String("business_key", updated.BusinessKey.String()),
		slog.String("market", updated.MarketID),
		slog.String("price", price.String()),
		slog.String("exit_reason", string(reason)),
	)
}

// exitCondition decides whether the position should be closed at the given
// price and why. Trailing stops take precedence over the static levels; all
// comparisons run in favorable-price space so one rule covers both sides.
func exitCondition(pos domain.Position, price decimal.Decimal, trailingHit bool) (domain.ExitReason, bool) {
	if trailingHit {
		return domain.ExitReasonTrailingStop, true
	}

	fav := trailing.Favorable(pos.Side, price)

	if pos.StopLossPrice != nil {
		if fav.LessThanOrEqual(trailing.Favorable(pos.Side, *pos.StopLossPrice)) {
			return domain.ExitReasonStopLoss, true
		}
	}
	if pos.TargetPrice != nil {
		if fav.GreaterThanOrEqual(trailing.Favorable(pos.Side, *pos.TargetPrice)) {
			return domain.ExitReasonTakeProfit, true
		}
	}
	return "", false
}
