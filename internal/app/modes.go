package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/riskcore/internal/domain"
	"github.com/quantfold/riskcore/internal/service"
)

// newPositionManager builds the PositionManager shared by all modes.
func (a *App) newPositionManager(deps *Dependencies) *service.PositionManager {
	maxPosition := a.cfg.Risk.MaxPosition.Decimal
	params := service.RiskParams{
		KellyFraction: a.cfg.Risk.KellyFraction.Decimal,
		MinEdge:       a.cfg.Risk.MinEdge.Decimal,
		Fees:          a.cfg.Risk.Fees.Decimal,
		PaperMode:     a.cfg.Risk.PaperMode,
		LockTTL:       a.cfg.Risk.LockTTL.Duration,
	}
	if maxPosition.IsPositive() {
		params.MaxPosition = &maxPosition
	}
	if a.cfg.Trailing.AutoArm {
		params.DefaultTrailing = &domain.TrailingStopConfig{
			ActivationThreshold: a.cfg.Trailing.ActivationThreshold.Decimal,
			InitialDistance:     a.cfg.Trailing.InitialDistance.Decimal,
			TighteningRate:      a.cfg.Trailing.TighteningRate.Decimal,
			FloorDistance:       a.cfg.Trailing.FloorDistance.Decimal,
		}
	}

	return service.NewPositionManager(
		deps.PositionStore, deps.VersionStore, deps.TradeStore,
		deps.PriceFeed, deps.Balance, deps.LockManager,
		deps.SignalBus, deps.AuditStore, params, a.logger,
	)
}

// MonitorMode runs the stop monitor: open positions are swept on an interval,
// prices applied, and breached stops closed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	manager := a.newPositionManager(deps)
	monitor := service.NewStopMonitor(manager, deps.PriceFeed, a.cfg.Monitor.SweepInterval.Duration, a.logger)

	g.Go(func() error {
		return monitor.Run(ctx)
	})

	// Event consumer: drain position events so slow subscribers elsewhere
	// don't back up the bus channel.
	g.Go(func() error {
		ch, err := deps.SignalBus.Subscribe(ctx, "positions")
		if err != nil {
			return fmt.Errorf("monitor mode: subscribe positions: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, ok := <-ch:
				if !ok {
					return nil
				}
			}
		}
	})

	return g.Wait()
}

// ArchiveMode runs the closed-position archiver on its configured interval.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.runArchiver(ctx, deps)
	})

	return g.Wait()
}

// FullMode runs the stop monitor and, when enabled, the archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	manager := a.newPositionManager(deps)
	monitor := service.NewStopMonitor(manager, deps.PriceFeed, a.cfg.Monitor.SweepInterval.Duration, a.logger)

	g.Go(func() error {
		return monitor.Run(ctx)
	})

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiver(ctx, deps)
		})
	}

	return g.Wait()
}

// runArchiver archives closed positions once immediately and then on every
// tick until the context is cancelled.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("archiver requires s3 blob storage")
	}

	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = time.Hour
	}

	runOnce := func() {
		since := time.Now().UTC().Add(-a.cfg.Archive.Lookback.Duration)
		count, err := deps.Archiver.ArchiveClosedPositions(ctx, since)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive run failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if count > 0 {
			a.logger.InfoContext(ctx, "archived closed positions",
				slog.Int64("count", count),
				slog.Time("since", since),
			)
		}
	}

	runOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		}
	}
}
