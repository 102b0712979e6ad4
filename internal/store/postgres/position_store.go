package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantfold/riskcore/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
//
// Updates follow the SCD Type 2 two-step inside one transaction: the current
// row is locked with SELECT ... FOR UPDATE, expired, and a fresh version is
// inserted. The row lock serializes concurrent writers on the same business
// key; the partial unique index on (business_key) WHERE row_current_ind
// backstops the one-current-row invariant.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `surrogate_id, business_key, market_id,
	strategy_version_id, model_version_id, side, quantity,
	entry_price, current_price, target_price, stop_loss_price,
	status, unrealized_pnl, realized_pnl, trailing_stop, exit_reason,
	row_start_ts, row_end_ts, row_current_ind`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	var target, stopLoss, realized decimal.NullDecimal
	var trailingJSON []byte
	var exitReason *string

	err := row.Scan(
		&p.SurrogateID, &p.BusinessKey, &p.MarketID,
		&p.StrategyVersionID, &p.ModelVersionID, &side, &p.Quantity,
		&p.EntryPrice, &p.CurrentPrice, &target, &stopLoss,
		&status, &p.UnrealizedPnL, &realized, &trailingJSON, &exitReason,
		&p.RowStart, &p.RowEnd, &p.RowCurrent,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if target.Valid {
		p.TargetPrice = &target.Decimal
	}
	if stopLoss.Valid {
		p.StopLossPrice = &stopLoss.Decimal
	}
	if realized.Valid {
		p.RealizedPnL = &realized.Decimal
	}
	if exitReason != nil {
		r := domain.ExitReason(*exitReason)
		p.ExitReason = &r
	}
	if len(trailingJSON) > 0 {
		var ts domain.TrailingStopState
		if err := json.Unmarshal(trailingJSON, &ts); err != nil {
			return domain.Position{}, fmt.Errorf("postgres: unmarshal trailing stop: %w", err)
		}
		p.TrailingStop = &ts
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// rower is satisfied by both *pgxpool.Pool and pgx.Tx.
type rower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// insertVersion inserts one position row and fills in the assigned surrogate
// id and row timestamps.
func insertVersion(ctx context.Context, q rower, p domain.Position) (domain.Position, error) {
	var trailingJSON []byte
	if p.TrailingStop != nil {
		var err error
		trailingJSON, err = json.Marshal(p.TrailingStop)
		if err != nil {
			return domain.Position{}, fmt.Errorf("postgres: marshal trailing stop: %w", err)
		}
	}

	var target, stopLoss, realized decimal.NullDecimal
	if p.TargetPrice != nil {
		target = decimal.NullDecimal{Decimal: *p.TargetPrice, Valid: true}
	}
	if p.StopLossPrice != nil {
		stopLoss = decimal.NullDecimal{Decimal: *p.StopLossPrice, Valid: true}
	}
	if p.RealizedPnL != nil {
		realized = decimal.NullDecimal{Decimal: *p.RealizedPnL, Valid: true}
	}
	var exitReason *string
	if p.ExitReason != nil {
		s := string(*p.ExitReason)
		exitReason = &s
	}

	const query = `
		INSERT INTO positions (
			business_key, market_id, strategy_version_id, model_version_id,
			side, quantity, entry_price, current_price, target_price,
			stop_loss_price, status, unrealized_pnl, realized_pnl,
			trailing_stop, exit_reason, row_current_ind
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, TRUE
		)
		RETURNING surrogate_id, row_start_ts`

	err := q.QueryRow(ctx, query,
		p.BusinessKey, p.MarketID, p.StrategyVersionID, p.ModelVersionID,
		string(p.Side), p.Quantity, p.EntryPrice, p.CurrentPrice, target,
		stopLoss, string(p.Status), p.UnrealizedPnL, realized,
		trailingJSON, exitReason,
	).Scan(&p.SurrogateID, &p.RowStart)
	if err != nil {
		return domain.Position{}, err
	}
	p.RowEnd = nil
	p.RowCurrent = true
	return p, nil
}

// Create inserts the first version of a new logical position, assigning a
// fresh business key.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) (domain.Position, error) {
	p.BusinessKey = uuid.New()
	p.Status = domain.PositionStatusOpen

	created, err := insertVersion(ctx, s.pool, p)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: create position: %w", err)
	}
	return created, nil
}

// refClause returns the WHERE fragment that resolves a PositionRef to its
// business key, using the given positional argument index.
func refClause(ref domain.PositionRef, argIdx int) (string, any) {
	if ref.BusinessKey != uuid.Nil {
		return fmt.Sprintf("business_key = $%d", argIdx), ref.BusinessKey
	}
	return fmt.Sprintf(
		"business_key = (SELECT business_key FROM positions WHERE surrogate_id = $%d)", argIdx,
	), ref.SurrogateID
}

// lockCurrent loads and row-locks the current version addressed by ref.
func lockCurrent(ctx context.Context, tx pgx.Tx, ref domain.PositionRef) (domain.Position, error) {
	clause, arg := refClause(ref, 1)
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE row_current_ind AND ` + clause + ` FOR UPDATE`

	p, err := scanPosition(tx.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, err
	}
	return p, nil
}

// supersede expires the current row and inserts next as the new current
// version within tx.
func supersede(ctx context.Context, tx pgx.Tx, current domain.Position, next domain.Position) (domain.Position, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE positions SET row_current_ind = FALSE, row_end_ts = NOW()
		 WHERE surrogate_id = $1 AND row_current_ind`,
		current.SurrogateID,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.Position{}, domain.ErrNotFound
	}
	return insertVersion(ctx, tx, next)
}

// Update expires the current row and inserts a new version with the deltas
// applied, all within one transaction.
func (s *PositionStore) Update(ctx context.Context, ref domain.PositionRef, changes domain.PositionUpdate) (domain.Position, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := lockCurrent(ctx, tx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Position{}, err
		}
		return domain.Position{}, fmt.Errorf("postgres: lock current position: %w", err)
	}

	next := current
	if changes.CurrentPrice != nil {
		next.CurrentPrice = *changes.CurrentPrice
	}
	if changes.UnrealizedPnL != nil {
		next.UnrealizedPnL = *changes.UnrealizedPnL
	}
	if changes.TargetPrice != nil {
		next.TargetPrice = changes.TargetPrice
	}
	if changes.StopLossPrice != nil {
		next.StopLossPrice = changes.StopLossPrice
	}
	if changes.TrailingStop != nil {
		next.TrailingStop = changes.TrailingStop
	}

	updated, err := supersede(ctx, tx, current, next)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: update position %s: %w", current.BusinessKey, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: commit update: %w", err)
	}
	return updated, nil
}

// finalize runs the shared terminal two-step: lock the current row, verify it
// is still open, expire it, and insert the terminal version.
func (s *PositionStore) finalize(ctx context.Context, ref domain.PositionRef, op string, status domain.PositionStatus, exitPrice decimal.Decimal, reason domain.ExitReason, realizedPnL decimal.Decimal) (domain.Position, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: begin %s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := lockCurrent(ctx, tx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Position{}, err
		}
		return domain.Position{}, fmt.Errorf("postgres: lock current position: %w", err)
	}
	if !current.IsOpen() {
		return domain.Position{}, &domain.InvalidPositionStateError{
			BusinessKey: current.BusinessKey,
			Status:      current.Status,
			Op:          op,
		}
	}

	next := current
	next.Status = status
	next.CurrentPrice = exitPrice
	next.UnrealizedPnL = decimal.Zero
	next.RealizedPnL = &realizedPnL
	next.ExitReason = &reason

	final, err := supersede(ctx, tx, current, next)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: %s position %s: %w", op, current.BusinessKey, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: commit %s: %w", op, err)
	}
	return final, nil
}

// Close finalizes the position with the same two-step pattern, setting the
// terminal fields. Closing a non-open position fails with
// InvalidPositionStateError.
func (s *PositionStore) Close(ctx context.Context, ref domain.PositionRef, exitPrice decimal.Decimal, reason domain.ExitReason, realizedPnL decimal.Decimal) (domain.Position, error) {
	return s.finalize(ctx, ref, "close", domain.PositionStatusClosed, exitPrice, reason, realizedPnL)
}

// Settle finalizes the position at market resolution with status settled and
// exit reason settlement.
func (s *PositionStore) Settle(ctx context.Context, ref domain.PositionRef, settlementPrice decimal.Decimal, realizedPnL decimal.Decimal) (domain.Position, error) {
	return s.finalize(ctx, ref, "settle", domain.PositionStatusSettled, settlementPrice, domain.ExitReasonSettlement, realizedPnL)
}

// GetCurrent returns the single current row for a business key.
func (s *PositionStore) GetCurrent(ctx context.Context, key uuid.UUID) (domain.Position, error) {
	return s.Resolve(ctx, domain.ByBusinessKey(key))
}

// Resolve returns the current row addressed by ref.
func (s *PositionStore) Resolve(ctx context.Context, ref domain.PositionRef) (domain.Position, error) {
	clause, arg := refClause(ref, 1)
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE row_current_ind AND ` + clause

	p, err := scanPosition(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: resolve position: %w", err)
	}
	return p, nil
}

// History returns every version of a logical position, oldest first.
func (s *PositionStore) History(ctx context.Context, key uuid.UUID) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE business_key = $1
		 ORDER BY row_start_ts ASC, surrogate_id ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("postgres: position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// ListOpen returns the current rows of all open positions.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE row_current_ind AND status = 'open'
		 ORDER BY row_start_ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListClosedSince returns current rows of positions that left the open state
// (closed or settled) at or after t.
func (s *PositionStore) ListClosedSince(ctx context.Context, t time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE row_current_ind AND status IN ('closed', 'settled') AND row_start_ts >= $1
		 ORDER BY row_start_ts ASC`, t)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
