package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/riskcore/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Rows are only
// ever inserted; there is no update path.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, business_key, market_id, strategy_version_id,
	model_version_id, side, action, price, quantity, fees, executed_at`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var side, action string

	err := row.Scan(
		&t.ID, &t.BusinessKey, &t.MarketID, &t.StrategyVersionID,
		&t.ModelVersionID, &side, &action, &t.Price, &t.Quantity,
		&t.Fees, &t.ExecutedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.Side(side)
	t.Action = domain.TradeAction(action)
	return t, nil
}

// Insert appends one attribution record.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) (domain.Trade, error) {
	const query = `
		INSERT INTO trades (
			business_key, market_id, strategy_version_id, model_version_id,
			side, action, price, quantity, fees, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		t.BusinessKey, t.MarketID, t.StrategyVersionID, t.ModelVersionID,
		string(t.Side), string(t.Action), t.Price, t.Quantity, t.Fees, t.ExecutedAt,
	).Scan(&t.ID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: insert trade for %s: %w", t.BusinessKey, err)
	}
	return t, nil
}

// ListByPosition returns all trades of one logical position, oldest first.
func (s *TradeStore) ListByPosition(ctx context.Context, key uuid.UUID) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE business_key = $1 ORDER BY executed_at ASC, id ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("postgres: trades by position: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

// ListByVersion returns trades attributed to a strategy or model version,
// newest first.
func (s *TradeStore) ListByVersion(ctx context.Context, kind domain.VersionKind, versionID int64, opts domain.ListOpts) ([]domain.Trade, error) {
	col := "strategy_version_id"
	if kind == domain.KindModel {
		col = "model_version_id"
	}

	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE ` + col + ` = $1`
	args := []any{versionID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY executed_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: trades by version: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

func collectTrades(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: trade rows: %w", err)
	}
	return trades, nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
