package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/riskcore/internal/domain"
)

// VersionStore implements domain.VersionStore using PostgreSQL.
//
// Identity columns (kind, name, version, class, domain, config) are written
// once at Create and never appear in an UPDATE statement afterwards; the
// config document is stored as TEXT so it reads back byte-identical.
type VersionStore struct {
	pool *pgxpool.Pool
}

// NewVersionStore creates a new VersionStore backed by the given connection pool.
func NewVersionStore(pool *pgxpool.Pool) *VersionStore {
	return &VersionStore{pool: pool}
}

const versionSelectCols = `id, kind, name, version, class, domain, config,
	status, paper_trades, live_trades, paper_pnl, live_pnl,
	created_at, updated_at`

func scanVersion(row pgx.Row) (domain.ConfigVersion, error) {
	var v domain.ConfigVersion
	var kind, status, config string

	err := row.Scan(
		&v.ID, &kind, &v.Identity.Name, &v.Identity.Version,
		&v.Identity.Class, &v.Identity.Domain, &config,
		&status, &v.Metrics.PaperTrades, &v.Metrics.LiveTrades,
		&v.Metrics.PaperPnL, &v.Metrics.LivePnL,
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return domain.ConfigVersion{}, err
	}
	v.Identity.Kind = domain.VersionKind(kind)
	v.Identity.Config = []byte(config)
	v.Status = domain.VersionStatus(status)
	return v, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new version in draft status. The config document is
// frozen at this point and never rewritten.
func (s *VersionStore) Create(ctx context.Context, identity domain.VersionIdentity) (domain.ConfigVersion, error) {
	const query = `
		INSERT INTO config_versions (kind, name, version, class, domain, config, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'draft')
		RETURNING ` + versionSelectCols

	v, err := scanVersion(s.pool.QueryRow(ctx, query,
		string(identity.Kind), identity.Name, identity.Version,
		identity.Class, identity.Domain, string(identity.Config),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ConfigVersion{}, &domain.DuplicateVersionError{
				Kind:    identity.Kind,
				Name:    identity.Name,
				Version: identity.Version,
			}
		}
		return domain.ConfigVersion{}, fmt.Errorf("postgres: create version %s/%s: %w", identity.Name, identity.Version, err)
	}
	return v, nil
}

// Get retrieves a single version by id.
func (s *VersionStore) Get(ctx context.Context, id int64) (domain.ConfigVersion, error) {
	query := `SELECT ` + versionSelectCols + ` FROM config_versions WHERE id = $1`

	v, err := scanVersion(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ConfigVersion{}, domain.ErrNotFound
		}
		return domain.ConfigVersion{}, fmt.Errorf("postgres: get version %d: %w", id, err)
	}
	return v, nil
}

// GetByName returns all versions of a name, newest first.
func (s *VersionStore) GetByName(ctx context.Context, kind domain.VersionKind, name string) ([]domain.ConfigVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionSelectCols+` FROM config_versions
		 WHERE kind = $1 AND name = $2
		 ORDER BY created_at DESC, id DESC`, string(kind), name)
	if err != nil {
		return nil, fmt.Errorf("postgres: versions by name %s: %w", name, err)
	}
	defer rows.Close()

	return collectVersions(rows)
}

// ListActive returns every version of the given kind in active status.
func (s *VersionStore) ListActive(ctx context.Context, kind domain.VersionKind) ([]domain.ConfigVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionSelectCols+` FROM config_versions
		 WHERE kind = $1 AND status = 'active'
		 ORDER BY name, created_at DESC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("postgres: list active versions: %w", err)
	}
	defer rows.Close()

	return collectVersions(rows)
}

func collectVersions(rows pgx.Rows) ([]domain.ConfigVersion, error) {
	var versions []domain.ConfigVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: version rows: %w", err)
	}
	return versions, nil
}

// UpdateStatus applies a lifecycle move after validating it against the
// transition table. The current status is read under a row lock so
// concurrent transitions serialize.
func (s *VersionStore) UpdateStatus(ctx context.Context, id int64, status domain.VersionStatus) (domain.ConfigVersion, error) {
	if !status.Valid() {
		return domain.ConfigVersion{}, &domain.InvalidStatusTransitionError{To: status}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.ConfigVersion{}, fmt.Errorf("postgres: begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var currentStr string
	err = tx.QueryRow(ctx,
		`SELECT status FROM config_versions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&currentStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ConfigVersion{}, domain.ErrNotFound
		}
		return domain.ConfigVersion{}, fmt.Errorf("postgres: lock version %d: %w", id, err)
	}

	current := domain.VersionStatus(currentStr)
	if !current.CanTransitionTo(status) {
		return domain.ConfigVersion{}, &domain.InvalidStatusTransitionError{From: current, To: status}
	}

	v, err := scanVersion(tx.QueryRow(ctx,
		`UPDATE config_versions SET status = $2, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+versionSelectCols, id, string(status)))
	if err != nil {
		return domain.ConfigVersion{}, fmt.Errorf("postgres: update status %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ConfigVersion{}, fmt.Errorf("postgres: commit status update: %w", err)
	}
	return v, nil
}

// UpdateMetrics adds the delta to the version's metric columns. Identity and
// config columns are not part of the statement.
func (s *VersionStore) UpdateMetrics(ctx context.Context, id int64, delta domain.MetricsDelta) (domain.ConfigVersion, error) {
	const query = `
		UPDATE config_versions SET
			paper_trades = paper_trades + $2,
			live_trades  = live_trades + $3,
			paper_pnl    = paper_pnl + $4,
			live_pnl     = live_pnl + $5,
			updated_at   = NOW()
		WHERE id = $1
		RETURNING ` + versionSelectCols

	v, err := scanVersion(s.pool.QueryRow(ctx, query,
		id, delta.PaperTrades, delta.LiveTrades, delta.PaperPnL, delta.LivePnL,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ConfigVersion{}, domain.ErrNotFound
		}
		return domain.ConfigVersion{}, fmt.Errorf("postgres: update metrics %d: %w", id, err)
	}
	return v, nil
}

// Compile-time interface check.
var _ domain.VersionStore = (*VersionStore)(nil)
