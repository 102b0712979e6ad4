package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore is the SCD Type 2 persistence contract for positions. Every
// write runs inside a single transaction: the current row is locked, expired
// (row_current_ind=false, row_end_ts=now), and a fresh row with a new
// surrogate id is inserted. A transaction abort leaves the previous current
// row intact, so readers never observe zero current rows for a business key.
type PositionStore interface {
	// Create inserts the first version of a new logical position, assigning
	// a fresh business key and surrogate id.
	Create(ctx context.Context, pos Position) (Position, error)
	// Update expires the current row and inserts a new version carrying the
	// given deltas. The returned row has a new surrogate id.
	Update(ctx context.Context, ref PositionRef, changes PositionUpdate) (Position, error)
	// Close finalizes the position: same two-step pattern, additionally
	// setting status, realized PnL, and exit reason. Closing a non-open
	// position fails with InvalidPositionStateError.
	Close(ctx context.Context, ref PositionRef, exitPrice decimal.Decimal, reason ExitReason, realizedPnL decimal.Decimal) (Position, error)
	// Settle finalizes the position at market resolution. The settlement
	// price sits outside the tradable band (1 when the market resolved in the
	// position's favor space, 0 otherwise); status becomes settled and the
	// exit reason is always settlement.
	Settle(ctx context.Context, ref PositionRef, settlementPrice decimal.Decimal, realizedPnL decimal.Decimal) (Position, error)
	// GetCurrent returns the single current row for a business key.
	GetCurrent(ctx context.Context, key uuid.UUID) (Position, error)
	// Resolve returns the current row addressed by ref.
	Resolve(ctx context.Context, ref PositionRef) (Position, error)
	// History returns all versions of a logical position, oldest first.
	History(ctx context.Context, key uuid.UUID) ([]Position, error)
	// ListOpen returns the current rows of all open positions.
	ListOpen(ctx context.Context) ([]Position, error)
	// ListClosedSince returns current rows of positions that left the open
	// state (closed or settled) at or after t.
	ListClosedSince(ctx context.Context, t time.Time) ([]Position, error)
}

// VersionStore persists immutable strategy/model config versions and their
// mutable lifecycle and metrics.
type VersionStore interface {
	// Create inserts a new version in draft status. It fails with
	// DuplicateVersionError when (kind, name, version) already exists.
	Create(ctx context.Context, identity VersionIdentity) (ConfigVersion, error)
	Get(ctx context.Context, id int64) (ConfigVersion, error)
	// GetByName returns all versions of a name, newest first.
	GetByName(ctx context.Context, kind VersionKind, name string) ([]ConfigVersion, error)
	// ListActive returns every version currently in active status.
	ListActive(ctx context.Context, kind VersionKind) ([]ConfigVersion, error)
	// UpdateStatus applies a lifecycle move validated against the transition
	// table; illegal moves fail with InvalidStatusTransitionError. Identity
	// and config are never touched.
	UpdateStatus(ctx context.Context, id int64, status VersionStatus) (ConfigVersion, error)
	// UpdateMetrics adds the delta to the version's metric fields only.
	UpdateMetrics(ctx context.Context, id int64, delta MetricsDelta) (ConfigVersion, error)
}

// TradeStore persists append-only trade attribution records.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) (Trade, error)
	ListByPosition(ctx context.Context, key uuid.UUID) ([]Trade, error)
	ListByVersion(ctx context.Context, kind VersionKind, versionID int64, opts ListOpts) ([]Trade, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// PriceFeed supplies the latest market price. The exchange client that
// populates it lives outside this module.
type PriceFeed interface {
	GetPrice(ctx context.Context, marketID string) (decimal.Decimal, time.Time, error)
}

// BalanceSource supplies available capital. Implemented by the external
// account service; consumed here only as an input to sizing and margin
// checks.
type BalanceSource interface {
	AvailableMargin(ctx context.Context) (decimal.Decimal, error)
}

// LockManager provides per-key mutual exclusion. Updates to one business key
// are serialized through it in addition to the store's row-level locking.
type LockManager interface {
	// Acquire returns an unlock function, or ErrLockHeld when the key is
	// already locked by another holder.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SignalBus publishes position lifecycle events to interested subscribers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads an object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
