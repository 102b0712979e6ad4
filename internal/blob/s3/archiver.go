package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/riskcore/internal/domain"
)

// Narrow store interfaces required by the archiver. The archiver only needs
// the query methods it actually calls, not the full domain store interfaces;
// the Postgres stores satisfy these implicitly.

// PositionArchiveStore provides read access to positions for archival.
type PositionArchiveStore interface {
	// ListClosedSince returns current rows of positions that left the open
	// state (closed or settled) at or after t.
	ListClosedSince(ctx context.Context, t time.Time) ([]domain.Position, error)
	// History returns all versions of a logical position, oldest first.
	History(ctx context.Context, key uuid.UUID) ([]domain.Position, error)
}

// TradeArchiveStore provides read access to a position's trades for archival.
type TradeArchiveStore interface {
	ListByPosition(ctx context.Context, key uuid.UUID) ([]domain.Trade, error)
}

// positionArchiveRecord is one JSONL line: the full version chain of a closed
// position together with its attribution trades.
type positionArchiveRecord struct {
	BusinessKey uuid.UUID         `json:"business_key"`
	History     []domain.Position `json:"history"`
	Trades      []domain.Trade    `json:"trades"`
}

// Archiver snapshots closed positions to S3. For every position closed in the
// window it serializes the complete version chain plus trades to JSONL and
// uploads the file partitioned by day.
//
// Deletion of archived rows from the primary store is intentionally NOT
// performed here; superseded rows are immutable history and stay queryable.
type Archiver struct {
	writer    domain.BlobWriter
	positions PositionArchiveStore
	trades    TradeArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates a new Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	positions PositionArchiveStore,
	trades TradeArchiveStore,
	audit domain.AuditStore,
) *Archiver {
	return &Archiver{
		writer:    writer,
		positions: positions,
		trades:    trades,
		audit:     audit,
	}
}

// ArchiveClosedPositions queries positions closed at or after since, fetches
// each one's full version history and trades, serializes the records to
// JSONL, and uploads the file to archive/positions/YYYY-MM-DD.jsonl. The
// archival event is recorded in the audit log and the count of archived
// positions is returned.
func (a *Archiver) ArchiveClosedPositions(ctx context.Context, since time.Time) (int64, error) {
	closed, err := a.positions.ListClosedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(closed) == 0 {
		return 0, nil
	}

	records := make([]positionArchiveRecord, 0, len(closed))
	for _, pos := range closed {
		history, err := a.positions.History(ctx, pos.BusinessKey)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive position history %s: %w", pos.BusinessKey, err)
		}
		trades, err := a.trades.ListByPosition(ctx, pos.BusinessKey)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive position trades %s: %w", pos.BusinessKey, err)
		}
		records = append(records, positionArchiveRecord{
			BusinessKey: pos.BusinessKey,
			History:     history,
			Trades:      trades,
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", time.Now().UTC())
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(records))

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":  path,
		"count": count,
		"since": since.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by day.
//
//	archive/positions/2025-01-15.jsonl
func archivePath(kind string, at time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, at.Format("2006-01-02"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON. Each
// element becomes a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
