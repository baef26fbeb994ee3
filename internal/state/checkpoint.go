package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/stratum-dmt/stratum/internal/errs"
	"github.com/stratum-dmt/stratum/internal/value"
)

// Checkpoint is one item's durable progress marker (spec.md §4.7's
// `runs/<plan_hash>/items/<id>/ckp`).
type Checkpoint struct {
	Cursor           value.Cursor
	RowsProcessed    int64
	BytesTransferred int64
	LastBatchID      string
	ItemState        string
	UpdatedAt        time.Time
}

// Manager is the checkpoint manager of spec.md §4.7: it loads an
// item's last committed checkpoint on resume, and commits new ones
// transactionally alongside a WAL entry.
type Manager struct {
	store *Store
}

// NewManager builds a Manager over an open Store.
func NewManager(s *Store) *Manager { return &Manager{store: s} }

// Load returns the last committed checkpoint for (planHash, itemID),
// or ok=false if the item has never made progress under this plan
// hash — the caller should then start pagination from OffsetSpec's
// declared start rather than from any cursor.
func (m *Manager) Load(ctx context.Context, planHash, itemID string) (Checkpoint, bool, error) {
	row := m.store.db.QueryRowContext(ctx, `
		SELECT cursor_kind, cursor_value, tiebreaker_kind, tiebreaker_value,
		       rows_processed, bytes_transferred, last_batch_id, state, updated_at
		FROM checkpoints WHERE plan_hash = ? AND item_id = ?`, planHash, itemID)

	var cKind, tKind int
	var cVal, tVal sql.NullString
	var ckp Checkpoint
	var updatedAt string
	err := row.Scan(&cKind, &cVal, &tKind, &tVal, &ckp.RowsProcessed, &ckp.BytesTransferred,
		&ckp.LastBatchID, &ckp.ItemState, &updatedAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, errs.Wrap(errs.CheckpointFailed, "state.Load", "reading checkpoint", err)
	}

	ckp.Cursor = value.Cursor{
		CursorValue:     deserializeValue(cKind, cVal.String, !cVal.Valid),
		TiebreakerValue: deserializeValue(tKind, tVal.String, !tVal.Valid),
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", updatedAt); err == nil {
		ckp.UpdatedAt = ts
	}
	return ckp, true, nil
}

// ItemCheckpoint pairs a Checkpoint with the item_id it belongs to, for
// listing every item's progress under one plan hash.
type ItemCheckpoint struct {
	ItemID string
	Checkpoint
}

// ListByPlan returns every item's checkpoint under planHash, for the
// `progress` CLI surface (spec.md §6: "read the state store and emit
// progress JSON").
func (m *Manager) ListByPlan(ctx context.Context, planHash string) ([]ItemCheckpoint, error) {
	rows, err := m.store.db.QueryContext(ctx, `
		SELECT item_id, cursor_kind, cursor_value, tiebreaker_kind, tiebreaker_value,
		       rows_processed, bytes_transferred, last_batch_id, state, updated_at
		FROM checkpoints WHERE plan_hash = ? ORDER BY item_id`, planHash)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "state.ListByPlan", "listing checkpoints", err)
	}
	defer rows.Close()

	var out []ItemCheckpoint
	for rows.Next() {
		var ic ItemCheckpoint
		var cKind, tKind int
		var cVal, tVal sql.NullString
		var updatedAt string
		if err := rows.Scan(&ic.ItemID, &cKind, &cVal, &tKind, &tVal, &ic.RowsProcessed,
			&ic.BytesTransferred, &ic.LastBatchID, &ic.ItemState, &updatedAt); err != nil {
			return nil, errs.Wrap(errs.Internal, "state.ListByPlan", "scanning checkpoint row", err)
		}
		ic.Cursor = value.Cursor{
			CursorValue:     deserializeValue(cKind, cVal.String, !cVal.Valid),
			TiebreakerValue: deserializeValue(tKind, tVal.String, !tVal.Valid),
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", updatedAt); err == nil {
			ic.UpdatedAt = ts
		}
		out = append(out, ic)
	}
	return out, rows.Err()
}

// MarkLanded durably records, in its own transaction, that batchID's
// destination write for (planHash, itemID) has completed. Call this
// immediately after the write succeeds and before Commit finalizes the
// checkpoint: if the process crashes in that narrow window, the wal
// row survives and WasCommitted lets the next run recognize the batch
// without redoing the write (see AdvanceFromWAL).
func (m *Manager) MarkLanded(ctx context.Context, planHash, itemID, batchID string, cursor value.Cursor, rowsDelta, bytesDelta int64) error {
	cKind, cVal := serializeValue(cursor.CursorValue)
	tKind, tVal := serializeValue(cursor.TiebreakerValue)
	_, err := m.store.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO wal (plan_hash, item_id, batch_id, cursor_kind, cursor_value,
			tiebreaker_kind, tiebreaker_value, rows, bytes, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		planHash, itemID, batchID, cKind, cVal, tKind, tVal, rowsDelta, bytesDelta)
	if err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.MarkLanded", "writing wal entry", err)
	}
	return nil
}

// AdvanceFromWAL finalizes the checkpoint for a batch MarkLanded
// already recorded, reading its cursor/rows/bytes back out of the wal
// row instead of requiring the caller to supply them again. This is
// what a resumed pipeline calls when WasCommitted finds a batch a
// prior run wrote to the destination but never got to check point.
func (m *Manager) AdvanceFromWAL(ctx context.Context, planHash, itemID, batchID, itemState string) error {
	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.AdvanceFromWAL", "beginning transaction", err)
	}
	defer tx.Rollback()

	var cKind, tKind int
	var cVal, tVal sql.NullString
	var rowsDelta, bytesDelta int64
	row := tx.QueryRowContext(ctx, `
		SELECT cursor_kind, cursor_value, tiebreaker_kind, tiebreaker_value, rows, bytes
		FROM wal WHERE plan_hash = ? AND item_id = ? AND batch_id = ?`, planHash, itemID, batchID)
	if err := row.Scan(&cKind, &cVal, &tKind, &tVal, &rowsDelta, &bytesDelta); err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.AdvanceFromWAL", "reading wal entry", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (plan_hash, item_id, cursor_kind, cursor_value, tiebreaker_kind,
			tiebreaker_value, rows_processed, bytes_transferred, last_batch_id, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(plan_hash, item_id) DO UPDATE SET
			cursor_kind = excluded.cursor_kind,
			cursor_value = excluded.cursor_value,
			tiebreaker_kind = excluded.tiebreaker_kind,
			tiebreaker_value = excluded.tiebreaker_value,
			rows_processed = checkpoints.rows_processed + excluded.rows_processed,
			bytes_transferred = checkpoints.bytes_transferred + excluded.bytes_transferred,
			last_batch_id = excluded.last_batch_id,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		planHash, itemID, cKind, cVal, tKind, tVal, rowsDelta, bytesDelta, batchID, itemState); err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.AdvanceFromWAL", "advancing checkpoint", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM wal WHERE plan_hash = ? AND item_id = ? AND batch_id != ?`,
		planHash, itemID, batchID); err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.AdvanceFromWAL", "compacting wal", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.AdvanceFromWAL", "committing transaction", err)
	}
	return nil
}

// Commit atomically records that batchID's rows are durably reflected
// at cursor, and advances the checkpoint to match. It must be called
// only after the destination write for batchID has itself committed
// successfully — that ordering (destination write, then checkpoint
// commit) is what spec.md §4.7 means by "recovery never observes a
// checkpoint that is ahead of the corresponding destination write":
// a crash between the two steps redoes the batch against an idempotent
// destination write path, never skips it.
func (m *Manager) Commit(ctx context.Context, planHash, itemID, batchID string, cursor value.Cursor, rowsDelta, bytesDelta int64, itemState string) error {
	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.Commit", "beginning transaction", err)
	}
	defer tx.Rollback()

	cKind, cVal := serializeValue(cursor.CursorValue)
	tKind, tVal := serializeValue(cursor.TiebreakerValue)

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO wal (plan_hash, item_id, batch_id, cursor_kind, cursor_value,
			tiebreaker_kind, tiebreaker_value, rows, bytes, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		planHash, itemID, batchID, cKind, cVal, tKind, tVal, rowsDelta, bytesDelta); err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.Commit", "writing wal entry", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (plan_hash, item_id, cursor_kind, cursor_value, tiebreaker_kind,
			tiebreaker_value, rows_processed, bytes_transferred, last_batch_id, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(plan_hash, item_id) DO UPDATE SET
			cursor_kind = excluded.cursor_kind,
			cursor_value = excluded.cursor_value,
			tiebreaker_kind = excluded.tiebreaker_kind,
			tiebreaker_value = excluded.tiebreaker_value,
			rows_processed = checkpoints.rows_processed + excluded.rows_processed,
			bytes_transferred = checkpoints.bytes_transferred + excluded.bytes_transferred,
			last_batch_id = excluded.last_batch_id,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		planHash, itemID, cKind, cVal, tKind, tVal, rowsDelta, bytesDelta, batchID, itemState); err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.Commit", "advancing checkpoint", err)
	}

	// Compact the WAL below the live checkpoint: only the batch that
	// produced the current checkpoint needs to stay, kept so an
	// immediate retry after a crash can recognize it already landed.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM wal WHERE plan_hash = ? AND item_id = ? AND batch_id != ?`,
		planHash, itemID, batchID); err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.Commit", "compacting wal", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CheckpointFailed, "state.Commit", "committing transaction", err)
	}
	return nil
}

// WasCommitted reports whether batchID already has a durable WAL
// entry for (planHash, itemID) — a resumed pipeline uses this to
// recognize a batch that landed just before a crash, in the narrow
// window between the destination write and the checkpoint commit
// that would otherwise make it redo work it already did.
func (m *Manager) WasCommitted(ctx context.Context, planHash, itemID, batchID string) (bool, error) {
	var n int
	err := m.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wal WHERE plan_hash = ? AND item_id = ? AND batch_id = ?`,
		planHash, itemID, batchID).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.CheckpointFailed, "state.WasCommitted", "checking wal", err)
	}
	return n > 0, nil
}
