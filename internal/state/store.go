// Package state implements the embedded ordered key-value state store
// of spec.md §4.7: the durable single source of truth for checkpoint
// progress and the write-ahead log of committed batches. It is backed
// by modernc.org/sqlite (pure-Go, no cgo), matching the teacher's
// checkpoint backend dependency.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stratum-dmt/stratum/internal/errs"
	"github.com/stratum-dmt/stratum/internal/value"
)

// FormatVersion is stamped into the meta table so future on-disk
// layout changes can be detected (spec.md §6, "format version is
// stamped in meta").
const FormatVersion = 1

// Store is the embedded state store. It holds a single SQLite
// connection, so all reads and writes, for every (plan_hash, item_id),
// run one at a time; reads wait for an in-progress write.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the SQLite database at path (":memory:"
// for tests) and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "state.Open", "opening sqlite database", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer; keeps write serialization simple and correct

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Internal, "state.Open", "setting WAL journal mode", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=FULL`); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Internal, "state.Open", "setting synchronous=FULL", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			plan_hash TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			settings_digest TEXT NOT NULL,
			format_version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			plan_hash TEXT NOT NULL,
			item_id TEXT NOT NULL,
			cursor_kind INTEGER NOT NULL,
			cursor_value TEXT,
			tiebreaker_kind INTEGER NOT NULL,
			tiebreaker_value TEXT,
			rows_processed INTEGER NOT NULL,
			bytes_transferred INTEGER NOT NULL,
			last_batch_id TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (plan_hash, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS wal (
			plan_hash TEXT NOT NULL,
			item_id TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			cursor_kind INTEGER NOT NULL,
			cursor_value TEXT,
			tiebreaker_kind INTEGER NOT NULL,
			tiebreaker_value TEXT,
			rows INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			committed_at TEXT NOT NULL,
			PRIMARY KEY (plan_hash, item_id, batch_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errs.Wrap(errs.Internal, "state.migrate", "applying schema", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// EnsureRun records the run's meta row if absent (spec.md §4.7's
// `runs/<plan_hash>/meta`); a repeat call with the same plan hash is a
// no-op, which is what lets a resumed run reuse the same identity.
func (s *Store) EnsureRun(ctx context.Context, planHash, runID, settingsDigest string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (plan_hash, run_id, started_at, settings_digest, format_version)
		VALUES (?, ?, datetime('now'), ?, ?)
		ON CONFLICT(plan_hash) DO NOTHING`,
		planHash, runID, settingsDigest, FormatVersion)
	if err != nil {
		return errs.Wrap(errs.Internal, "state.EnsureRun", "recording run meta", err)
	}
	return nil
}

// PlanHashForRun resolves a run_id back to the plan_hash that started
// it, for the `progress --run <id>` CLI surface (spec.md §6).
func (s *Store) PlanHashForRun(ctx context.Context, runID string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT plan_hash FROM meta WHERE run_id = ?`, runID)
	var planHash string
	if err := row.Scan(&planHash); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, errs.Wrap(errs.Internal, "state.PlanHashForRun", "looking up run", err)
	}
	return planHash, true, nil
}

// Runs lists every plan_hash/run_id pair recorded in the store, most
// recently started first, for `progress` with no --run filter.
func (s *Store) Runs(ctx context.Context) ([]RunMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plan_hash, run_id, started_at FROM meta ORDER BY started_at DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "state.Runs", "listing runs", err)
	}
	defer rows.Close()

	var out []RunMeta
	for rows.Next() {
		var m RunMeta
		if err := rows.Scan(&m.PlanHash, &m.RunID, &m.StartedAt); err != nil {
			return nil, errs.Wrap(errs.Internal, "state.Runs", "scanning run row", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RunMeta is one row of the meta table.
type RunMeta struct {
	PlanHash  string
	RunID     string
	StartedAt string
}

func serializeValue(v value.Value) (int, string) {
	if v.IsNull() {
		return int(value.KindNull), ""
	}
	return int(v.Kind), v.StringValue()
}

func deserializeValue(kind int, text string, isNull bool) value.Value {
	if isNull || value.Kind(kind) == value.KindNull {
		return value.Null
	}
	switch value.Kind(kind) {
	case value.KindInt64:
		var i int64
		fmt.Sscanf(text, "%d", &i)
		return value.Int64(i)
	case value.KindFloat64:
		var f float64
		fmt.Sscanf(text, "%g", &f)
		return value.Float64(f)
	case value.KindDecimal:
		v, err := value.DecimalFromString(text)
		if err != nil {
			return value.Null
		}
		return v
	case value.KindString:
		return value.String(text)
	case value.KindBool:
		return value.Bool(text == "true")
	case value.KindTimestamp:
		t, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return value.Null
		}
		return value.Timestamp(t)
	default:
		return value.String(text)
	}
}
