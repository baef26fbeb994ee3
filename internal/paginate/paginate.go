// Package paginate implements the keyset pagination engine of
// spec.md §4.2: for each item read, it builds the predicate/ordering a
// connector needs and advances the cursor after the read completes.
package paginate

import (
	"fmt"

	"github.com/stratum-dmt/stratum/internal/errs"
	"github.com/stratum-dmt/stratum/internal/plan"
	"github.com/stratum-dmt/stratum/internal/value"
)

// Predicate is dialect-agnostic keyset predicate a connector renders
// into its own SQL/query text. Op is "" on the very first read (no
// prior cursor), "pk_gt" for the Pk strategy, and "keyset_gt" for the
// Numeric/Timestamp two-column form.
type Predicate struct {
	Op          string
	CursorCol   string
	Tiebreaker  string // empty for Pk
	CursorVal   value.Value
	Tiebreaker2 value.Value
	OrderBy     []OrderColumn
	Limit       int
}

// OrderColumn is one ORDER BY term a connector must render, in order.
type OrderColumn struct {
	Column string
	Desc   bool
}

// Engine builds predicates and advances cursors for one item's offset
// spec. It refuses floating-point cursor columns per spec.md §4.2.
type Engine struct {
	spec       plan.OffsetSpec
	pkColumn   string // resolved default for OffsetPk when spec.Cursor is nil
}

// New builds a pagination Engine for item, defaulting Pk's cursor
// column to the table's single-column primary key when unset (spec.md
// §3, "Pk defaults cursor to the single-column PK").
func New(spec plan.OffsetSpec, primaryKeyColumn string) (*Engine, error) {
	if spec.Strategy == plan.OffsetNumeric || spec.Strategy == plan.OffsetTimestamp {
		if spec.Cursor == nil {
			return nil, errs.New(errs.PlanInvalid, "paginate.New",
				fmt.Sprintf("%s strategy requires an explicit cursor column", spec.Strategy))
		}
	}
	return &Engine{spec: spec, pkColumn: primaryKeyColumn}, nil
}

func (e *Engine) cursorColumn() string {
	if e.spec.Cursor != nil {
		return *e.spec.Cursor
	}
	return e.pkColumn
}

func (e *Engine) tiebreakerColumn() string {
	if e.spec.Tiebreaker != nil {
		return *e.spec.Tiebreaker
	}
	return e.pkColumn
}

// ValidateCursorKind refuses floating-point cursor columns: their
// comparisons are non-monotone under repeated equality checks
// (spec.md §4.2).
func ValidateCursorKind(kind value.Kind) error {
	if kind == value.KindFloat64 {
		return errs.New(errs.PlanInvalid, "paginate.ValidateCursorKind",
			"floating-point columns cannot be used as pagination cursors")
	}
	return nil
}

// NextPredicate builds the predicate for the next read given the
// current cursor (value.Zero on the first read) and batch size.
func (e *Engine) NextPredicate(cur value.Cursor, limit int) Predicate {
	col := e.cursorColumn()

	switch e.spec.Strategy {
	case plan.OffsetPk:
		if cur.IsZero() {
			return Predicate{
				OrderBy: []OrderColumn{{Column: col}},
				Limit:   limit,
			}
		}
		return Predicate{
			Op:        "pk_gt",
			CursorCol: col,
			CursorVal: cur.CursorValue,
			OrderBy:   []OrderColumn{{Column: col}},
			Limit:     limit,
		}

	default: // Numeric, Timestamp
		tb := e.tiebreakerColumn()
		if cur.IsZero() {
			return Predicate{
				OrderBy: []OrderColumn{{Column: col}, {Column: tb}},
				Limit:   limit,
			}
		}
		return Predicate{
			Op:          "keyset_gt",
			CursorCol:   col,
			Tiebreaker:  tb,
			CursorVal:   cur.CursorValue,
			Tiebreaker2: cur.TiebreakerValue,
			OrderBy:     []OrderColumn{{Column: col}, {Column: tb}},
			Limit:       limit,
		}
	}
}

// CursorFor returns the cursor row would advance to if it were the
// last (and only) row of a read, reading its cursor/tiebreaker columns
// off entity-qualified keys. A connector's Read uses this to stamp
// every row it returns with its own cursor (value.Batch.RowCursors),
// not just the last row with the read's overall CursorAfter.
func (e *Engine) CursorFor(entity string, row value.Row) value.Cursor {
	cursorVal, _ := row.Get(entity + "." + e.cursorColumn())
	if e.spec.Strategy == plan.OffsetPk {
		return value.Cursor{CursorValue: cursorVal, TiebreakerValue: value.Null}
	}
	tie, _ := row.Get(entity + "." + e.tiebreakerColumn())
	return value.Cursor{CursorValue: cursorVal, TiebreakerValue: tie}
}

// AdvanceCursor computes the new cursor after reading a batch, taking
// the last row's cursor/tiebreaker column values. It returns
// PaginationStuck if the new cursor does not strictly exceed prior —
// spec.md §7 requires this to trigger the forced tiebreaker nudge in
// the caller (internal/pipeline).
func (e *Engine) AdvanceCursor(prior value.Cursor, lastCursorVal, lastTiebreakerVal value.Value) (value.Cursor, error) {
	if err := ValidateCursorKind(lastCursorVal.Kind); err != nil {
		return prior, err
	}
	next := value.Cursor{CursorValue: lastCursorVal, TiebreakerValue: lastTiebreakerVal}
	if e.spec.Strategy == plan.OffsetPk {
		next.TiebreakerValue = value.Null
	}
	if !prior.IsZero() && !prior.Less(next) {
		return prior, errs.New(errs.PaginationStuck, "paginate.AdvanceCursor",
			"read returned a non-advancing cursor")
	}
	return next, nil
}
