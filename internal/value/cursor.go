package value

// Cursor is the opaque, ordered position marker used to resume
// pagination: the serialized tuple (cursor_value, tiebreaker_value)
// from spec.md §3. A Pk-strategy cursor leaves Tiebreaker unset; a
// Numeric/Timestamp cursor sets both. Comparison is lexicographic on
// (CursorValue, TiebreakerValue).
//
// This unifies the Rust source's Pk/Numeric/Timestamp/CompositeNumPk/
// CompositeTsPk cursor variants (original_source/data-model/src/
// pagination/cursor.rs) into one struct, per SPEC_FULL.md §3.
type Cursor struct {
	CursorValue     Value
	TiebreakerValue Value
}

// Zero is the cursor before any read has happened.
var Zero = Cursor{}

// IsZero reports whether c represents "no prior read".
func (c Cursor) IsZero() bool {
	return c.CursorValue.IsNull() && c.TiebreakerValue.IsNull()
}

// Less reports c < o under lexicographic (cursor, tiebreaker) order.
// Only Int64, Decimal, and Timestamp cursor kinds are supported; the
// pagination engine refuses floating-point cursor columns before this
// is ever called (spec.md §4.2).
func (c Cursor) Less(o Cursor) bool {
	if cmp := compareOrdered(c.CursorValue, o.CursorValue); cmp != 0 {
		return cmp < 0
	}
	return compareOrdered(c.TiebreakerValue, o.TiebreakerValue) < 0
}

// Equal reports whether both cursor components compare equal.
func (c Cursor) Equal(o Cursor) bool {
	return c.CursorValue.Equal(o.CursorValue) && c.TiebreakerValue.Equal(o.TiebreakerValue)
}

// compareOrdered compares two ordered-cursor-eligible Values; Null
// sorts before any concrete value (used only for the "unset" state).
func compareOrdered(a, b Value) int {
	if a.IsNull() && b.IsNull() {
		return 0
	}
	if a.IsNull() {
		return -1
	}
	if b.IsNull() {
		return 1
	}
	switch a.Kind {
	case KindInt64:
		ai, _ := a.AsInt64()
		bi, _ := b.AsInt64()
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	case KindDecimal:
		ad, _ := a.AsDecimal()
		bd, _ := b.AsDecimal()
		return ad.Cmp(bd)
	case KindTimestamp:
		at, _ := a.AsTimestamp()
		bt, _ := b.AsTimestamp()
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		default:
			return 0
		}
	default:
		// Non-orderable kinds (string tiebreakers, e.g.) fall back to
		// byte-wise comparison so string PKs still page deterministically.
		as := a.StringValue()
		bs := b.StringValue()
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
}
