package value

// Batch is an ordered slice of Rows produced atomically by one source
// read and committed atomically by one destination write, plus the
// monotonic cursor every row in it satisfies. Invariant (spec.md §3):
// CursorAfter is strictly greater than the cursor written to the state
// store at the time the batch began assembly.
//
// RowCursors, when set by a Source's Read, carries the cursor each row
// in Rows would advance to on its own, same length and order as Rows.
// A pipeline stage that drops rows (e.g. FILTER) keeps the cursor
// belonging to a row it keeps, rather than assuming every row shares
// the read's overall CursorAfter — a read can under-fill the batch a
// consumer eventually writes, so the two are not interchangeable.
type Batch struct {
	Rows        []Row
	RowCursors  []Cursor
	CursorAfter Cursor
	BatchID     string
}

// Len returns the row count.
func (b Batch) Len() int { return len(b.Rows) }
