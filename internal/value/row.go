package value

// Row is an ordered map from qualified column name ("entity.column")
// to Value. Columns preserves insertion order for CSV/COPY encoding;
// the map gives O(1) lookup for the evaluator.
type Row struct {
	Columns []string
	byName  map[string]Value
}

// NewRow builds an empty Row ready for Set.
func NewRow() Row {
	return Row{byName: make(map[string]Value)}
}

// Set assigns col=v, appending col to Columns on first assignment so
// column order matches first-write order.
func (r *Row) Set(col string, v Value) {
	if r.byName == nil {
		r.byName = make(map[string]Value)
	}
	if _, ok := r.byName[col]; !ok {
		r.Columns = append(r.Columns, col)
	}
	r.byName[col] = v
}

// Get returns the value at col, or Null with ok=false if absent.
func (r Row) Get(col string) (Value, bool) {
	v, ok := r.byName[col]
	return v, ok
}

// Clone returns a deep-enough copy safe to mutate independently: the
// column order and name-to-value map are copied.
func (r Row) Clone() Row {
	out := Row{
		Columns: append([]string(nil), r.Columns...),
		byName:  make(map[string]Value, len(r.byName)),
	}
	for k, v := range r.byName {
		out.byName[k] = v
	}
	return out
}
