package expr

import "github.com/stratum-dmt/stratum/internal/value"

// RowView is the read-only denormalized view the lookup planner
// produces for one primary row (spec.md §4.3): a map from
// "entity.column" to Value, backed by the joined auxiliary rows plus
// the primary source's own row.
type RowView struct {
	PrimaryEntity string
	Primary       value.Row
	Joined        map[string]value.Row // join alias -> that table's row for this primary row
}

// NewRowView wraps a bare primary row with no joins, for items with no
// LOAD clause.
func NewRowView(primaryEntity string, primary value.Row) RowView {
	return RowView{PrimaryEntity: primaryEntity, Primary: primary}
}

// Resolve implements the Lookup fallback carried forward from
// original_source/engine/src/expr/eval.rs: check the join mapping
// first, then fall back to the primary row's own column, per
// SPEC_FULL.md §4.4.
func (v RowView) Resolve(entity, key string) value.Value {
	qualified := entity + "." + key
	if joinedRow, ok := v.Joined[entity]; ok {
		if val, ok := joinedRow.Get(qualified); ok {
			return val
		}
	}
	if val, ok := v.Primary.Get(qualified); ok {
		return val
	}
	return value.Null
}
