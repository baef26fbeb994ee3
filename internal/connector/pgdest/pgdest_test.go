package pgdest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratum-dmt/stratum/internal/value"
)

// Rows arriving at Write were already projected by pipeline.project(),
// which sets bare target-column keys ("id", "total"), never
// entity-qualified ones ("orders_flat.id"). columnsOf/rowsFor must key
// off the same bare names or every column silently comes back null.
func TestColumnsOfAndRowsForUseBareProjectedNames(t *testing.T) {
	d := &Destination{table: "orders_flat"}

	r1 := value.NewRow()
	r1.Set("id", value.Int64(1))
	r1.Set("total", value.Int64(100))
	r1.Set("status", value.String("a"))

	r2 := value.NewRow()
	r2.Set("id", value.Int64(2))
	r2.Set("total", value.Int64(200))
	r2.Set("status", value.Null)

	batch := value.Batch{Rows: []value.Row{r1, r2}}

	cols := d.columnsOf(batch)
	require.Equal(t, []string{"id", "total", "status"}, cols)

	rows := d.rowsFor(batch, cols)
	require.Len(t, rows, 2)

	byCol := func(rowIdx int) map[string]any {
		out := map[string]any{}
		for i, c := range cols {
			out[c] = rows[rowIdx][i]
		}
		return out
	}

	got0 := byCol(0)
	require.Equal(t, int64(1), got0["id"])
	require.Equal(t, int64(100), got0["total"])
	require.Equal(t, "a", got0["status"])

	got1 := byCol(1)
	require.Equal(t, int64(2), got1["id"])
	require.Equal(t, int64(200), got1["total"])
	require.Nil(t, got1["status"], "a Null value must come back as a nil driver arg, not be silently dropped")
}

// columnsOf takes row keys verbatim and never strips an entity-qualified
// prefix: a row keyed "orders_flat.id" yields the column
// "orders_flat.id", not "id".
func TestColumnsOfDoesNotStripAQualifiedPrefix(t *testing.T) {
	d := &Destination{table: "orders_flat"}

	row := value.NewRow()
	row.Set("orders_flat.id", value.Int64(1))
	batch := value.Batch{Rows: []value.Row{row}}

	cols := d.columnsOf(batch)
	require.Equal(t, []string{"orders_flat.id"}, cols)
}
