package paginate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratum-dmt/stratum/internal/plan"
	"github.com/stratum-dmt/stratum/internal/value"
)

// S1 — PK pagination, spec.md §8: two batches committed with cursors 2
// and 3 over three rows with batch_size=2.
func TestS1PkPagination(t *testing.T) {
	eng, err := New(plan.OffsetSpec{Strategy: plan.OffsetPk}, "id")
	require.NoError(t, err)

	pred := eng.NextPredicate(value.Zero, 2)
	require.Equal(t, "", pred.Op)
	require.Equal(t, "id", pred.OrderBy[0].Column)

	cur, err := eng.AdvanceCursor(value.Zero, value.Int64(2), value.Null)
	require.NoError(t, err)
	require.Equal(t, int64(2), mustInt(cur.CursorValue))

	pred = eng.NextPredicate(cur, 2)
	require.Equal(t, "pk_gt", pred.Op)
	require.Equal(t, int64(2), mustInt(pred.CursorVal))

	cur, err = eng.AdvanceCursor(cur, value.Int64(3), value.Null)
	require.NoError(t, err)
	require.Equal(t, int64(3), mustInt(cur.CursorValue))
}

// S6 — timestamp pagination with tiebreaker, spec.md §8: four rows
// sharing updated_at=T, batch_size=2; batch 1 returns cursor (T,2),
// batch 2 returns (T,4); no row read twice or skipped.
func TestS6TimestampPaginationWithTiebreaker(t *testing.T) {
	cursorCol := "updated_at"
	tiebreaker := "id"
	eng, err := New(plan.OffsetSpec{
		Strategy:   plan.OffsetTimestamp,
		Cursor:     &cursorCol,
		Tiebreaker: &tiebreaker,
	}, "id")
	require.NoError(t, err)

	tstamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	pred := eng.NextPredicate(value.Zero, 2)
	require.Equal(t, "", pred.Op)
	require.Len(t, pred.OrderBy, 2)

	cur1, err := eng.AdvanceCursor(value.Zero, value.Timestamp(tstamp), value.Int64(2))
	require.NoError(t, err)

	pred2 := eng.NextPredicate(cur1, 2)
	require.Equal(t, "keyset_gt", pred2.Op)
	require.Equal(t, int64(2), mustInt(pred2.Tiebreaker2))

	cur2, err := eng.AdvanceCursor(cur1, value.Timestamp(tstamp), value.Int64(4))
	require.NoError(t, err)
	require.True(t, cur1.Less(cur2))
}

func TestNumericStrategyRequiresCursor(t *testing.T) {
	_, err := New(plan.OffsetSpec{Strategy: plan.OffsetNumeric}, "id")
	require.Error(t, err)
}

func TestFloatingPointCursorRefused(t *testing.T) {
	require.Error(t, ValidateCursorKind(value.KindFloat64))
	require.NoError(t, ValidateCursorKind(value.KindInt64))
}

func TestNonAdvancingCursorIsStuck(t *testing.T) {
	eng, err := New(plan.OffsetSpec{Strategy: plan.OffsetPk}, "id")
	require.NoError(t, err)

	cur, err := eng.AdvanceCursor(value.Zero, value.Int64(5), value.Null)
	require.NoError(t, err)

	_, err = eng.AdvanceCursor(cur, value.Int64(5), value.Null)
	require.Error(t, err)
}

func mustInt(v value.Value) int64 {
	i, _ := v.AsInt64()
	return i
}
