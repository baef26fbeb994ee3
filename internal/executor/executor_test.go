package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratum-dmt/stratum/internal/connector"
	"github.com/stratum-dmt/stratum/internal/events"
	"github.com/stratum-dmt/stratum/internal/plan"
	"github.com/stratum-dmt/stratum/internal/state"
	"github.com/stratum-dmt/stratum/internal/value"
)

// fakeSource serves a fixed set of rows once, ignoring the cursor
// beyond the point already consumed (parallelism tests don't exercise
// resume semantics, only that every item's pipeline actually runs).
type fakeSource struct {
	entity string
	pkCol  string
	rows   []value.Row
	served bool
}

func (s *fakeSource) Describe(ctx context.Context) (connector.TableMetadata, error) {
	return connector.TableMetadata{
		Columns:           []connector.ColumnMetadata{{Name: s.pkCol, IsPK: true}},
		PrimaryKeyColumns: []string{s.pkCol},
	}, nil
}

func (s *fakeSource) Read(ctx context.Context, cur value.Cursor, limit int, pushdown *connector.FilterPushdown) (value.Batch, error) {
	if s.served {
		return value.Batch{}, nil
	}
	s.served = true
	cursors := make([]value.Cursor, len(s.rows))
	for i := range s.rows {
		cursors[i] = value.Cursor{CursorValue: value.Int64(int64(i + 1))}
	}
	return value.Batch{Rows: s.rows, RowCursors: cursors, CursorAfter: value.Cursor{CursorValue: value.Int64(int64(len(s.rows)))}}, nil
}

func (s *fakeSource) Close() error { return nil }

type fakeDest struct {
	written int
}

func (d *fakeDest) Prepare(ctx context.Context, plan connector.SchemaPlan) error { return nil }

func (d *fakeDest) Write(ctx context.Context, b value.Batch) (connector.WriteResult, error) {
	d.written += len(b.Rows)
	return connector.WriteResult{Rows: int64(len(b.Rows)), Bytes: int64(len(b.Rows)) * 8}, nil
}

func (d *fakeDest) Flush(ctx context.Context) error { return nil }

func (d *fakeDest) Capabilities() connector.Capabilities { return connector.Capabilities{} }

func (d *fakeDest) Describe(ctx context.Context) (connector.TableMetadata, error) {
	return connector.TableMetadata{}, nil
}

func rowsFor(entity string, ids ...int64) []value.Row {
	out := make([]value.Row, 0, len(ids))
	for _, id := range ids {
		r := value.NewRow()
		r.Set(entity+".id", value.Int64(id))
		out = append(out, r)
	}
	return out
}

func TestExecutorRunsAllItemsConcurrently(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	registry := Registry{
		Sources: map[string]connector.Source{
			"orders":    &fakeSource{entity: "orders", pkCol: "id", rows: rowsFor("orders", 1, 2)},
			"customers": &fakeSource{entity: "customers", pkCol: "id", rows: rowsFor("customers", 1)},
		},
		Destinations: map[string]connector.Destination{
			"orders_flat":    &fakeDest{},
			"customers_flat": &fakeDest{},
		},
	}
	bus := events.NewBus()
	exec := New(store, registry, bus, 2)

	p := plan.MigrationPlan{
		GlobalSettings: plan.DefaultSettings(),
		Items: []plan.MigrationItem{
			{ID: "orders", SourceKind: plan.SourceTable, SourceNames: []string{"orders"}, DestinationKind: plan.DestinationTable, DestinationName: "orders_flat"},
			{ID: "customers", SourceKind: plan.SourceTable, SourceNames: []string{"customers"}, DestinationKind: plan.DestinationTable, DestinationName: "customers_flat"},
		},
	}

	rep, err := exec.Run(ctx, p)
	require.NoError(t, err)
	require.Len(t, rep.Items, 2)
	for _, ir := range rep.Items {
		require.Equal(t, "finished", ir.State)
		require.Empty(t, ir.Error)
	}
	require.True(t, rep.Succeeded())
	require.Equal(t, int64(3), rep.TotalRows())
}

func TestExecutorMissingSourceFailsThatItem(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	registry := Registry{
		Sources:      map[string]connector.Source{},
		Destinations: map[string]connector.Destination{"orders_flat": &fakeDest{}},
	}
	bus := events.NewBus()
	exec := New(store, registry, bus, 1)

	p := plan.MigrationPlan{
		GlobalSettings: plan.DefaultSettings(),
		Items: []plan.MigrationItem{
			{ID: "orders", SourceKind: plan.SourceTable, SourceNames: []string{"orders"}, DestinationKind: plan.DestinationTable, DestinationName: "orders_flat"},
		},
	}

	rep, err := exec.Run(ctx, p)
	require.Error(t, err)
	require.Len(t, rep.Items, 1)
	require.NotEmpty(t, rep.Items[0].Error)
	require.False(t, rep.Succeeded())
}
