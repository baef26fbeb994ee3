package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratum-dmt/stratum/internal/connector"
	"github.com/stratum-dmt/stratum/internal/errs"
	"github.com/stratum-dmt/stratum/internal/events"
	"github.com/stratum-dmt/stratum/internal/expr"
	"github.com/stratum-dmt/stratum/internal/paginate"
	"github.com/stratum-dmt/stratum/internal/plan"
	"github.com/stratum-dmt/stratum/internal/retry"
	"github.com/stratum-dmt/stratum/internal/state"
	"github.com/stratum-dmt/stratum/internal/value"
)

// fakeSource is an in-memory Pk-paginated source used to exercise the
// pipeline without a real database.
type fakeSource struct {
	entity string
	pkCol  string
	rows   []value.Row
}

func (s *fakeSource) Describe(ctx context.Context) (connector.TableMetadata, error) {
	return connector.TableMetadata{
		Columns:           []connector.ColumnMetadata{{Name: s.pkCol, IsPK: true}},
		PrimaryKeyColumns: []string{s.pkCol},
	}, nil
}

func (s *fakeSource) Read(ctx context.Context, cur value.Cursor, limit int, _ *connector.FilterPushdown) (value.Batch, error) {
	var floor int64 = -1
	if !cur.IsZero() {
		floor, _ = cur.CursorValue.AsInt64()
	}
	var out []value.Row
	for _, r := range s.rows {
		v, _ := r.Get(s.entity + "." + s.pkCol)
		iv, _ := v.AsInt64()
		if iv > floor {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	var b value.Batch
	b.Rows = out
	if len(out) == 0 {
		b.CursorAfter = cur
		return b, nil
	}
	b.RowCursors = make([]value.Cursor, len(out))
	for i, r := range out {
		v, _ := r.Get(s.entity + "." + s.pkCol)
		b.RowCursors[i] = value.Cursor{CursorValue: v}
	}
	last, _ := out[len(out)-1].Get(s.entity + "." + s.pkCol)
	b.CursorAfter = value.Cursor{CursorValue: last}
	return b, nil
}

func (s *fakeSource) Close() error { return nil }

// fakeDest collects written rows in the order they arrive.
type fakeDest struct {
	mu      sync.Mutex
	written []value.Row
}

func (d *fakeDest) Prepare(ctx context.Context, _ connector.SchemaPlan) error { return nil }

func (d *fakeDest) Write(ctx context.Context, b value.Batch) (connector.WriteResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, b.Rows...)
	return connector.WriteResult{Rows: int64(len(b.Rows)), Bytes: int64(len(b.Rows) * 16)}, nil
}

func (d *fakeDest) Flush(ctx context.Context) error { return nil }

func (d *fakeDest) Capabilities() connector.Capabilities { return connector.Capabilities{} }

func (d *fakeDest) Describe(ctx context.Context) (connector.TableMetadata, error) {
	return connector.TableMetadata{}, nil
}

func ordersRows() []value.Row {
	mk := func(id, total int64, status string) value.Row {
		r := value.NewRow()
		r.Set("orders.id", value.Int64(id))
		r.Set("orders.total", value.Int64(total))
		r.Set("orders.status", value.String(status))
		return r
	}
	return []value.Row{mk(1, 100, "a"), mk(2, 200, "a"), mk(3, 300, "b")}
}

// flakyDest fails a fixed number of Write calls before recovering, to
// exercise the circuit breaker (spec.md §4.8, scenario S5).
type flakyDest struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	written   []value.Row
}

func (d *flakyDest) Prepare(ctx context.Context, _ connector.SchemaPlan) error { return nil }

func (d *flakyDest) Write(ctx context.Context, b value.Batch) (connector.WriteResult, error) {
	d.mu.Lock()
	d.calls++
	fail := d.calls <= d.failUntil
	d.mu.Unlock()
	if fail {
		return connector.WriteResult{}, errs.WrapTransient(errs.BatchWriteFailed, "flakyDest.Write", "injected destination failure", nil)
	}
	d.mu.Lock()
	d.written = append(d.written, b.Rows...)
	d.mu.Unlock()
	return connector.WriteResult{Rows: int64(len(b.Rows)), Bytes: int64(len(b.Rows) * 16)}, nil
}

func (d *flakyDest) Flush(ctx context.Context) error { return nil }

func (d *flakyDest) Capabilities() connector.Capabilities { return connector.Capabilities{} }

func (d *flakyDest) Describe(ctx context.Context) (connector.TableMetadata, error) {
	return connector.TableMetadata{}, nil
}

func ordersRowsN(n int) []value.Row {
	rows := make([]value.Row, 0, n)
	for id := int64(1); id <= int64(n); id++ {
		r := value.NewRow()
		r.Set("orders.id", value.Int64(id))
		r.Set("orders.total", value.Int64(id*100))
		r.Set("orders.status", value.String("a"))
		rows = append(rows, r)
	}
	return rows
}

func ordersRowsWithStatus(statuses ...string) []value.Row {
	rows := make([]value.Row, len(statuses))
	for i, status := range statuses {
		r := value.NewRow()
		r.Set("orders.id", value.Int64(int64(i+1)))
		r.Set("orders.total", value.Int64(int64(i+1)*100))
		r.Set("orders.status", value.String(status))
		rows[i] = r
	}
	return rows
}

func strPtr(s string) *string { return &s }

func ordersItem(batchSize uint32) plan.MigrationItem {
	return plan.MigrationItem{
		ID:              "orders",
		SourceKind:      plan.SourceTable,
		SourceNames:     []string{"orders"},
		DestinationKind: plan.DestinationTable,
		DestinationName: "orders_flat",
		Settings:        plan.Settings{BatchSize: batchSize},
		OffsetSpec:      &plan.OffsetSpec{Strategy: plan.OffsetPk, Cursor: strPtr("id")},
	}
}

// S1 — single-table copy, PK pagination (spec.md §8).
func TestS1SingleTableCopy(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	mgr := state.NewManager(store)
	require.NoError(t, store.EnsureRun(ctx, "hash-s1", "run-s1", "digest"))

	item := ordersItem(2)
	pager, err := paginate.New(*item.OffsetSpec, "id")
	require.NoError(t, err)

	src := &fakeSource{entity: "orders", pkCol: "id", rows: ordersRows()}
	dest := &fakeDest{}
	bus := events.NewBus()
	sub, unsub := bus.Subscribe()
	defer unsub()

	p := New(Config{
		PlanHash:    "hash-s1",
		RunID:       "run-s1",
		Item:        item,
		Settings:    plan.Settings{BatchSize: 2},
		Source:      src,
		Dest:        dest,
		Evaluator:   expr.NewEvaluator(nil),
		Pager:       pager,
		Checkpoints: mgr,
		Bus:         bus,
	})

	require.NoError(t, p.Run(ctx))
	require.Equal(t, Finished, p.State())
	require.Len(t, dest.written, 3)

	ckp, ok, err := mgr.Load(ctx, "hash-s1", "orders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), ckp.RowsProcessed)
	cursorID, _ := ckp.Cursor.CursorValue.AsInt64()
	require.Equal(t, int64(3), cursorID)

	var batchProcessed int
	drain:
	for {
		select {
		case ev := <-sub:
			if ev.Kind == events.BatchProcessed {
				batchProcessed++
			}
		default:
			break drain
		}
	}
	require.Equal(t, 2, batchProcessed, "two batches of size 2 over three rows")
}

// S4 — resume after crash (spec.md §8): a checkpoint left at cursor 2
// by a prior (crashed) run causes a fresh pipeline to read and write
// only the remaining row.
func TestS4ResumeAfterCrash(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	mgr := state.NewManager(store)
	require.NoError(t, store.EnsureRun(ctx, "hash-s4", "run-s4", "digest"))

	require.NoError(t, mgr.Commit(ctx, "hash-s4", "orders", "batch-1",
		value.Cursor{CursorValue: value.Int64(1)}, 1, 16, Working.String()))
	require.NoError(t, mgr.Commit(ctx, "hash-s4", "orders", "batch-2",
		value.Cursor{CursorValue: value.Int64(2)}, 1, 16, Working.String()))

	item := ordersItem(1)
	pager, err := paginate.New(*item.OffsetSpec, "id")
	require.NoError(t, err)

	src := &fakeSource{entity: "orders", pkCol: "id", rows: ordersRows()}
	dest := &fakeDest{}

	p := New(Config{
		PlanHash:    "hash-s4",
		RunID:       "run-s4-resumed",
		Item:        item,
		Settings:    plan.Settings{BatchSize: 1},
		Source:      src,
		Dest:        dest,
		Evaluator:   expr.NewEvaluator(nil),
		Pager:       pager,
		Checkpoints: mgr,
	})

	require.NoError(t, p.Run(ctx))
	require.Len(t, dest.written, 1, "resume must read only the row past the checkpoint")
	id, _ := dest.written[0].Get("id")
	iv, _ := id.AsInt64()
	require.Equal(t, int64(3), iv)

	ckp, ok, err := mgr.Load(ctx, "hash-s4", "orders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), ckp.RowsProcessed)
}

// S5 — circuit breaker opens and recovers (spec.md §8): a destination
// that fails four consecutive batch-write cycles trips the breaker and
// pauses the item instead of failing it; once the destination recovers
// the breaker closes and every row still lands, in order.
func TestS5CircuitBreakerPausesAndRecovers(t *testing.T) {
	origSchedule := retry.Schedule
	retry.Schedule = []time.Duration{
		time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond,
		time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond,
	}
	defer func() { retry.Schedule = origSchedule }()

	ctx := context.Background()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	mgr := state.NewManager(store)
	require.NoError(t, store.EnsureRun(ctx, "hash-s5", "run-s5", "digest"))

	item := ordersItem(1)
	pager, err := paginate.New(*item.OffsetSpec, "id")
	require.NoError(t, err)

	src := &fakeSource{entity: "orders", pkCol: "id", rows: ordersRowsN(6)}
	dest := &flakyDest{failUntil: 4 * retry.MaxAttempts}
	bus := events.NewBus()
	sub, unsub := bus.Subscribe()
	defer unsub()

	p := New(Config{
		PlanHash:    "hash-s5",
		RunID:       "run-s5",
		Item:        item,
		Settings:    plan.Settings{BatchSize: 1},
		Source:      src,
		Dest:        dest,
		Evaluator:   expr.NewEvaluator(nil),
		Pager:       pager,
		Checkpoints: mgr,
		Bus:         bus,
	})

	require.NoError(t, p.Run(ctx))
	require.Equal(t, Finished, p.State())

	require.Len(t, dest.written, 6)
	for i, r := range dest.written {
		id, _ := r.Get("id")
		iv, _ := id.AsInt64()
		require.Equal(t, int64(i+1), iv, "batches must drain in original order")
	}

	var sawOpen, sawClosed bool
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-sub:
				switch ev.Kind {
				case events.CircuitBreakerOpened:
					sawOpen = true
				case events.CircuitBreakerClosed:
					sawClosed = true
				}
			default:
				return sawOpen && sawClosed
			}
		}
	}, time.Second, 5*time.Millisecond, "breaker must open on four consecutive failures and close on recovery")
}

// S2 — FILTER-driven under-fill across reads (spec.md §4.4, §7): with
// batch_size 3, a first read of three rows keeps only row 1, then a
// second read of three rows keeps all three, filling the batch to size
// 3 on row 5 while row 6 is still unread by the coordinator. The
// checkpoint committed for that batch must carry row 5's own cursor,
// not the second read's overall CursorAfter (which already covers row
// 6) — otherwise a crash before row 6's own batch lands would make a
// resumed run skip it entirely.
func TestS2FilterUnderfillChecksLastKeptRow(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	mgr := state.NewManager(store)
	require.NoError(t, store.EnsureRun(ctx, "hash-s2", "run-s2", "digest"))

	item := ordersItem(3)
	item.FilterAST = expr.Condition(expr.Lookup("orders", "status"), expr.CmpEq, expr.Literal(value.String("a")))
	pager, err := paginate.New(*item.OffsetSpec, "id")
	require.NoError(t, err)

	src := &fakeSource{entity: "orders", pkCol: "id", rows: ordersRowsWithStatus("a", "b", "b", "a", "a", "a")}
	dest := &fakeDest{}
	bus := events.NewBus()
	sub, unsub := bus.Subscribe()
	defer unsub()

	p := New(Config{
		PlanHash:    "hash-s2",
		RunID:       "run-s2",
		Item:        item,
		Settings:    plan.Settings{BatchSize: 3},
		Source:      src,
		Dest:        dest,
		Evaluator:   expr.NewEvaluator(nil),
		Pager:       pager,
		Checkpoints: mgr,
		Bus:         bus,
	})

	require.NoError(t, p.Run(ctx))
	require.Equal(t, Finished, p.State())

	require.Len(t, dest.written, 4, "rows 2 and 3 are dropped by FILTER")
	var ids []int64
	for _, r := range dest.written {
		id, _ := r.Get("id")
		iv, _ := id.AsInt64()
		ids = append(ids, iv)
	}
	require.Equal(t, []int64{1, 4, 5, 6}, ids, "kept rows land in original order")

	var checkpointCursors []int64
	drain:
	for {
		select {
		case ev := <-sub:
			if ev.Kind == events.CheckpointCommitted {
				iv, _ := ev.Cursor.CursorValue.AsInt64()
				checkpointCursors = append(checkpointCursors, iv)
			}
		default:
			break drain
		}
	}
	require.Equal(t, []int64{5, 6}, checkpointCursors,
		"the first checkpoint must stop at row 5, the last row actually flushed, not row 6")

	ckp, ok, err := mgr.Load(ctx, "hash-s2", "orders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), ckp.RowsProcessed)
	finalCursor, _ := ckp.Cursor.CursorValue.AsInt64()
	require.Equal(t, int64(6), finalCursor)
}
