package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratum-dmt/stratum/internal/batch"
	"github.com/stratum-dmt/stratum/internal/connector"
	"github.com/stratum-dmt/stratum/internal/errs"
	"github.com/stratum-dmt/stratum/internal/events"
	"github.com/stratum-dmt/stratum/internal/expr"
	"github.com/stratum-dmt/stratum/internal/lookup"
	"github.com/stratum-dmt/stratum/internal/paginate"
	"github.com/stratum-dmt/stratum/internal/plan"
	"github.com/stratum-dmt/stratum/internal/report"
	"github.com/stratum-dmt/stratum/internal/retry"
	"github.com/stratum-dmt/stratum/internal/state"
	"github.com/stratum-dmt/stratum/internal/value"
)

// Config wires one item's collaborators together. Lookup is nil for
// items with no LOAD clause. Checkpoints, Bus and Metrics may also be
// nil: the item then keeps no checkpoint, publishes no events, and
// uses an unregistered backpressure gauge.
type Config struct {
	PlanHash  string
	RunID     string
	Item      plan.MigrationItem
	Settings  plan.Settings
	Source    connector.Source
	Dest      connector.Destination
	Lookup    *lookup.Planner
	Evaluator *expr.Evaluator
	Pager     *paginate.Engine
	Checkpoints *state.Manager
	Bus       *events.Bus
	Metrics   *batch.Metrics
}

// Pipeline runs one migration item to completion: paginate, enrich,
// filter, project, write, checkpoint (spec.md §2).
type Pipeline struct {
	cfg     Config
	breaker *retry.Breaker

	mu            sync.Mutex
	state         State
	rowsRead      int64
	rowsFiltered  int64
	rowsProjected int64
}

// New builds a Pipeline in the Planned state.
func New(cfg Config) *Pipeline {
	p := &Pipeline{cfg: cfg, state: Planned}
	p.breaker = retry.NewBreaker(func(from, to retry.BreakerState) {
		switch to {
		case retry.Open:
			p.setStateIfNotTerminal(Paused)
			p.publish(events.Event{Kind: events.CircuitBreakerOpened})
		case retry.Closed:
			p.setStateIfNotTerminal(Working)
			p.publish(events.Event{Kind: events.CircuitBreakerClosed})
		}
	})
	return p
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// setStateIfNotTerminal applies a breaker-driven state transition
// unless the item has already reached a terminal state — the
// onStateChange callback fires asynchronously and can outlive Run.
func (p *Pipeline) setStateIfNotTerminal(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return
	}
	p.state = s
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// recordFilterStats accumulates how many rows a single enrichAndProject
// call read versus kept, feeding MappingSummary/ValidationSummary.
func (p *Pipeline) recordFilterStats(read, kept int) {
	p.mu.Lock()
	p.rowsRead += int64(read)
	p.rowsFiltered += int64(read - kept)
	p.rowsProjected += int64(kept)
	p.mu.Unlock()
}

// MappingSummary reports which MAP targets and LOAD tables this item's
// plan declares, alongside how many rows FILTER dropped versus kept
// across the run (spec.md §8's mapping audit, per SPEC_FULL.md).
func (p *Pipeline) MappingSummary() report.MappingSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	targets := make([]string, 0, len(p.cfg.Item.MapSpec))
	for _, me := range p.cfg.Item.MapSpec {
		targets = append(targets, me.TargetColumn)
	}
	var tables []string
	if p.cfg.Item.LoadSpec != nil {
		tables = p.cfg.Item.LoadSpec.Tables
	}
	return report.MappingSummary{
		ItemID:        p.cfg.Item.ID,
		TargetColumns: targets,
		LookupTables:  tables,
		RowsFiltered:  p.rowsFiltered,
		RowsProjected: p.rowsProjected,
	}
}

// ValidationSummary reports rows this item read from the source
// (before FILTER) alongside destRowCount, the rows a caller confirms
// actually landed (typically a checkpoint's RowsProcessed) — the
// row-count parity check of spec.md §8, invariant 3. CountsReconcile
// compares against rowsProjected, not rowsRead: FILTER dropping rows is
// expected and does not indicate a completeness problem on its own.
func (p *Pipeline) ValidationSummary(destRowCount int64) report.ValidationSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return report.ValidationSummary{
		ItemID:          p.cfg.Item.ID,
		SourceRowCount:  p.rowsRead,
		DestRowCount:    destRowCount,
		CountsReconcile: p.rowsProjected == destRowCount,
	}
}

func (p *Pipeline) publish(ev events.Event) {
	if p.cfg.Bus == nil {
		return
	}
	ev.RunID = p.cfg.RunID
	ev.ItemID = p.cfg.Item.ID
	ev.At = time.Now()
	p.cfg.Bus.Publish(ev)
}

// Run executes the item to a terminal state and returns nil on
// Finished, the shutdown context error on Cancelled, or the fatal
// error on Failed.
func (p *Pipeline) Run(ctx context.Context) error {
	p.publish(events.Event{Kind: events.ItemStarted})

	startCursor := value.Zero
	if p.cfg.Checkpoints != nil {
		ckp, ok, err := p.cfg.Checkpoints.Load(ctx, p.cfg.PlanHash, p.cfg.Item.ID)
		if err != nil {
			p.setState(Failed)
			p.publish(events.Event{Kind: events.ItemFailed, Err: err})
			return err
		}
		if ok {
			startCursor = ckp.Cursor
		}
	}

	p.setState(Working)
	ch := batch.NewChannel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.produce(gctx, ch, startCursor) })
	g.Go(func() error { return p.consume(gctx, ch) })

	err := g.Wait()
	switch {
	case err == nil:
		p.setState(Finished)
		p.publish(events.Event{Kind: events.ItemFinished})
		return nil
	case errs.KindOf(err) == errs.Cancelled:
		p.setState(Cancelled)
		p.publish(events.Event{Kind: events.ItemCancelled})
		return err
	default:
		p.setState(Failed)
		p.publish(events.Event{Kind: events.ItemFailed, Err: err})
		return err
	}
}

// produce paginates the source, enriches and projects each batch, and
// hands finished batches to the coordinator for delivery to ch. It
// closes ch when the source drains or the context is cancelled.
func (p *Pipeline) produce(ctx context.Context, ch batch.Channel, startCursor value.Cursor) error {
	defer close(ch)

	coord := batch.New(int(p.cfg.Settings.BatchSize), p.cfg.Metrics)
	cur := startCursor
	stuckCount := 0
	primaryEntity := p.cfg.Item.PrimarySource()

	for {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.Cancelled, "pipeline.produce", "context cancelled", err)
		}

		var read value.Batch
		err := retry.Do(ctx, errs.Retryable, func(attempt int) error {
			var readErr error
			read, readErr = p.cfg.Source.Read(ctx, cur, int(p.cfg.Settings.BatchSize), nil)
			return readErr
		})
		if err != nil {
			if errs.KindOf(err) == errs.PaginationStuck {
				stuckCount++
				if stuckCount >= 2 {
					return err
				}
				nudged, nerr := nudgeCursor(cur)
				if nerr != nil {
					return err
				}
				cur = nudged
				continue
			}
			return err
		}
		stuckCount = 0

		if len(read.Rows) == 0 {
			break
		}

		projected, keptCursors, err := p.enrichAndProject(ctx, primaryEntity, read.Rows, read.RowCursors)
		if err != nil {
			return err
		}
		p.recordFilterStats(len(read.Rows), len(projected))
		for i, row := range projected {
			coord.Add(row, keptCursors[i])
			if coord.ShouldFlush() {
				if err := p.flush(ctx, coord, ch); err != nil {
					return err
				}
			}
		}

		cur = read.CursorAfter
		if len(read.Rows) < int(p.cfg.Settings.BatchSize) {
			break // source drained (spec.md §4.2)
		}
	}

	if coord.Pending() > 0 {
		if err := p.flush(ctx, coord, ch); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) flush(ctx context.Context, coord *batch.Coordinator, ch batch.Channel) error {
	rows, cursorAfter := coord.Take()
	id := batchID(p.cfg.PlanHash, p.cfg.Item.ID, cursorAfter)
	b := value.Batch{Rows: rows, CursorAfter: cursorAfter, BatchID: id}
	return coord.Send(ctx, ch, b)
}

// batchID derives a batch's identity from the plan, item, and the
// cursor it advances to, rather than a random UUID: a resumed run that
// re-reads the same source range reproduces the same id, which is what
// lets Manager.WasCommitted recognize a batch that already landed in
// the window between a destination write and its checkpoint commit.
func batchID(planHash, itemID string, cursorAfter value.Cursor) string {
	h := sha256.New()
	h.Write([]byte(planHash))
	h.Write([]byte{0})
	h.Write([]byte(itemID))
	h.Write([]byte{0})
	h.Write([]byte(cursorAfter.CursorValue.String()))
	h.Write([]byte{0})
	h.Write([]byte(cursorAfter.TiebreakerValue.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// enrichAndProject applies LOAD enrichment (if configured), then
// FILTER, then MAP/passthrough projection, in that order (spec.md §2's
// data-flow: lookup.enrich -> evaluator.filter -> evaluator.project).
// cursors carries each row's own pagination cursor, one per entry in
// rows; the returned cursors slice is the same, but reduced down to
// only the rows FILTER kept, in the same order, so a caller can pair
// each surviving row with the cursor it alone advances to.
func (p *Pipeline) enrichAndProject(ctx context.Context, primaryEntity string, rows []value.Row, cursors []value.Cursor) ([]value.Row, []value.Cursor, error) {
	var views []expr.RowView
	if p.cfg.Lookup != nil {
		enriched, err := p.cfg.Lookup.Enrich(ctx, rows)
		if err != nil {
			return nil, nil, err
		}
		views = enriched
	} else {
		views = make([]expr.RowView, len(rows))
		for i, r := range rows {
			views[i] = expr.NewRowView(primaryEntity, r)
		}
	}

	out := make([]value.Row, 0, len(views))
	outCursors := make([]value.Cursor, 0, len(views))
	for i, view := range views {
		if p.cfg.Item.FilterAST != nil {
			ok, err := p.cfg.Evaluator.EvalFilter(p.cfg.Item.FilterAST, view)
			if err != nil {
				return nil, nil, errs.Wrap(errs.ExpressionEval, "pipeline.enrichAndProject", "evaluating filter", err)
			}
			if !ok {
				continue
			}
		}
		projected, err := p.project(view)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, projected)
		outCursors = append(outCursors, cursors[i])
	}
	return out, outCursors, nil
}

func (p *Pipeline) project(view expr.RowView) (value.Row, error) {
	out := value.NewRow()
	mapped := make(map[string]bool, len(p.cfg.Item.MapSpec))
	for _, me := range p.cfg.Item.MapSpec {
		v, err := p.cfg.Evaluator.Eval(me.Expr, view)
		if err != nil {
			return value.Row{}, errs.Wrap(errs.ExpressionEval, "pipeline.project", "evaluating MAP entry "+me.TargetColumn, err)
		}
		out.Set(me.TargetColumn, v)
		mapped[me.TargetColumn] = true
	}
	if p.cfg.Settings.CopyColumns == plan.CopyAll {
		for _, col := range view.Primary.Columns {
			name := col
			if idx := strings.LastIndex(col, "."); idx >= 0 {
				name = col[idx+1:]
			}
			if mapped[name] {
				continue
			}
			v, _ := view.Primary.Get(col)
			out.Set(name, v)
		}
	}
	return out, nil
}

// consume drains ch in FIFO order, writing each batch with the
// destination fast path and committing a checkpoint transactionally
// with the write (spec.md §4.6, §4.7). A batch that keeps failing with
// a retryable error does not fail the item outright: writeBatch keeps
// retrying it across circuit-breaker open/half-open cycles, so an open
// breaker only pauses the item (Running.Paused) instead of killing it.
// Only a non-retryable error, or context cancellation, closes consume.
func (p *Pipeline) consume(ctx context.Context, ch batch.Channel) error {
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return nil
			}
			if err := p.writeBatch(ctx, b); err != nil {
				return err
			}
		case <-ctx.Done():
			return errs.Wrap(errs.Cancelled, "pipeline.consume", "context cancelled", ctx.Err())
		}
	}
}

// writeBatch retries one batch across as many circuit-breaker cycles
// as it takes, each cycle giving writeAndCommit a fresh MaxAttempts
// budget (spec.md §4.8). While the channel's producer side blocks
// trying to enqueue behind a stuck batch, this is also what makes the
// producer pause — the bounded channel is the pipeline's sole
// backpressure mechanism (internal/batch), so a consumer stalled here
// is a paused pipeline without any separate producer-side signal.
func (p *Pipeline) writeBatch(ctx context.Context, b value.Batch) error {
	for {
		err := p.writeAndCommit(ctx, b)
		if err == nil || !errs.Retryable(err) {
			return err
		}
	}
}

func (p *Pipeline) writeAndCommit(ctx context.Context, b value.Batch) error {
	if len(b.Rows) == 0 {
		return nil
	}

	if p.cfg.Checkpoints != nil {
		landed, err := p.cfg.Checkpoints.WasCommitted(ctx, p.cfg.PlanHash, p.cfg.Item.ID, b.BatchID)
		if err != nil {
			return errs.Wrap(errs.CheckpointFailed, "pipeline.writeAndCommit", "checking prior commit", err)
		}
		if landed {
			// A prior run's destination write for this exact batch
			// landed but crashed before the checkpoint caught up:
			// finish the checkpoint without writing again.
			if err := p.cfg.Checkpoints.AdvanceFromWAL(ctx, p.cfg.PlanHash, p.cfg.Item.ID, b.BatchID, Working.String()); err != nil {
				return errs.Wrap(errs.CheckpointFailed, "pipeline.writeAndCommit", "advancing checkpoint for an already-landed batch", err)
			}
			p.publish(events.Event{Kind: events.CheckpointCommitted, Cursor: b.CursorAfter})
			return nil
		}
	}

	var result connector.WriteResult
	err := retry.Do(ctx, errs.Retryable, func(attempt int) error {
		if !p.breaker.Allow() {
			return errs.WrapTransient(errs.BatchWriteFailed, "pipeline.writeAndCommit", "circuit breaker open", nil)
		}
		res, werr := p.cfg.Dest.Write(ctx, b)
		if werr != nil {
			return werr
		}
		result = res
		return nil
	})
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()

	if p.cfg.Checkpoints != nil {
		if err := p.cfg.Checkpoints.MarkLanded(ctx, p.cfg.PlanHash, p.cfg.Item.ID, b.BatchID, b.CursorAfter,
			result.Rows, result.Bytes); err != nil {
			return errs.Wrap(errs.CheckpointFailed, "pipeline.writeAndCommit", "marking batch landed", err)
		}
	}

	p.publish(events.Event{Kind: events.BatchProcessed, Rows: result.Rows, Bytes: result.Bytes, Cursor: b.CursorAfter})

	if p.cfg.Checkpoints != nil {
		if err := p.cfg.Checkpoints.Commit(ctx, p.cfg.PlanHash, p.cfg.Item.ID, b.BatchID, b.CursorAfter,
			result.Rows, result.Bytes, Working.String()); err != nil {
			return errs.Wrap(errs.CheckpointFailed, "pipeline.writeAndCommit", "committing checkpoint", err)
		}
		p.publish(events.Event{Kind: events.CheckpointCommitted, Cursor: b.CursorAfter})
	}
	return nil
}

// nudgeCursor forces a tiny forward step on a stuck cursor by bumping
// an integer tiebreaker or cursor value by one (spec.md §7's "forced
// offset nudge using the tiebreaker"). Non-integer cursor kinds cannot
// be safely nudged and are reported as still stuck.
func nudgeCursor(cur value.Cursor) (value.Cursor, error) {
	if i, ok := cur.TiebreakerValue.AsInt64(); ok {
		return value.Cursor{CursorValue: cur.CursorValue, TiebreakerValue: value.Int64(i + 1)}, nil
	}
	if i, ok := cur.CursorValue.AsInt64(); ok {
		return value.Cursor{CursorValue: value.Int64(i + 1), TiebreakerValue: cur.TiebreakerValue}, nil
	}
	return cur, errs.New(errs.PaginationStuck, "pipeline.nudgeCursor", "cannot nudge a non-integer cursor")
}
