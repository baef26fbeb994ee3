// Package executor owns the cross-item registry (connector handles,
// state store, run identifier) and spawns one pipeline per item, up to
// a configurable parallelism (spec.md §2, §5).
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stratum-dmt/stratum/internal/batch"
	"github.com/stratum-dmt/stratum/internal/connector"
	"github.com/stratum-dmt/stratum/internal/errs"
	"github.com/stratum-dmt/stratum/internal/events"
	"github.com/stratum-dmt/stratum/internal/expr"
	"github.com/stratum-dmt/stratum/internal/lookup"
	"github.com/stratum-dmt/stratum/internal/paginate"
	"github.com/stratum-dmt/stratum/internal/pipeline"
	"github.com/stratum-dmt/stratum/internal/plan"
	"github.com/stratum-dmt/stratum/internal/report"
	"github.com/stratum-dmt/stratum/internal/state"
)

// Registry holds every connector handle the run needs, keyed by the
// entity/table name used in the plan (spec.md §3's source_names /
// destination_name).
type Registry struct {
	Sources       map[string]connector.Source
	LookupSources map[string]connector.LookupSource
	Destinations  map[string]connector.Destination
}

// pageable is satisfied by source adapters that page via an externally
// built paginate.Engine (mysqlsrc, pgsrc); csvsrc pages an in-memory
// slice and does not implement it.
type pageable interface {
	SetPager(*paginate.Engine)
}

// Executor runs one MigrationPlan's items to completion.
type Executor struct {
	store       *state.Store
	checkpoints *state.Manager
	registry    Registry
	bus         *events.Bus
	parallelism int
}

// New builds an Executor. parallelism <= 0 falls back to
// min(4, item_count) at Run time, per spec.md §5's stated default.
func New(store *state.Store, registry Registry, bus *events.Bus, parallelism int) *Executor {
	return &Executor{
		store:       store,
		checkpoints: state.NewManager(store),
		registry:    registry,
		bus:         bus,
		parallelism: parallelism,
	}
}

// Run executes every item in p concurrently up to the configured
// parallelism and returns the run's report. A nil error means every
// item Finished; otherwise the first non-nil item error is returned
// alongside a report reflecting each item's actual terminal state.
func (e *Executor) Run(ctx context.Context, p plan.MigrationPlan) (*report.Report, error) {
	runID := uuid.NewString()
	planHash := p.Hash()

	if err := e.store.EnsureRun(ctx, planHash, runID, planHash); err != nil {
		return nil, err
	}

	e.bus.Publish(events.Event{Kind: events.MigrationStarted, RunID: runID})
	rep := &report.Report{RunID: runID, PlanHash: planHash, StartedAt: time.Now()}

	limit := e.parallelism
	if limit <= 0 {
		limit = 4
	}
	if len(p.Items) < limit {
		limit = len(p.Items)
	}
	if limit <= 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	results := make([]report.ItemReport, len(p.Items))
	mappings := make([]report.MappingSummary, len(p.Items))
	validations := make([]report.ValidationSummary, len(p.Items))
	for i, item := range p.Items {
		i, item := i, item
		g.Go(func() error {
			ir := report.ItemReport{ItemID: item.ID, StartedAt: time.Now()}
			pl, err := e.buildPipeline(ctx, planHash, runID, p, item)
			if err != nil {
				ir.State = pipeline.Failed.String()
				ir.Error = err.Error()
				results[i] = ir
				return err
			}
			runErr := pl.Run(gctx)
			ir.State = pl.State().String()
			ir.FinishedAt = time.Now()
			if runErr != nil {
				ir.Error = runErr.Error()
			}
			if ckp, ok, lerr := e.checkpoints.Load(gctx, planHash, item.ID); lerr == nil && ok {
				ir.RowsProcessed = ckp.RowsProcessed
				ir.BytesTransferred = ckp.BytesTransferred
			}
			results[i] = ir
			mappings[i] = pl.MappingSummary()
			validations[i] = pl.ValidationSummary(ir.RowsProcessed)
			return runErr
		})
	}

	runErr := g.Wait()
	rep.Items = results
	for i := range p.Items {
		if mappings[i].ItemID == "" {
			continue // buildPipeline failed before a Pipeline existed for this item
		}
		rep.Mappings = append(rep.Mappings, mappings[i])
		rep.Validations = append(rep.Validations, validations[i])
	}
	rep.FinishedAt = time.Now()
	e.bus.Publish(events.Event{Kind: events.MigrationCompleted, RunID: runID})
	return rep, runErr
}

func (e *Executor) buildPipeline(ctx context.Context, planHash, runID string, p plan.MigrationPlan, item plan.MigrationItem) (*pipeline.Pipeline, error) {
	src, ok := e.registry.Sources[item.PrimarySource()]
	if !ok {
		return nil, errs.New(errs.PlanInvalid, "executor.buildPipeline", fmt.Sprintf("no source registered for %q", item.PrimarySource()))
	}
	dest, ok := e.registry.Destinations[item.DestinationName]
	if !ok {
		return nil, errs.New(errs.PlanInvalid, "executor.buildPipeline", fmt.Sprintf("no destination registered for %q", item.DestinationName))
	}

	meta, err := src.Describe(ctx)
	if err != nil {
		return nil, err
	}

	spec := plan.OffsetSpec{Strategy: plan.OffsetPk}
	if item.OffsetSpec != nil {
		spec = *item.OffsetSpec
	}
	pkCol, _ := meta.SinglePrimaryKey()
	pager, err := paginate.New(spec, pkCol)
	if err != nil {
		return nil, err
	}
	if pg, ok := src.(pageable); ok {
		pg.SetPager(pager)
	}

	var joinPlanner *lookup.Planner
	if item.LoadSpec != nil {
		sources := make(map[string]connector.LookupSource, len(item.LoadSpec.Tables))
		for _, t := range item.LoadSpec.Tables {
			ls, ok := e.registry.LookupSources[t]
			if !ok {
				return nil, errs.New(errs.PlanInvalid, "executor.buildPipeline", fmt.Sprintf("no lookup source registered for LOAD table %q", t))
			}
			sources[t] = ls
		}
		joinPlanner, err = lookup.New(item.PrimarySource(), *item.LoadSpec, sources)
		if err != nil {
			return nil, err
		}
	}

	settings := p.EffectiveSettings(item)
	if settings.BatchSize == 0 {
		settings.BatchSize = plan.DefaultSettings().BatchSize
	}

	return pipeline.New(pipeline.Config{
		PlanHash:    planHash,
		RunID:       runID,
		Item:        item,
		Settings:    settings,
		Source:      src,
		Dest:        dest,
		Lookup:      joinPlanner,
		Evaluator:   expr.NewEvaluator(nil),
		Pager:       pager,
		Checkpoints: e.checkpoints,
		Bus:         e.bus,
		Metrics:     batch.NewMetrics(nil, item.ID),
	}), nil
}
