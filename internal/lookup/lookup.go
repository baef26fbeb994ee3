// Package lookup implements the "LOAD" join planner of spec.md §4.3:
// given a load spec, it builds a directed join graph rooted at the
// primary source, batches keyed fetches per auxiliary table per batch
// of primary rows, and produces a read-only denormalized virtual row
// view with left-outer semantics.
package lookup

import (
	"context"
	"fmt"

	"github.com/stratum-dmt/stratum/internal/connector"
	"github.com/stratum-dmt/stratum/internal/errs"
	"github.com/stratum-dmt/stratum/internal/expr"
	"github.com/stratum-dmt/stratum/internal/plan"
	"github.com/stratum-dmt/stratum/internal/value"
)

// edge is one resolved join: RightEntity's RightKey column is matched
// against LeftEntity's LeftKey column values drawn from already-loaded
// rows (LeftEntity is the primary source or an earlier join step).
type edge struct {
	m plan.Match
}

// Planner builds the join DAG once per item and re-runs it per batch.
type Planner struct {
	primaryEntity string
	order         []edge // topologically sorted join edges
	sources       map[string]connector.LookupSource
}

// New validates spec (acyclic, all referenced tables present in
// sources) and returns a Planner ready to Enrich batches. Returns
// PlanInvalid if matches form a cycle, per spec.md §4.3/§9.
func New(primaryEntity string, spec plan.LoadSpec, sources map[string]connector.LookupSource) (*Planner, error) {
	order, err := topologicalSort(primaryEntity, spec.Matches)
	if err != nil {
		return nil, err
	}
	for _, t := range spec.Tables {
		if _, ok := sources[t]; !ok {
			return nil, errs.New(errs.PlanInvalid, "lookup.New", fmt.Sprintf("no source registered for LOAD table %q", t))
		}
	}
	return &Planner{primaryEntity: primaryEntity, order: order, sources: sources}, nil
}

// topologicalSort orders matches so each RightEntity is only ever
// looked up after all rows carrying its LeftEntity join key are
// available, and detects cycles among the auxiliary tables.
func topologicalSort(primaryEntity string, matches []plan.Match) ([]edge, error) {
	// Kahn's algorithm over the entity DAG: primaryEntity has in-degree
	// 0 by construction; a match's RightEntity depends on its LeftEntity.
	inDegree := map[string]int{}
	adjOut := map[string][]plan.Match{}
	entities := map[string]bool{primaryEntity: true}

	for _, m := range matches {
		entities[m.LeftEntity] = true
		entities[m.RightEntity] = true
		inDegree[m.RightEntity]++
		adjOut[m.LeftEntity] = append(adjOut[m.LeftEntity], m)
	}

	queue := []string{primaryEntity}
	for e := range entities {
		if e != primaryEntity && inDegree[e] == 0 {
			queue = append(queue, e)
		}
	}

	var order []edge
	visited := map[string]bool{}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		if visited[e] {
			continue
		}
		visited[e] = true
		for _, m := range adjOut[e] {
			order = append(order, edge{m: m})
			inDegree[m.RightEntity]--
			if inDegree[m.RightEntity] == 0 {
				queue = append(queue, m.RightEntity)
			}
		}
	}

	if len(order) != len(matches) {
		return nil, errs.New(errs.PlanInvalid, "lookup.topologicalSort", "LOAD matches form a cycle")
	}
	return order, nil
}

// Enrich runs one round of batched keyed fetches per join edge and
// returns one RowView per primary row, in the same order, joined
// left-outer (spec.md §4.3: missing lookups yield Null).
func (p *Planner) Enrich(ctx context.Context, primaryRows []value.Row) ([]expr.RowView, error) {
	views := make([]expr.RowView, len(primaryRows))

	for i, row := range primaryRows {
		views[i] = expr.RowView{PrimaryEntity: p.primaryEntity, Primary: row, Joined: map[string]value.Row{}}
	}

	for _, e := range p.order {
		m := e.m
		src, ok := p.sources[m.RightEntity]
		if !ok {
			return nil, errs.New(errs.PlanInvalid, "lookup.Enrich", fmt.Sprintf("no source for %q", m.RightEntity))
		}

		keySet := map[string]value.Value{}
		for i := range primaryRows {
			keyVal := viewLookupValue(views[i], m.LeftEntity, m.LeftKey)
			if keyVal.IsNull() {
				continue
			}
			keySet[keyVal.StringValue()] = keyVal
		}
		if len(keySet) == 0 {
			continue
		}

		keys := make([]value.Value, 0, len(keySet))
		for _, v := range keySet {
			keys = append(keys, v)
		}

		fetched, err := src.FetchByKeys(ctx, m.RightKey, keys)
		if err != nil {
			return nil, errs.Wrap(errs.ConnectionFailed, "lookup.Enrich", "fetching lookup rows for "+m.RightEntity, err)
		}

		byKey := make(map[string]value.Row, len(fetched))
		for _, r := range fetched {
			kv, ok := r.Get(m.RightEntity + "." + m.RightKey)
			if !ok {
				continue
			}
			byKey[kv.StringValue()] = r
		}

		for i := range views {
			keyVal := viewLookupValue(views[i], m.LeftEntity, m.LeftKey)
			if keyVal.IsNull() {
				continue // left outer: no key to join on, leave absent -> resolves Null
			}
			if r, ok := byKey[keyVal.StringValue()]; ok {
				views[i].Joined[m.RightEntity] = r
			}
		}
	}

	return views, nil
}

func viewLookupValue(v expr.RowView, entity, key string) value.Value {
	return v.Resolve(entity, key)
}
