package lookup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratum-dmt/stratum/internal/connector"
	"github.com/stratum-dmt/stratum/internal/plan"
	"github.com/stratum-dmt/stratum/internal/value"
)

type fakeUsers struct {
	rows []value.Row
}

func (f *fakeUsers) Describe(ctx context.Context) (connector.TableMetadata, error) {
	return connector.TableMetadata{PrimaryKeyColumns: []string{"id"}}, nil
}

func (f *fakeUsers) FetchByKeys(ctx context.Context, keyColumn string, keys []value.Value) ([]value.Row, error) {
	wanted := map[string]bool{}
	for _, k := range keys {
		wanted[k.StringValue()] = true
	}
	var out []value.Row
	for _, r := range f.rows {
		v, _ := r.Get("users." + keyColumn)
		if wanted[v.StringValue()] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeUsers) Close() error { return nil }

func userRow(id int64, name string) value.Row {
	r := value.NewRow()
	r.Set("users.id", value.Int64(id))
	r.Set("users.name", value.String(name))
	return r
}

func orderRow(id, userID int64) value.Row {
	r := value.NewRow()
	r.Set("orders.id", value.Int64(id))
	r.Set("orders.user_id", value.Int64(userID))
	return r
}

// S3 — join enrichment, spec.md §8.
func TestS3JoinEnrichment(t *testing.T) {
	users := &fakeUsers{rows: []value.Row{userRow(10, "Ann"), userRow(11, "Bo")}}
	spec := plan.LoadSpec{
		Tables: []string{"users"},
		Matches: []plan.Match{
			{LeftEntity: "users", LeftKey: "id", RightEntity: "orders", RightKey: "user_id"},
		},
	}
	// The join direction in the plan is ON(users[id] -> orders[user_id]):
	// orders.user_id is the left key drawn from the primary row, joined
	// against users.id.
	spec.Matches[0] = plan.Match{LeftEntity: "orders", LeftKey: "user_id", RightEntity: "users", RightKey: "id"}

	planner, err := New("orders", spec, map[string]connector.LookupSource{"users": users})
	require.NoError(t, err)

	orders := []value.Row{orderRow(1, 10), orderRow(2, 11)}
	views, err := planner.Enrich(context.Background(), orders)
	require.NoError(t, err)
	require.Len(t, views, 2)

	require.Equal(t, "Ann", views[0].Resolve("users", "name").StringValue())
	require.Equal(t, "Bo", views[1].Resolve("users", "name").StringValue())
}

// Removing user 11 must yield Null for that row (left outer semantics).
func TestS3JoinEnrichmentMissingLookupYieldsNull(t *testing.T) {
	users := &fakeUsers{rows: []value.Row{userRow(10, "Ann")}}
	spec := plan.LoadSpec{
		Tables:  []string{"users"},
		Matches: []plan.Match{{LeftEntity: "orders", LeftKey: "user_id", RightEntity: "users", RightKey: "id"}},
	}
	planner, err := New("orders", spec, map[string]connector.LookupSource{"users": users})
	require.NoError(t, err)

	orders := []value.Row{orderRow(1, 10), orderRow(2, 11)}
	views, err := planner.Enrich(context.Background(), orders)
	require.NoError(t, err)

	require.Equal(t, "Ann", views[0].Resolve("users", "name").StringValue())
	require.True(t, views[1].Resolve("users", "name").IsNull())
}

func TestCyclicMatchesRejected(t *testing.T) {
	spec := plan.LoadSpec{
		Tables: []string{"a", "b"},
		Matches: []plan.Match{
			{LeftEntity: "a", LeftKey: "id", RightEntity: "b", RightKey: "a_id"},
			{LeftEntity: "b", LeftKey: "id", RightEntity: "a", RightKey: "b_id"},
		},
	}
	_, err := New("root", spec, map[string]connector.LookupSource{
		"a": &fakeUsers{}, "b": &fakeUsers{},
	})
	require.Error(t, err)
}
