package plan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratum-dmt/stratum/internal/expr"
	"github.com/stratum-dmt/stratum/internal/value"
)

func samplePlan(batchSize uint32) MigrationPlan {
	return MigrationPlan{
		GlobalSettings: Settings{BatchSize: batchSize, CSVDelimiter: ','},
		Items: []MigrationItem{
			{
				ID:              "orders",
				SourceKind:      SourceTable,
				SourceNames:     []string{"orders"},
				DestinationKind: DestinationTable,
				DestinationName: "orders_flat",
				FilterAST:       expr.Condition(expr.Lookup("orders", "total"), expr.CmpGt, expr.Literal(value.Int64(150))),
				MapSpec: []MapEntry{
					{TargetColumn: "total_with_tax", Expr: expr.Arithmetic(expr.Lookup("orders", "total"), expr.OpMul, expr.Literal(value.Float64(1.4)))},
				},
			},
		},
	}
}

// Plan-hash invariance, spec.md §8 property 4: identical plans hash
// identically, edited plans hash differently.
func TestPlanHashInvariance(t *testing.T) {
	a := samplePlan(2)
	b := samplePlan(2)
	require.Equal(t, a.Hash(), b.Hash())

	c := samplePlan(1000)
	require.NotEqual(t, a.Hash(), c.Hash())
}

func TestPlanHashStableLength(t *testing.T) {
	h := samplePlan(2).Hash()
	require.Len(t, h, 64) // hex-encoded sha256
}
