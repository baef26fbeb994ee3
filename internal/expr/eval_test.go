package expr

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/stratum-dmt/stratum/internal/value"
)

func rowWithTotal(entity string, total float64) RowView {
	r := value.NewRow()
	r.Set(entity+".total", value.Float64(total))
	return NewRowView(entity, r)
}

// S2 — filter + arithmetic projection, per spec.md §8.
func TestS2FilterAndProjection(t *testing.T) {
	ev := NewEvaluator(nil)

	filter := Condition(Lookup("orders", "total"), CmpGt, Literal(value.Float64(150)))
	proj := Arithmetic(Lookup("orders", "total"), OpMul, Literal(value.Float64(1.4)))

	cases := []struct {
		total      float64
		wantPass   bool
		wantResult float64
	}{
		{100, false, 0},
		{200, true, 280},
		{300, true, 420},
	}

	for _, c := range cases {
		row := rowWithTotal("orders", c.total)
		pass, err := ev.EvalFilter(filter, row)
		require.NoError(t, err)
		require.Equal(t, c.wantPass, pass)

		if !pass {
			continue
		}
		v, err := ev.Eval(proj, row)
		require.NoError(t, err)
		f, ok := v.Float()
		require.True(t, ok)
		require.InDelta(t, c.wantResult, f, 0.0001)
	}
}

func TestDivisionByZeroYieldsNullAndIncrementsMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ev := NewEvaluator(m)
	row := NewRowView("orders", value.NewRow())

	n := Arithmetic(Literal(value.Int64(10)), OpDiv, Literal(value.Int64(0)))
	v, err := ev.Eval(n, row)
	require.NoError(t, err)
	require.True(t, v.IsNull())

	families, err := reg.Gather()
	require.NoError(t, err)
	var divByZero float64
	for _, mf := range families {
		if mf.GetName() == "stratum_evaluator_div_by_zero_total" {
			divByZero = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	require.Equal(t, 1.0, divByZero)
}

func TestNullInConditionIsFalseForFilterPurposes(t *testing.T) {
	ev := NewEvaluator(nil)
	row := NewRowView("orders", value.NewRow()) // "orders.total" absent -> Null

	n := Condition(Lookup("orders", "total"), CmpGt, Literal(value.Int64(1)))
	pass, err := ev.EvalFilter(n, row)
	require.NoError(t, err)
	require.False(t, pass)
}

func TestShortCircuitAndOr(t *testing.T) {
	ev := NewEvaluator(nil)
	row := NewRowView("orders", value.NewRow())

	and := Call(FuncAnd, Literal(value.Bool(false)), Literal(value.Bool(true)))
	v, err := ev.Eval(and, row)
	require.NoError(t, err)
	require.False(t, mustBool(v))

	or := Call(FuncOr, Literal(value.Bool(false)), Literal(value.Bool(true)))
	v, err = ev.Eval(or, row)
	require.NoError(t, err)
	require.True(t, mustBool(v))
}

func TestCoalesceReturnsFirstNonNull(t *testing.T) {
	ev := NewEvaluator(nil)
	row := NewRowView("orders", value.NewRow())

	n := Call(FuncCoalesce, Literal(value.Null), Literal(value.Null), Literal(value.String("x")))
	v, err := ev.Eval(n, row)
	require.NoError(t, err)
	s, ok := v.AsString()
	require.True(t, ok)
	require.Equal(t, "x", s)
}

func TestRoundBankersRounding(t *testing.T) {
	ev := NewEvaluator(nil)
	row := NewRowView("orders", value.NewRow())

	n := Call(FuncRound, Literal(value.Float64(2.5)), Literal(value.Int64(0)))
	v, err := ev.Eval(n, row)
	require.NoError(t, err)
	f, _ := v.Float()
	require.Equal(t, 2.0, f)

	n = Call(FuncRound, Literal(value.Float64(3.5)), Literal(value.Int64(0)))
	v, err = ev.Eval(n, row)
	require.NoError(t, err)
	f, _ = v.Float()
	require.Equal(t, 4.0, f)
}

// Expression round-trip property, spec.md §8: print output for a
// literal/arithmetic AST should be stable and re-derivable.
func TestPrintIsStable(t *testing.T) {
	n := Arithmetic(Lookup("orders", "total"), OpMul, Literal(value.Float64(1.4)))
	require.Equal(t, "(orders[total] * 1.4)", Print(n))
}

func TestLookupFallsBackToPrimaryRow(t *testing.T) {
	ev := NewEvaluator(nil)
	primary := value.NewRow()
	primary.Set("orders.status", value.String("a"))
	row := RowView{
		PrimaryEntity: "orders",
		Primary:       primary,
		Joined:        map[string]value.Row{},
	}

	n := Lookup("orders", "status")
	v, err := ev.Eval(n, row)
	require.NoError(t, err)
	s, ok := v.AsString()
	require.True(t, ok)
	require.Equal(t, "a", s)
}

func mustBool(v value.Value) bool {
	b, _ := v.AsBool()
	return b
}
