package expr

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/stratum-dmt/stratum/internal/errs"
	"github.com/stratum-dmt/stratum/internal/value"
)

// Evaluator is a stack machine over the AST from ast.go: each node is
// evaluated by pushing its operands' results and popping them back off
// to combine, per spec.md §4.4.
type Evaluator struct {
	metrics *Metrics
}

// NewEvaluator builds an Evaluator that reports to m. A nil m uses
// NoopMetrics.
func NewEvaluator(m *Metrics) *Evaluator {
	if m == nil {
		m = NoopMetrics()
	}
	return &Evaluator{metrics: m}
}

// valueStack is the explicit operand stack the evaluator pushes
// sub-results onto while walking the AST post-order.
type valueStack struct {
	items []value.Value
}

func (s *valueStack) push(v value.Value) { s.items = append(s.items, v) }

func (s *valueStack) pop() value.Value {
	n := len(s.items)
	v := s.items[n-1]
	s.items = s.items[:n-1]
	return v
}

// Eval evaluates n against row and returns the resulting Value. Used
// both for MAP projections and, via EvalFilter, for FILTER predicates.
func (e *Evaluator) Eval(n *Node, row RowView) (value.Value, error) {
	s := &valueStack{}
	if err := e.step(s, n, row); err != nil {
		return value.Null, err
	}
	return s.pop(), nil
}

// EvalFilter evaluates a predicate and collapses the three-valued
// result to a plain bool: Null (unknown) and any non-true result are
// treated as false, per spec.md §4.4.
func (e *Evaluator) EvalFilter(n *Node, row RowView) (bool, error) {
	v, err := e.Eval(n, row)
	if err != nil {
		return false, err
	}
	return isTrue(v), nil
}

func isTrue(v value.Value) bool {
	b, ok := v.AsBool()
	return ok && b
}

func (e *Evaluator) step(s *valueStack, n *Node, row RowView) error {
	switch n.Kind {
	case KindLiteral:
		s.push(n.Literal)
		return nil

	case KindLookup:
		s.push(row.Resolve(n.Entity, n.Key))
		return nil

	case KindArithmetic:
		if err := e.step(s, n.Left, row); err != nil {
			return err
		}
		if err := e.step(s, n.Right, row); err != nil {
			return err
		}
		right := s.pop()
		left := s.pop()
		result, err := e.arithmetic(left, n.ArithOp, right)
		if err != nil {
			return err
		}
		s.push(result)
		return nil

	case KindCondition:
		if err := e.step(s, n.Left, row); err != nil {
			return err
		}
		if err := e.step(s, n.Right, row); err != nil {
			return err
		}
		right := s.pop()
		left := s.pop()
		result, err := e.compare(left, n.CmpOp, right)
		if err != nil {
			return err
		}
		s.push(result)
		return nil

	case KindFunctionCall:
		result, err := e.call(n, row)
		if err != nil {
			return err
		}
		s.push(result)
		return nil

	default:
		return errs.New(errs.ExpressionEval, "expr.step", fmt.Sprintf("unknown node kind %d", n.Kind))
	}
}

// call dispatches built-in functions. AND/OR/NOT short-circuit and so
// evaluate their own arguments rather than relying on step's generic
// operand handling.
func (e *Evaluator) call(n *Node, row RowView) (value.Value, error) {
	switch strings.ToUpper(n.FuncName) {
	case FuncAnd:
		for _, arg := range n.Args {
			v, err := e.Eval(arg, row)
			if err != nil {
				return value.Null, err
			}
			if !isTrue(v) {
				return value.Bool(false), nil
			}
		}
		return value.Bool(true), nil

	case FuncOr:
		for _, arg := range n.Args {
			v, err := e.Eval(arg, row)
			if err != nil {
				return value.Null, err
			}
			if isTrue(v) {
				return value.Bool(true), nil
			}
		}
		return value.Bool(false), nil

	case FuncNot:
		if len(n.Args) != 1 {
			return value.Null, errs.New(errs.ExpressionEval, "expr.NOT", "NOT takes exactly one argument")
		}
		v, err := e.Eval(n.Args[0], row)
		if err != nil {
			return value.Null, err
		}
		if v.IsNull() {
			return value.Null, nil
		}
		return value.Bool(!isTrue(v)), nil

	case FuncConcat:
		var b strings.Builder
		for _, arg := range n.Args {
			v, err := e.Eval(arg, row)
			if err != nil {
				return value.Null, err
			}
			if v.IsNull() {
				continue
			}
			b.WriteString(v.StringValue())
		}
		return value.String(b.String()), nil

	case FuncUpper, FuncLower:
		if len(n.Args) != 1 {
			return value.Null, errs.New(errs.ExpressionEval, "expr."+n.FuncName, n.FuncName+" takes exactly one argument")
		}
		v, err := e.Eval(n.Args[0], row)
		if err != nil {
			return value.Null, err
		}
		if v.IsNull() {
			return value.Null, nil
		}
		s := v.StringValue()
		if strings.ToUpper(n.FuncName) == FuncUpper {
			return value.String(strings.ToUpper(s)), nil
		}
		return value.String(strings.ToLower(s)), nil

	case FuncCoalesce:
		for _, arg := range n.Args {
			v, err := e.Eval(arg, row)
			if err != nil {
				return value.Null, err
			}
			if !v.IsNull() {
				return v, nil
			}
		}
		return value.Null, nil

	case FuncRound:
		return e.evalRound(n, row)

	default:
		return value.Null, errs.New(errs.ExpressionEval, "expr.call", "unknown function "+n.FuncName)
	}
}

func (e *Evaluator) evalRound(n *Node, row RowView) (value.Value, error) {
	if len(n.Args) != 2 {
		return value.Null, errs.New(errs.ExpressionEval, "expr.ROUND", "ROUND takes exactly two arguments")
	}
	xv, err := e.Eval(n.Args[0], row)
	if err != nil {
		return value.Null, err
	}
	nv, err := e.Eval(n.Args[1], row)
	if err != nil {
		return value.Null, err
	}
	if xv.IsNull() {
		return value.Null, nil
	}
	places, ok := nv.AsInt64()
	if !ok {
		return value.Null, errs.New(errs.ExpressionEval, "expr.ROUND", "ROUND's second argument must be an integer")
	}

	if d, ok := xv.AsDecimal(); ok {
		return value.Decimal(roundRatToEven(d, int(places))), nil
	}
	f, ok := xv.Float()
	if !ok {
		return value.Null, errs.New(errs.ExpressionEval, "expr.ROUND", "ROUND's first argument must be numeric")
	}
	return value.Float64(roundToEven(f, int(places))), nil
}

// roundToEven implements banker's rounding (round half to even) at the
// given decimal place count, per spec.md §4.4.
func roundToEven(f float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.RoundToEven(f*scale) / scale
}

// roundRatToEven applies banker's rounding to an exact big.Rat,
// preserving precision for Decimal projections.
func roundRatToEven(r *big.Rat, places int) *big.Rat {
	scale := new(big.Rat).SetFloat64(math.Pow(10, float64(places)))
	scaled := new(big.Rat).Mul(r, scale)

	num := scaled.Num()
	den := scaled.Denom()
	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	twiceRem := new(big.Int).Mul(rem, big.NewInt(2))
	twiceRem.Abs(twiceRem)
	cmp := twiceRem.Cmp(den)
	roundUp := cmp > 0 || (cmp == 0 && q.Bit(0) == 1)
	if roundUp {
		if scaled.Sign() >= 0 {
			q.Add(q, big.NewInt(1))
		} else {
			q.Sub(q, big.NewInt(1))
		}
	}
	return new(big.Rat).Quo(new(big.Rat).SetInt(q), scale)
}

// arithmetic implements the promotion rules of spec.md §4.4: Int⊕Int
// stays Int64 (saturating on overflow), any Float operand upcasts the
// whole expression to Float64, and Decimal survives only when both
// sides are Decimal with equal declared scale.
func (e *Evaluator) arithmetic(l value.Value, op ArithOp, r value.Value) (value.Value, error) {
	if l.IsNull() || r.IsNull() {
		return value.Null, nil
	}

	if li, lok := l.AsInt64(); lok {
		if ri, rok := r.AsInt64(); rok {
			return e.intArith(li, ri, op)
		}
	}

	if ld, lok := l.AsDecimal(); lok {
		if rd, rok := r.AsDecimal(); rok && l.Scale() >= 0 && l.Scale() == r.Scale() {
			return e.decimalArith(ld, rd, op, l.Scale())
		}
	}

	lf, lok := l.Float()
	rf, rok := r.Float()
	if !lok || !rok {
		return value.Null, errs.New(errs.ExpressionEval, "expr.arithmetic",
			fmt.Sprintf("cannot combine %s and %s", l.Kind, r.Kind))
	}
	return e.floatArith(lf, rf, op)
}

func (e *Evaluator) intArith(l, r int64, op ArithOp) (value.Value, error) {
	switch op {
	case OpAdd:
		sum := l + r
		if (r > 0 && l > math.MaxInt64-r) || (r < 0 && l < math.MinInt64-r) {
			e.metrics.IntOverflow.Inc()
			if r > 0 {
				return value.Int64(math.MaxInt64), nil
			}
			return value.Int64(math.MinInt64), nil
		}
		return value.Int64(sum), nil
	case OpSub:
		if (r < 0 && l > math.MaxInt64+r) || (r > 0 && l < math.MinInt64+r) {
			e.metrics.IntOverflow.Inc()
			if r < 0 {
				return value.Int64(math.MaxInt64), nil
			}
			return value.Int64(math.MinInt64), nil
		}
		return value.Int64(l - r), nil
	case OpMul:
		if l != 0 && r != 0 {
			product := l * r
			if product/r != l {
				e.metrics.IntOverflow.Inc()
				if (l > 0) == (r > 0) {
					return value.Int64(math.MaxInt64), nil
				}
				return value.Int64(math.MinInt64), nil
			}
			return value.Int64(product), nil
		}
		return value.Int64(0), nil
	case OpDiv:
		if r == 0 {
			e.metrics.DivByZero.Inc()
			return value.Null, nil
		}
		return value.Int64(l / r), nil
	default:
		return value.Null, errs.New(errs.ExpressionEval, "expr.intArith", "unknown arithmetic operator")
	}
}

func (e *Evaluator) decimalArith(l, r *big.Rat, op ArithOp, scale int) (value.Value, error) {
	switch op {
	case OpAdd:
		return value.DecimalWithScale(new(big.Rat).Add(l, r), scale), nil
	case OpSub:
		return value.DecimalWithScale(new(big.Rat).Sub(l, r), scale), nil
	case OpMul:
		return value.DecimalWithScale(new(big.Rat).Mul(l, r), scale), nil
	case OpDiv:
		if r.Sign() == 0 {
			e.metrics.DivByZero.Inc()
			return value.Null, nil
		}
		return value.DecimalWithScale(new(big.Rat).Quo(l, r), scale), nil
	default:
		return value.Null, errs.New(errs.ExpressionEval, "expr.decimalArith", "unknown arithmetic operator")
	}
}

func (e *Evaluator) floatArith(l, r float64, op ArithOp) (value.Value, error) {
	switch op {
	case OpAdd:
		return value.Float64(l + r), nil
	case OpSub:
		return value.Float64(l - r), nil
	case OpMul:
		return value.Float64(l * r), nil
	case OpDiv:
		if r == 0 {
			e.metrics.DivByZero.Inc()
			return value.Null, nil
		}
		return value.Float64(l / r), nil
	default:
		return value.Null, errs.New(errs.ExpressionEval, "expr.floatArith", "unknown arithmetic operator")
	}
}

// compare implements spec.md §4.4's Condition rule: numeric coercion
// first, byte-wise string comparison otherwise, and three-valued
// unknown (Null) whenever either operand is Null.
func (e *Evaluator) compare(l value.Value, op CmpOp, r value.Value) (value.Value, error) {
	if l.IsNull() || r.IsNull() {
		return value.Null, nil
	}

	if lf, lok := l.Float(); lok {
		if rf, rok := r.Float(); rok {
			return value.Bool(applyCmpOrdered(cmpFloat(lf, rf), op)), nil
		}
	}
	if lt, lok := l.AsTimestamp(); lok {
		if rt, rok := r.AsTimestamp(); rok {
			return value.Bool(applyCmpOrdered(cmpTime(lt, rt), op)), nil
		}
	}
	if lb, lok := l.AsBool(); lok {
		if rb, rok := r.AsBool(); rok {
			switch op {
			case CmpEq:
				return value.Bool(lb == rb), nil
			case CmpNe:
				return value.Bool(lb != rb), nil
			default:
				return value.Null, errs.New(errs.ExpressionEval, "expr.compare", "booleans only support = and ≠")
			}
		}
	}
	return value.Bool(applyCmpOrdered(strings.Compare(l.StringValue(), r.StringValue()), op)), nil
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func applyCmpOrdered(cmp int, op CmpOp) bool {
	switch op {
	case CmpEq:
		return cmp == 0
	case CmpNe:
		return cmp != 0
	case CmpGt:
		return cmp > 0
	case CmpLt:
		return cmp < 0
	case CmpGe:
		return cmp >= 0
	case CmpLe:
		return cmp <= 0
	default:
		return false
	}
}
