// Package value defines the closed, tagged-union runtime value type
// the engine passes between connectors, the lookup planner, and the
// expression evaluator. Nothing in this package reflects on host Go
// types at evaluation time — every conversion is an explicit Kind
// switch, per spec.md §9 ("Dynamic value typing").
package value

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Kind tags the variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindDecimal
	KindString
	KindBytes
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindDecimal:
		return "decimal"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTimestamp:
		return "timestamp"
	default:
		return "null"
	}
}

// Value is a closed tagged union: Null | Bool | Int64 | Float64 |
// Decimal | String | Bytes | Timestamp. Only the field matching Kind
// is meaningful; the zero Value is Null.
type Value struct {
	Kind Kind

	b    bool
	i    int64
	f    float64
	dec  *big.Rat
	scale int // decimal digits after the point, as declared by the source; -1 if unknown
	s    string
	by   []byte
	ts   time.Time
}

// Null is the canonical null value.
var Null = Value{Kind: KindNull}

func Bool(v bool) Value           { return Value{Kind: KindBool, b: v} }
func Int64(v int64) Value         { return Value{Kind: KindInt64, i: v} }
func Float64(v float64) Value     { return Value{Kind: KindFloat64, f: v} }
func String(v string) Value       { return Value{Kind: KindString, s: v} }
func Bytes(v []byte) Value        { return Value{Kind: KindBytes, by: v} }
func Timestamp(v time.Time) Value { return Value{Kind: KindTimestamp, ts: v} }

// Decimal builds an exact decimal value from a big.Rat with unknown
// declared scale. The evaluator preserves Decimal only when both
// operand scales match (spec.md §4.4); otherwise arithmetic upcasts to
// Float64.
func Decimal(v *big.Rat) Value { return Value{Kind: KindDecimal, dec: v, scale: -1} }

// DecimalWithScale builds a Decimal that carries an explicit declared
// scale (digits after the point), used to satisfy the equal-scale
// preservation rule in spec.md §4.4.
func DecimalWithScale(v *big.Rat, scale int) Value {
	return Value{Kind: KindDecimal, dec: v, scale: scale}
}

// DecimalFromString parses a base-10 decimal literal exactly (no
// float64 round-trip) and records its declared scale, used by
// connectors reading NUMERIC/DECIMAL columns.
func DecimalFromString(s string) (Value, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Value{}, fmt.Errorf("value: invalid decimal literal %q", s)
	}
	scale := 0
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		scale = len(s) - dot - 1
	}
	return DecimalWithScale(r, scale), nil
}

// Scale returns the declared decimal scale, or -1 if unknown/not a
// Decimal.
func (v Value) Scale() int {
	if v.Kind != KindDecimal {
		return -1
	}
	return v.scale
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) AsBool() (bool, bool)         { return v.b, v.Kind == KindBool }
func (v Value) AsInt64() (int64, bool)       { return v.i, v.Kind == KindInt64 }
func (v Value) AsFloat64() (float64, bool)   { return v.f, v.Kind == KindFloat64 }
func (v Value) AsDecimal() (*big.Rat, bool)  { return v.dec, v.Kind == KindDecimal }
func (v Value) AsString() (string, bool)     { return v.s, v.Kind == KindString }
func (v Value) AsBytes() ([]byte, bool)      { return v.by, v.Kind == KindBytes }
func (v Value) AsTimestamp() (time.Time, bool) { return v.ts, v.Kind == KindTimestamp }

// Float renders any numeric-ish Value as a float64, for coercion and
// display; the second return is false for non-numeric kinds.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case KindInt64:
		return float64(v.i), true
	case KindFloat64:
		return v.f, true
	case KindDecimal:
		f, _ := v.dec.Float64()
		return f, true
	default:
		return 0, false
	}
}

// String renders v for CONCAT and logging; Null renders as "".
func (v Value) StringValue() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindFloat64:
		return fmt.Sprintf("%g", v.f)
	case KindDecimal:
		return v.dec.RatString()
	case KindString:
		return v.s
	case KindBytes:
		return string(v.by)
	case KindTimestamp:
		return v.ts.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%s)", v.Kind, v.StringValue())
}

// Equal reports value equality (not identity); Null equals only Null.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt64:
		return v.i == o.i
	case KindFloat64:
		return v.f == o.f
	case KindDecimal:
		return v.dec.Cmp(o.dec) == 0
	case KindString:
		return v.s == o.s
	case KindBytes:
		return string(v.by) == string(o.by)
	case KindTimestamp:
		return v.ts.Equal(o.ts)
	default:
		return false
	}
}
