// Package expr implements the closed expression AST from spec.md §3
// and a stack-machine evaluator (spec.md §4.4) for FILTER predicates
// and MAP projections.
package expr

import "github.com/stratum-dmt/stratum/internal/value"

// NodeKind tags the AST node variant.
type NodeKind int

const (
	KindLiteral NodeKind = iota
	KindLookup
	KindArithmetic
	KindCondition
	KindFunctionCall
)

// ArithOp enumerates the arithmetic operators.
type ArithOp int

const (
	OpAdd ArithOp = iota
	OpSub
	OpMul
	OpDiv
)

// CmpOp enumerates the condition comparison operators.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpGt
	CmpLt
	CmpGe
	CmpLe
)

// Node is a closed sum type over Literal, Lookup, Arithmetic,
// Condition, and FunctionCall. Only the fields matching Kind are
// meaningful. All nodes are side-effect free (spec.md §3).
type Node struct {
	Kind NodeKind

	// Literal
	Literal value.Value

	// Lookup
	Entity string
	Key    string
	Field  *string // optional sub-field, e.g. entity.key.field

	// Arithmetic / Condition share Left/Right
	Left, Right *Node
	ArithOp     ArithOp
	CmpOp       CmpOp

	// FunctionCall
	FuncName string
	Args     []*Node
}

// Built-in function names recognized by the evaluator (spec.md §3).
const (
	FuncAnd      = "AND"
	FuncOr       = "OR"
	FuncNot      = "NOT"
	FuncConcat   = "CONCAT"
	FuncUpper    = "UPPER"
	FuncLower    = "LOWER"
	FuncRound    = "ROUND"
	FuncCoalesce = "COALESCE"
)

func Literal(v value.Value) *Node { return &Node{Kind: KindLiteral, Literal: v} }

func Lookup(entity, key string) *Node {
	return &Node{Kind: KindLookup, Entity: entity, Key: key}
}

func Arithmetic(left *Node, op ArithOp, right *Node) *Node {
	return &Node{Kind: KindArithmetic, Left: left, ArithOp: op, Right: right}
}

func Condition(left *Node, op CmpOp, right *Node) *Node {
	return &Node{Kind: KindCondition, Left: left, CmpOp: op, Right: right}
}

func Call(name string, args ...*Node) *Node {
	return &Node{Kind: KindFunctionCall, FuncName: name, Args: args}
}
