package expr

import (
	"fmt"
	"strings"
)

// Print renders n as canonical SMQL expression text: lowercased
// function names, no extraneous whitespace. Used both for
// human-readable diagnostics and as the round-trip target for the
// expression round-trip testable property in spec.md §8 (eval(parse(
// print(e))) = eval(e)); the parser itself lives outside the core.
func Print(n *Node) string {
	var b strings.Builder
	print(&b, n)
	return b.String()
}

func print(b *strings.Builder, n *Node) {
	switch n.Kind {
	case KindLiteral:
		b.WriteString(n.Literal.StringValue())
	case KindLookup:
		b.WriteString(n.Entity)
		b.WriteByte('[')
		b.WriteString(n.Key)
		b.WriteByte(']')
	case KindArithmetic:
		b.WriteByte('(')
		print(b, n.Left)
		b.WriteByte(' ')
		b.WriteString(arithSymbol(n.ArithOp))
		b.WriteByte(' ')
		print(b, n.Right)
		b.WriteByte(')')
	case KindCondition:
		b.WriteByte('(')
		print(b, n.Left)
		b.WriteByte(' ')
		b.WriteString(cmpSymbol(n.CmpOp))
		b.WriteByte(' ')
		print(b, n.Right)
		b.WriteByte(')')
	case KindFunctionCall:
		b.WriteString(strings.ToLower(n.FuncName))
		b.WriteByte('(')
		for i, arg := range n.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			print(b, arg)
		}
		b.WriteByte(')')
	default:
		b.WriteString(fmt.Sprintf("<invalid:%d>", n.Kind))
	}
}

func arithSymbol(op ArithOp) string {
	switch op {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	default:
		return "?"
	}
}

func cmpSymbol(op CmpOp) string {
	switch op {
	case CmpEq:
		return "="
	case CmpNe:
		return "≠"
	case CmpGt:
		return ">"
	case CmpLt:
		return "<"
	case CmpGe:
		return "≥"
	case CmpLe:
		return "≤"
	default:
		return "?"
	}
}
