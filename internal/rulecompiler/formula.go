package rulecompiler

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/reconcilio/rcaengine/internal/runtime"
)

// aggFuncNames maps a formula's outer call name (case-insensitive) to the
// runtime.AggFunc it represents.
var aggFuncNames = map[string]runtime.AggFunc{
	"SUM":   runtime.AggSum,
	"AVG":   runtime.AggAvg,
	"COUNT": runtime.AggCount,
	"MIN":   runtime.AggMin,
	"MAX":   runtime.AggMax,
}

// parsedFormula is the result of parsing a rule's formula string: either a
// single outer aggregation over an inner expression, or a bare expression
// with no aggregation.
type parsedFormula struct {
	Agg   *runtime.AggFunc
	Inner runtime.Expr
}

// parseFormula parses formula using expr-lang/expr's parser into an AST,
// then walks it into a restricted runtime.Expr tree (literals, column
// refs, + - * /, COALESCE, and at most one outer aggregation call) per
// SPEC_FULL.md §4.5. Anything outside that grammar is rejected rather
// than evaluated — expr-lang here is a parser only, never an interpreter
// over arbitrary Go values.
func parseFormula(formula string) (parsedFormula, error) {
	tree, err := parser.Parse(formula)
	if err != nil {
		return parsedFormula{}, fmt.Errorf("parse formula %q: %w", formula, err)
	}

	root := unwrapParens(tree.Node)

	if call, ok := root.(*ast.CallNode); ok {
		if name, isIdent := calleeName(call.Callee); isIdent {
			if agg, known := aggFuncNames[strings.ToUpper(name)]; known {
				if len(call.Arguments) != 1 {
					return parsedFormula{}, fmt.Errorf("aggregation %s must take exactly one argument", name)
				}
				inner, err := convertNode(call.Arguments[0])
				if err != nil {
					return parsedFormula{}, err
				}
				return parsedFormula{Agg: &agg, Inner: inner}, nil
			}
		}
	}

	inner, err := convertNode(root)
	if err != nil {
		return parsedFormula{}, err
	}
	return parsedFormula{Inner: inner}, nil
}

// parseExpr parses a formula fragment with no aggregation wrapper expected
// (used for filter_conditions-derived expressions and sub-expressions that
// are already known to carry no outer aggregation).
func parseExpr(formula string) (runtime.Expr, error) {
	tree, err := parser.Parse(formula)
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", formula, err)
	}
	return convertNode(unwrapParens(tree.Node))
}

func calleeName(n ast.Node) (string, bool) {
	if id, ok := unwrapParens(n).(*ast.IdentifierNode); ok {
		return id.Value, true
	}
	return "", false
}

func unwrapParens(n ast.Node) ast.Node {
	for {
		p, ok := n.(*ast.ParenthesisNode)
		if !ok {
			return n
		}
		n = p.Node
	}
}

// convertNode walks one expr-lang AST node into runtime.Expr, rejecting
// anything outside the restricted grammar SPEC_FULL.md §4.5 allows.
func convertNode(n ast.Node) (runtime.Expr, error) {
	n = unwrapParens(n)

	switch node := n.(type) {
	case *ast.IdentifierNode:
		return runtime.ColumnRef{Column: node.Value}, nil

	case *ast.FloatNode:
		return runtime.Literal{Value: node.Value}, nil

	case *ast.IntegerNode:
		return runtime.Literal{Value: float64(node.Value)}, nil

	case *ast.UnaryNode:
		if node.Operator != "-" && node.Operator != "+" {
			return nil, fmt.Errorf("unsupported unary operator %q", node.Operator)
		}
		operand, err := convertNode(node.Node)
		if err != nil {
			return nil, err
		}
		if node.Operator == "+" {
			return operand, nil
		}
		return runtime.BinaryOp{Op: '-', Left: runtime.Literal{Value: 0}, Right: operand}, nil

	case *ast.BinaryNode:
		op, ok := binaryOpByte(node.Operator)
		if !ok {
			return nil, fmt.Errorf("unsupported operator %q in formula", node.Operator)
		}
		left, err := convertNode(node.Left)
		if err != nil {
			return nil, err
		}
		right, err := convertNode(node.Right)
		if err != nil {
			return nil, err
		}
		return runtime.BinaryOp{Op: op, Left: left, Right: right}, nil

	case *ast.CallNode:
		name, isIdent := calleeName(node.Callee)
		if !isIdent || !strings.EqualFold(name, "COALESCE") {
			return nil, fmt.Errorf("unsupported function call in formula (only COALESCE is allowed)")
		}
		args := make([]runtime.Expr, 0, len(node.Arguments))
		for _, a := range node.Arguments {
			arg, err := convertNode(a)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}
		return runtime.Coalesce{Args: args}, nil

	default:
		return nil, fmt.Errorf("unsupported expression node %T in formula", n)
	}
}

func binaryOpByte(op string) (byte, bool) {
	switch op {
	case "+":
		return '+', true
	case "-":
		return '-', true
	case "*":
		return '*', true
	case "/":
		return '/', true
	default:
		return 0, false
	}
}
