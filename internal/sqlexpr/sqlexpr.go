// Package sqlexpr parses a PostgreSQL boolean expression — the USING /
// WITH CHECK clause body of an RLS policy — into an ast.WhereNode. It
// leans on pg_query_go/v6 rather than a hand-rolled tokenizer: every
// policy expression is wrapped as `SELECT 1 WHERE <expr>` and the
// resulting parse tree's WhereClause is walked into the engine's own
// WhereNode sum type.
package sqlexpr

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/pganalyze/pg_query_go/v6/parser"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
)

// Parse parses a boolean expression (as it would appear after WHERE) into
// a WhereNode. The expression has already had auth.uid()/auth.role() and
// any other policy-time substitutions applied by the caller.
func Parse(expr string) (*ast.WhereNode, error) {
	result, err := pg_query.Parse("SELECT 1 WHERE " + expr)
	if err != nil {
		var pgErr *parser.Error
		if errors.As(err, &pgErr) {
			return nil, apierr.ParseAt("invalid policy expression: "+pgErr.Message, "", int(pgErr.Cursorpos))
		}
		return nil, apierr.Parse(fmt.Sprintf("invalid policy expression: %v", err), "")
	}
	if len(result.Stmts) != 1 {
		return nil, apierr.Compilation("RLS expression must be a single boolean expression")
	}
	sel, ok := result.Stmts[0].Stmt.Node.(*pg_query.Node_SelectStmt)
	if !ok || sel.SelectStmt.WhereClause == nil {
		return nil, apierr.Compilation("RLS expression did not parse to a boolean clause")
	}
	return walk(sel.SelectStmt.WhereClause)
}

func walk(node *pg_query.Node) (*ast.WhereNode, error) {
	if node == nil {
		return nil, apierr.Compilation("empty RLS expression")
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_BoolExpr:
		return walkBoolExpr(n.BoolExpr)
	case *pg_query.Node_AExpr:
		return walkAExpr(n.AExpr)
	case *pg_query.Node_NullTest:
		return walkNullTest(n.NullTest)
	case *pg_query.Node_BooleanTest:
		return walkBooleanTest(n.BooleanTest)
	default:
		return nil, apierr.Compilation(fmt.Sprintf("unsupported RLS expression node: %T", n))
	}
}

func walkBooleanTest(bt *pg_query.BooleanTest) (*ast.WhereNode, error) {
	column, err := columnName(bt.Arg)
	if err != nil {
		return nil, err
	}
	switch bt.Booltesttype {
	case pg_query.BoolTestType_IS_TRUE:
		return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: ast.OpIs, Value: ast.IsTrue}, nil
	case pg_query.BoolTestType_IS_NOT_TRUE:
		return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: ast.OpIs, Value: ast.IsTrue, Negated: true}, nil
	case pg_query.BoolTestType_IS_FALSE:
		return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: ast.OpIs, Value: ast.IsFalse}, nil
	case pg_query.BoolTestType_IS_NOT_FALSE:
		return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: ast.OpIs, Value: ast.IsFalse, Negated: true}, nil
	case pg_query.BoolTestType_IS_UNKNOWN:
		return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: ast.OpIs, Value: ast.IsUnknown}, nil
	case pg_query.BoolTestType_IS_NOT_UNKNOWN:
		return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: ast.OpIs, Value: ast.IsUnknown, Negated: true}, nil
	default:
		return nil, apierr.Compilation("unsupported boolean test")
	}
}

func walkBoolExpr(b *pg_query.BoolExpr) (*ast.WhereNode, error) {
	switch b.Boolop {
	case pg_query.BoolExprType_AND_EXPR, pg_query.BoolExprType_OR_EXPR:
		children := make([]*ast.WhereNode, 0, len(b.Args))
		for _, arg := range b.Args {
			child, err := walk(arg)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if b.Boolop == pg_query.BoolExprType_AND_EXPR {
			return ast.AndNodes(children...), nil
		}
		return ast.OrNodes(children...), nil
	case pg_query.BoolExprType_NOT_EXPR:
		if len(b.Args) != 1 {
			return nil, apierr.Compilation("NOT expects exactly one operand")
		}
		child, err := walk(b.Args[0])
		if err != nil {
			return nil, err
		}
		child.Negated = !child.Negated
		return child, nil
	default:
		return nil, apierr.Compilation("unsupported boolean operator")
	}
}

var comparisonOps = map[string]ast.Operator{
	"=":   ast.OpEq,
	"<>":  ast.OpNeq,
	"!=":  ast.OpNeq,
	">":   ast.OpGt,
	">=":  ast.OpGte,
	"<":   ast.OpLt,
	"<=":  ast.OpLte,
	"~~":  ast.OpLike,
	"~~*": ast.OpIlike,
}

func walkAExpr(a *pg_query.A_Expr) (*ast.WhereNode, error) {
	if a.Kind == pg_query.A_Expr_Kind_AEXPR_IN {
		return walkInExpr(a)
	}
	if a.Kind != pg_query.A_Expr_Kind_AEXPR_OP {
		return nil, apierr.Compilation("only plain binary comparisons are supported in RLS expressions")
	}
	if len(a.Name) != 1 {
		return nil, apierr.Compilation("malformed comparison operator")
	}
	opName, ok := a.Name[0].Node.(*pg_query.Node_String_)
	if !ok {
		return nil, apierr.Compilation("malformed comparison operator name")
	}
	op, ok := comparisonOps[opName.String_.Sval]
	if !ok {
		return nil, apierr.Compilation(fmt.Sprintf("unsupported RLS comparison operator: %s", opName.String_.Sval))
	}

	column, err := columnName(a.Lexpr)
	if err != nil {
		return nil, err
	}
	value, err := literalValue(a.Rexpr)
	if err != nil {
		return nil, err
	}

	return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: op, Value: value}, nil
}

// walkInExpr handles `col IN (v1, v2, ...)` and `col NOT IN (...)`.
// Postgres represents the right-hand side as a List node whose items are
// the individual values; NOT IN arrives as the same AEXPR_IN node with
// operator name `<>` instead of `=`, and becomes a negated filter.
func walkInExpr(a *pg_query.A_Expr) (*ast.WhereNode, error) {
	column, err := columnName(a.Lexpr)
	if err != nil {
		return nil, err
	}
	list, ok := a.Rexpr.Node.(*pg_query.Node_List)
	if !ok {
		return nil, apierr.Compilation("IN expects a parenthesized list of values")
	}
	items := make([]any, 0, len(list.List.Items))
	for _, item := range list.List.Items {
		v, err := literalValue(item)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	negated := false
	if len(a.Name) == 1 {
		if opName, ok := a.Name[0].Node.(*pg_query.Node_String_); ok && opName.String_.Sval == "<>" {
			negated = true
		}
	}
	return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: ast.OpIn, Value: items, Negated: negated}, nil
}

func walkNullTest(nt *pg_query.NullTest) (*ast.WhereNode, error) {
	column, err := columnName(nt.Arg)
	if err != nil {
		return nil, err
	}
	sentinel := ast.IsNull
	if nt.Nulltesttype == pg_query.NullTestType_IS_NOT_NULL {
		sentinel = ast.IsNotNull
	}
	return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: ast.OpIs, Value: sentinel}, nil
}

// columnName extracts a (possibly alias-qualified) column reference's bare
// column name; RLS expressions never need the alias qualifier because they
// always apply to the policy's own table.
func columnName(node *pg_query.Node) (string, error) {
	cr, ok := node.Node.(*pg_query.Node_ColumnRef)
	if !ok {
		return "", apierr.Compilation("expected a column reference on the left side of an RLS comparison")
	}
	fields := cr.ColumnRef.Fields
	if len(fields) == 0 {
		return "", apierr.Compilation("empty column reference")
	}
	last := fields[len(fields)-1]
	s, ok := last.Node.(*pg_query.Node_String_)
	if !ok {
		return "", apierr.Compilation("unsupported column reference form")
	}
	return s.String_.Sval, nil
}

// literalValue extracts a Go scalar from the right-hand side of a
// comparison. Besides proper constants, a bare unquoted word
// (`status = active`) arrives from the parser as a column reference and
// is treated as a string literal. Function calls such as auth.uid() are
// expected to have been substituted with their literal values by the
// caller before parsing.
func literalValue(node *pg_query.Node) (any, error) {
	switch n := node.Node.(type) {
	case *pg_query.Node_AConst:
		return constValue(n.AConst)
	case *pg_query.Node_ColumnRef:
		return identifierText(n.ColumnRef)
	default:
		return nil, apierr.Compilation("expected a literal value on the right side of an RLS comparison")
	}
}

// identifierText renders a bare identifier back to its dotted text form.
func identifierText(cr *pg_query.ColumnRef) (string, error) {
	parts := make([]string, 0, len(cr.Fields))
	for _, field := range cr.Fields {
		s, ok := field.Node.(*pg_query.Node_String_)
		if !ok {
			return "", apierr.Compilation("unsupported value form on the right side of an RLS comparison")
		}
		parts = append(parts, s.String_.Sval)
	}
	if len(parts) == 0 {
		return "", apierr.Compilation("empty value on the right side of an RLS comparison")
	}
	return strings.Join(parts, "."), nil
}

func constValue(c *pg_query.A_Const) (any, error) {
	switch v := c.Val.(type) {
	case *pg_query.A_Const_Ival:
		return int64(v.Ival.Ival), nil
	case *pg_query.A_Const_Fval:
		return v.Fval.Fval, nil
	case *pg_query.A_Const_Sval:
		return v.Sval.Sval, nil
	case *pg_query.A_Const_Boolval:
		return v.Boolval.Boolval, nil
	case nil:
		if c.Isnull {
			return nil, nil
		}
		return nil, apierr.Compilation("empty literal value")
	default:
		return nil, apierr.Compilation("unsupported literal value type")
	}
}
