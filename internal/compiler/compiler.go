// Package compiler turns a (post-RLS) ast.QueryAST plus a schema
// catalog into parameterized SQL, including the correlated
// JSON-aggregating subqueries for embedded resources. No identifier or
// literal is ever interpolated into the returned SQL string; every
// user-supplied value becomes a positional `?` parameter in the
// returned slice.
package compiler

import (
	"fmt"
	"strings"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
	"github.com/litefuse/litefuse/internal/schema"
)

// Compiled is the result of compiling a QueryAST: ready-to-prepare SQL
// text plus its positional parameter list.
type Compiled struct {
	SQL    string
	Params []any
}

// Compile turns ast into parameterized SQL against sch. ast.RLSPolicy,
// if set, has already been injected by the RLS enforcer and is ANDed
// with ast.Where here without being distributed or rewritten.
func Compile(q *ast.QueryAST, sch *schema.Schema) (Compiled, error) {
	if _, ok := sch.Table(q.From); !ok {
		return Compiled{}, apierr.Compilation("unknown table: " + q.From)
	}
	st := &state{sch: sch}
	return st.compileSelect(q)
}

// state carries per-compilation mutable bookkeeping: a monotonically
// increasing alias counter so nested embedded subqueries never collide.
type state struct {
	sch   *schema.Schema
	alias int
}

func (st *state) freshAlias() string {
	st.alias++
	return fmt.Sprintf("child%d", st.alias)
}

func (st *state) compileSelect(q *ast.QueryAST) (Compiled, error) {
	qualifier := q.From

	sel, userWhere, err := routeEmbeddedFilters(q.Select, q.Where)
	if err != nil {
		return Compiled{}, err
	}

	t, _ := st.sch.Table(q.From)
	if err := validateWhereColumns(userWhere, t); err != nil {
		return Compiled{}, err
	}
	for _, term := range q.Order {
		if !t.HasColumn(term.Column) {
			return Compiled{}, apierr.Compilation(fmt.Sprintf("unknown column %q on table %q", term.Column, q.From))
		}
	}

	selectExprs, selectParams, groupCols, err := st.compileTopSelectList(sel, q.From, qualifier)
	if err != nil {
		return Compiled{}, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selectExprs, ", "))
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(q.From))

	params := append([]any{}, selectParams...)

	combinedWhere := ast.AndNodes(userWhere, q.RLSPolicy)
	if combinedWhere != nil {
		clause, whereParams, err := CompileWhereNode(combinedWhere, qualifier)
		if err != nil {
			return Compiled{}, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(clause)
		params = append(params, whereParams...)
	}

	if len(groupCols) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groupCols, ", "))
	}

	if len(q.Order) > 0 {
		b.WriteString(" ")
		b.WriteString(buildOrderBy(q.Order, qualifier))
	}

	if q.Limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *q.Limit)
	}
	if q.Offset != nil {
		fmt.Fprintf(&b, " OFFSET %d", *q.Offset)
	}

	return Compiled{SQL: b.String(), Params: params}, nil
}

// routeEmbeddedFilters pulls EmbeddedFilter nodes out of the user WHERE
// tree's top-level conjunction and attaches each to the matching Embedded
// select item, where it becomes part of the correlated subquery's own
// WHERE. EmbeddedFilter nodes anywhere else (inside OR, under NOT) are
// left in place and rejected by the WHERE builder.
func routeEmbeddedFilters(items []ast.ColumnItem, where *ast.WhereNode) ([]ast.ColumnItem, *ast.WhereNode, error) {
	if where == nil {
		return items, nil, nil
	}

	var routed []*ast.WhereNode
	rest := where
	switch {
	case where.Kind == ast.NodeEmbeddedFilter:
		routed = append(routed, where)
		rest = nil
	case where.Kind == ast.NodeLogical && where.LogicalKind == ast.And && !where.Negated:
		var keep []*ast.WhereNode
		for _, child := range where.Children {
			if child.Kind == ast.NodeEmbeddedFilter {
				routed = append(routed, child)
			} else {
				keep = append(keep, child)
			}
		}
		if len(routed) > 0 {
			rest = ast.AndNodes(keep...)
		}
	}
	if len(routed) == 0 {
		return items, where, nil
	}

	out := append([]ast.ColumnItem{}, items...)
	for _, ef := range routed {
		if err := attachEmbeddedFilter(out, ef.Path, ef.Inner); err != nil {
			return nil, nil, err
		}
	}
	return out, rest, nil
}

func attachEmbeddedFilter(items []ast.ColumnItem, path string, inner *ast.WhereNode) error {
	for i := range items {
		it := &items[i]
		if it.Kind != ast.KindEmbedded {
			continue
		}
		name := it.Alias
		if name == "" {
			name = it.Table
		}
		if name != path && it.Table != path {
			continue
		}
		if inner != nil && inner.Kind == ast.NodeEmbeddedFilter {
			it.InnerSelect = append([]ast.ColumnItem{}, it.InnerSelect...)
			return attachEmbeddedFilter(it.InnerSelect, inner.Path, inner.Inner)
		}
		it.InnerWhere = ast.AndNodes(it.InnerWhere, inner)
		return nil
	}
	return apierr.Compilation("no embedded resource matches filter path: " + path)
}

// compileTopSelectList compiles the top-level select list, inferring
// GROUP BY: every plain Simple column joins GROUP BY, in order, whenever
// any Aggregate is present; Wildcard+Aggregate is a compile error.
func (st *state) compileTopSelectList(items []ast.ColumnItem, fromTable, qualifier string) (exprs []string, params []any, groupCols []string, err error) {
	var hasAggregate, hasWildcard bool
	var plainCols []string

	t, _ := st.sch.Table(fromTable)
	for _, it := range items {
		switch it.Kind {
		case ast.KindWildcard:
			hasWildcard = true
			exprs = append(exprs, quoteIdent(qualifier)+".*")
		case ast.KindSimple:
			if !t.HasColumn(it.Column) {
				return nil, nil, nil, apierr.Compilation(fmt.Sprintf("unknown column %q on table %q", it.Column, fromTable))
			}
			expr := qualify(qualifier, it.Column)
			plainCols = append(plainCols, expr)
			if it.Alias != "" {
				exprs = append(exprs, expr+" AS "+quoteIdent(it.Alias))
			} else {
				exprs = append(exprs, expr)
			}
		case ast.KindAggregate:
			hasAggregate = true
			if it.AggColumn != "" && !t.HasColumn(it.AggColumn) {
				return nil, nil, nil, apierr.Compilation(fmt.Sprintf("unknown column %q on table %q", it.AggColumn, fromTable))
			}
			expr, aggErr := aggregateExpr(it, qualifier)
			if aggErr != nil {
				return nil, nil, nil, aggErr
			}
			alias := it.Alias
			if alias == "" {
				alias = string(it.AggFn)
			}
			exprs = append(exprs, expr+" AS "+quoteIdent(alias))
		case ast.KindEmbedded:
			sub, subParams, embErr := st.compileEmbedded(it, fromTable, qualifier)
			if embErr != nil {
				return nil, nil, nil, embErr
			}
			alias := it.Alias
			if alias == "" {
				alias = it.Table
			}
			exprs = append(exprs, sub+" AS "+quoteIdent(alias))
			params = append(params, subParams...)
		default:
			return nil, nil, nil, apierr.Compilation("unknown select item kind")
		}
	}

	if hasAggregate && hasWildcard {
		return nil, nil, nil, apierr.Validation("cannot combine a wildcard select with an aggregate")
	}
	if hasAggregate {
		groupCols = plainCols
	}
	return exprs, params, groupCols, nil
}

// aggregateExpr renders one Aggregate ColumnItem to its SQL function
// call. A bare count() with no column counts rows; col.count() counts
// non-null occurrences of col.
func aggregateExpr(it ast.ColumnItem, qualifier string) (string, error) {
	if it.AggColumn == "" {
		if it.AggFn != ast.AggCount {
			return "", apierr.Validation(string(it.AggFn) + "() requires a column")
		}
		return "COUNT(*)", nil
	}
	fn := strings.ToUpper(string(it.AggFn))
	return fn + "(" + qualify(qualifier, it.AggColumn) + ")", nil
}

// buildOrderBy renders an ORDER BY clause for terms, qualifying each
// column with qualifier.
func buildOrderBy(terms []ast.OrderTerm, qualifier string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		part := qualify(qualifier, t.Column)
		if t.Direction == ast.Desc {
			part += " DESC"
		} else {
			part += " ASC"
		}
		switch t.Nulls {
		case ast.NullsFirst:
			part += " NULLS FIRST"
		case ast.NullsLast:
			part += " NULLS LAST"
		}
		parts = append(parts, part)
	}
	return "ORDER BY " + strings.Join(parts, ", ")
}
