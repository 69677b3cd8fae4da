package compiler

import (
	"fmt"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
	"github.com/litefuse/litefuse/internal/schema"
)

// resolution describes how a child table relates to its parent for a
// single Embedded select item.
type resolution struct {
	fk        schema.ForeignKey
	manyToOne bool // true: parent holds the FK (JSON object). false: child holds it (JSON array).
}

// resolveRelationship looks for an FK from parent->child first
// (many-to-one), then child->parent (one-to-many), else reports a
// relationship-not-found compile error.
func resolveRelationship(sch *schema.Schema, parentTable, childTable, hint string) (resolution, error) {
	parent, ok := sch.Table(parentTable)
	if !ok {
		return resolution{}, apierr.Compilation("unknown table: " + parentTable)
	}
	for _, fk := range parent.ForeignKeys {
		if fk.ToTable == childTable && (hint == "" || fk.FromCol == hint) {
			return resolution{fk: fk, manyToOne: true}, nil
		}
	}

	child, ok := sch.Table(childTable)
	if !ok {
		return resolution{}, apierr.Compilation("unknown table: " + childTable)
	}
	for _, fk := range child.ForeignKeys {
		if fk.ToTable == parentTable && (hint == "" || fk.FromCol == hint) {
			return resolution{fk: fk, manyToOne: false}, nil
		}
	}

	return resolution{}, apierr.Compilation(fmt.Sprintf("relationship not found between %s and %s", parentTable, childTable))
}

// compileEmbedded emits the correlated subquery for one Embedded select
// item. parentQual is the SQL qualifier the parent row is addressed by at
// this nesting level: the table name at the top level, the enclosing
// subquery's alias when the embed is nested.
func (st *state) compileEmbedded(item ast.ColumnItem, parentTable, parentQual string) (string, []any, error) {
	res, err := resolveRelationship(st.sch, parentTable, item.Table, item.Hint)
	if err != nil {
		return "", nil, err
	}

	child, ok := st.sch.Table(item.Table)
	if !ok {
		return "", nil, apierr.Compilation("unknown table: " + item.Table)
	}
	if err := validateWhereColumns(item.InnerWhere, child); err != nil {
		return "", nil, err
	}
	for _, term := range item.InnerOrder {
		if !child.HasColumn(term.Column) {
			return "", nil, apierr.Compilation(fmt.Sprintf("unknown column %q on table %q", term.Column, item.Table))
		}
	}

	childAlias := st.freshAlias()
	childRef := quoteIdent(childAlias)

	jsonObj, jsonParams, err := st.compileJSONObject(item.InnerSelect, item.Table, childAlias)
	if err != nil {
		return "", nil, err
	}

	// jsonParams precede whereParams: the json_object expression appears
	// before the WHERE clause in the emitted subquery, and positional
	// parameters bind in textual order.
	params := append([]any{}, jsonParams...)

	var conds []string
	if res.manyToOne {
		conds = append(conds, qualify(childAlias, res.fk.ToCol)+" = "+qualify(parentQual, res.fk.FromCol))
	} else {
		conds = append(conds, qualify(childAlias, res.fk.FromCol)+" = "+qualify(parentQual, res.fk.ToCol))
	}

	if item.InnerWhere != nil {
		clause, whereParams, err := CompileWhereNode(item.InnerWhere, childAlias)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, clause)
		params = append(params, whereParams...)
	}

	whereClause := conds[0]
	for _, c := range conds[1:] {
		whereClause += " AND (" + c + ")"
	}

	orderClause := ""
	if len(item.InnerOrder) > 0 {
		orderClause = " " + buildOrderBy(item.InnerOrder, childAlias)
	}

	limitClause := ""
	if res.manyToOne {
		limitClause = " LIMIT 1"
	} else if item.InnerLimit != nil {
		limitClause = " LIMIT " + parseIntLiteral(*item.InnerLimit)
		if item.InnerOffset != nil {
			limitClause += " OFFSET " + parseIntLiteral(*item.InnerOffset)
		}
	}

	if res.manyToOne {
		sql := fmt.Sprintf(
			`(SELECT %s FROM %s %s WHERE %s%s%s)`,
			jsonObj, quoteIdent(item.Table), childRef, whereClause, orderClause, limitClause,
		)
		return sql, params, nil
	}

	sql := fmt.Sprintf(
		`(SELECT COALESCE(json_group_array(%s), '[]') FROM (SELECT * FROM %s %s WHERE %s%s%s) %s)`,
		jsonObj, quoteIdent(item.Table), childRef, whereClause, orderClause, limitClause, childRef,
	)
	return sql, params, nil
}

// compileJSONObject builds the json_object(...) expression for an
// embedded resource's inner select list, expanding a bare wildcard to the
// child table's own columns and recursing into any further nested
// embeds.
func (st *state) compileJSONObject(items []ast.ColumnItem, childTable, childAlias string) (string, []any, error) {
	table, ok := st.sch.Table(childTable)
	if !ok {
		return "", nil, apierr.Compilation("unknown table: " + childTable)
	}

	expanded := items
	if len(expanded) == 1 && expanded[0].Kind == ast.KindWildcard {
		expanded = make([]ast.ColumnItem, 0, len(table.Columns))
		for _, c := range table.Columns {
			expanded = append(expanded, ast.ColumnItem{Kind: ast.KindSimple, Column: c.Name})
		}
	}

	var pairs []string
	var params []any
	for _, it := range expanded {
		switch it.Kind {
		case ast.KindWildcard:
			return "", nil, apierr.Validation("wildcard cannot be combined with other columns inside an embedded select")
		case ast.KindSimple:
			if !table.HasColumn(it.Column) {
				return "", nil, apierr.Compilation(fmt.Sprintf("unknown column %q on table %q", it.Column, childTable))
			}
			key := it.Column
			if it.Alias != "" {
				key = it.Alias
			}
			pairs = append(pairs, fmt.Sprintf("'%s', %s", escapeSQLString(key), qualify(childAlias, it.Column)))
		case ast.KindAggregate:
			if it.AggColumn != "" && !table.HasColumn(it.AggColumn) {
				return "", nil, apierr.Compilation(fmt.Sprintf("unknown column %q on table %q", it.AggColumn, childTable))
			}
			key := string(it.AggFn)
			if it.Alias != "" {
				key = it.Alias
			}
			expr, err := aggregateExpr(it, childAlias)
			if err != nil {
				return "", nil, err
			}
			pairs = append(pairs, fmt.Sprintf("'%s', %s", escapeSQLString(key), expr))
		case ast.KindEmbedded:
			key := it.Table
			if it.Alias != "" {
				key = it.Alias
			}
			nested, nestedParams, err := st.compileEmbedded(it, childTable, childAlias)
			if err != nil {
				return "", nil, err
			}
			pairs = append(pairs, fmt.Sprintf("'%s', %s", escapeSQLString(key), nested))
			params = append(params, nestedParams...)
		default:
			return "", nil, apierr.Compilation("unknown select item kind in embedded resource")
		}
	}

	obj := "json_object(" + join(pairs, ", ") + ")"
	return obj, params, nil
}

// escapeSQLString doubles single quotes for safe embedding inside a SQL
// string literal. Only ever applied to column/alias names the compiler
// itself controls (schema-verified identifiers), never to user values.
func escapeSQLString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
