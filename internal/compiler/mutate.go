package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
	"github.com/litefuse/litefuse/internal/schema"
)

// CompileInsert builds a parameterized multi-row INSERT with RETURNING *,
// so the Query Service can hand the inserted rows straight to the
// WITH-CHECK pass without a second round-trip. Every row must supply the
// same set of columns; sparse per-row column sets are not supported.
func CompileInsert(table string, rows []map[string]any, sch *schema.Schema) (Compiled, error) {
	t, ok := sch.Table(table)
	if !ok {
		return Compiled{}, apierr.Compilation("unknown table: " + table)
	}
	if len(rows) == 0 {
		return Compiled{}, apierr.Validation("insert requires at least one row")
	}

	cols := sortedKeys(rows[0])
	for _, c := range cols {
		if !t.HasColumn(c) {
			return Compiled{}, apierr.Compilation(fmt.Sprintf("unknown column %q on table %q", c, table))
		}
	}
	for i, row := range rows {
		if !sameKeys(row, cols) {
			return Compiled{}, apierr.Validation(fmt.Sprintf("row %d has a different column set than row 0", i))
		}
	}

	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteIdent(c)
	}

	var params []any
	valueGroups := make([]string, len(rows))
	for i, row := range rows {
		placeholders := make([]string, len(cols))
		for j, c := range cols {
			placeholders[j] = "?"
			params = append(params, row[c])
		}
		valueGroups[i] = "(" + strings.Join(placeholders, ",") + ")"
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s RETURNING *",
		quoteIdent(table), strings.Join(quotedCols, ", "), strings.Join(valueGroups, ", "),
	)
	return Compiled{SQL: sql, Params: params}, nil
}

// CompileUpdate builds a parameterized UPDATE ... SET ... WHERE ...
// RETURNING * statement. where has already had the RLS policy ANDed in
// by the caller.
func CompileUpdate(table string, patch map[string]any, where *ast.WhereNode, sch *schema.Schema) (Compiled, error) {
	t, ok := sch.Table(table)
	if !ok {
		return Compiled{}, apierr.Compilation("unknown table: " + table)
	}
	if len(patch) == 0 {
		return Compiled{}, apierr.Validation("update requires at least one column in the patch body")
	}

	cols := sortedKeys(patch)
	for _, c := range cols {
		if !t.HasColumn(c) {
			return Compiled{}, apierr.Compilation(fmt.Sprintf("unknown column %q on table %q", c, table))
		}
	}

	sets := make([]string, len(cols))
	var params []any
	for i, c := range cols {
		sets[i] = quoteIdent(c) + " = ?"
		params = append(params, patch[c])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET %s", quoteIdent(table), strings.Join(sets, ", "))

	if where != nil {
		clause, whereParams, err := CompileWhereNode(where, "")
		if err != nil {
			return Compiled{}, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(clause)
		params = append(params, whereParams...)
	}
	b.WriteString(" RETURNING *")

	return Compiled{SQL: b.String(), Params: params}, nil
}

// CompileDelete builds a parameterized DELETE ... WHERE ... RETURNING *
// statement.
func CompileDelete(table string, where *ast.WhereNode, sch *schema.Schema) (Compiled, error) {
	if _, ok := sch.Table(table); !ok {
		return Compiled{}, apierr.Compilation("unknown table: " + table)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "DELETE FROM %s", quoteIdent(table))

	var params []any
	if where != nil {
		clause, whereParams, err := CompileWhereNode(where, "")
		if err != nil {
			return Compiled{}, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(clause)
		params = append(params, whereParams...)
	}
	b.WriteString(" RETURNING *")

	return Compiled{SQL: b.String(), Params: params}, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(m map[string]any, keys []string) bool {
	if len(m) != len(keys) {
		return false
	}
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}
