package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
	"github.com/litefuse/litefuse/internal/schema"
)

// validateWhereColumns walks a user-supplied WHERE tree and rejects any
// filter naming a column the table does not declare. Unknown identifiers
// surface here, at compile time, rather than as a driver error at
// execution time. Policy-sourced trees are not run through this check:
// a policy expression naming a dropped column is the policy author's
// problem and already fails loudly at execution.
func validateWhereColumns(node *ast.WhereNode, t schema.Table) error {
	if node == nil {
		return nil
	}
	switch node.Kind {
	case ast.NodeFilter:
		if !t.HasColumn(node.Column) {
			return apierr.Compilation(fmt.Sprintf("unknown column %q on table %q", node.Column, t.Name))
		}
	case ast.NodeLogical:
		for _, child := range node.Children {
			if err := validateWhereColumns(child, t); err != nil {
				return err
			}
		}
	}
	// EmbeddedFilter nodes were routed into their subquery before this
	// walk runs and are validated against the embedded table there.
	return nil
}

// CompileWhereNode renders a WhereNode to a SQL boolean expression with
// positional `?` parameters, qualifying bare columns with qualifier (pass
// "" to emit unqualified column names, as the RLS WITH-CHECK pass does
// against a single unaliased table). Exported so internal/queryservice can
// compile a WITH-CHECK predicate independently of a full query.
func CompileWhereNode(node *ast.WhereNode, qualifier string) (string, []any, error) {
	w := &whereBuilder{qualifier: qualifier}
	clause, err := w.build(node)
	if err != nil {
		return "", nil, err
	}
	return clause, w.params, nil
}

type whereBuilder struct {
	qualifier string
	params    []any
}

func (w *whereBuilder) col(name string) string {
	if w.qualifier == "" {
		return quoteIdent(name)
	}
	return qualify(w.qualifier, name)
}

func (w *whereBuilder) build(node *ast.WhereNode) (string, error) {
	if node == nil {
		return "", nil
	}
	switch node.Kind {
	case ast.NodeDenyAll:
		return "1 = 0", nil
	case ast.NodeFilter:
		return w.buildFilter(node)
	case ast.NodeLogical:
		return w.buildLogical(node)
	case ast.NodeEmbeddedFilter:
		// EmbeddedFilter nodes are consumed by the embedding resolver
		// (applied inside the correlated subquery's own WHERE), never by
		// the top-level WHERE builder.
		return "", apierr.Compilation("embedded filter node reached the top-level WHERE builder")
	default:
		return "", apierr.Compilation(fmt.Sprintf("unknown where node kind: %v", node.Kind))
	}
}

func (w *whereBuilder) buildLogical(node *ast.WhereNode) (string, error) {
	parts := make([]string, 0, len(node.Children))
	for _, child := range node.Children {
		clause, err := w.build(child)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+clause+")")
	}
	sep := " AND "
	if node.LogicalKind == ast.Or {
		sep = " OR "
	}
	clause := strings.Join(parts, sep)
	if node.Negated {
		clause = "NOT (" + clause + ")"
	}
	return clause, nil
}

func (w *whereBuilder) buildFilter(node *ast.WhereNode) (string, error) {
	col := w.col(node.Column)

	var clause string
	switch node.Operator {
	case ast.OpEq:
		clause = col + " = ?"
		w.params = append(w.params, node.Value)
	case ast.OpNeq:
		clause = col + " <> ?"
		w.params = append(w.params, node.Value)
	case ast.OpGt:
		clause = col + " > ?"
		w.params = append(w.params, node.Value)
	case ast.OpGte:
		clause = col + " >= ?"
		w.params = append(w.params, node.Value)
	case ast.OpLt:
		clause = col + " < ?"
		w.params = append(w.params, node.Value)
	case ast.OpLte:
		clause = col + " <= ?"
		w.params = append(w.params, node.Value)
	case ast.OpLike:
		clause = col + " LIKE ?"
		w.params = append(w.params, toLikePattern(node.Value))
	case ast.OpIlike:
		// SQLite has no case-insensitive LIKE collation by default; ILIKE
		// degrades to LIKE.
		clause = col + " LIKE ?"
		w.params = append(w.params, toLikePattern(node.Value))
	case ast.OpIn:
		items, ok := node.Value.([]any)
		if !ok || len(items) == 0 {
			return "", apierr.Validation("in filter requires a non-empty value list for column " + node.Column)
		}
		placeholders := make([]string, len(items))
		for i, item := range items {
			placeholders[i] = "?"
			w.params = append(w.params, item)
		}
		clause = col + " IN (" + strings.Join(placeholders, ",") + ")"
	case ast.OpIs:
		sentinel, ok := node.Value.(ast.IsSentinel)
		if !ok {
			return "", apierr.Validation("is filter has a non-sentinel value for column " + node.Column)
		}
		switch sentinel {
		case ast.IsNull:
			clause = col + " IS NULL"
		case ast.IsTrue:
			clause = col + " IS 1"
		case ast.IsFalse:
			clause = col + " IS 0"
		case ast.IsNotNull:
			clause = col + " IS NOT NULL"
		case ast.IsUnknown:
			// SQLite has no three-valued UNKNOWN boolean; NULL is the closest
			// representable state for a column typed as an integer boolean.
			clause = col + " IS NULL"
		default:
			return "", apierr.Validation("unsupported is sentinel: " + string(sentinel))
		}
	default:
		return "", apierr.Compilation("unsupported operator: " + string(node.Operator))
	}

	if node.Negated {
		clause = "NOT (" + clause + ")"
	}
	return clause, nil
}

// toLikePattern translates the PostgREST `*` pattern wildcard to SQL `%`.
func toLikePattern(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	return strings.ReplaceAll(s, "*", "%")
}

// parseIntLiteral is a small helper used by the embedding resolver for
// inner LIMIT/OFFSET, which are compile-time ints rather than parameters.
func parseIntLiteral(n int) string {
	return strconv.Itoa(n)
}
