package urlparser

import (
	"strings"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
)

var aggFuncs = map[string]ast.AggFunc{
	"count": ast.AggCount,
	"sum":   ast.AggSum,
	"avg":   ast.AggAvg,
	"min":   ast.AggMin,
	"max":   ast.AggMax,
}

// parseSelectList parses the `select=` value into a list of ColumnItems.
// Each item is one of: `*` (wildcard), `alias:col` / `col` (simple),
// `col.fn()` / `fn()` (aggregate), or `alias:table(inner)` /
// `alias:table!hint(inner)` (embedded, recursing into inner).
func parseSelectList(raw string) ([]ast.ColumnItem, error) {
	parts := trimSpaces(splitTopLevel(raw, ','))
	items := make([]ast.ColumnItem, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		item, err := parseSelectItem(part)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, apierr.Validation("empty select list")
	}
	return items, nil
}

func parseSelectItem(part string) (ast.ColumnItem, error) {
	if part == "*" {
		return ast.ColumnItem{Kind: ast.KindWildcard}, nil
	}

	alias := ""
	body := part
	if i := topLevelColonIndex(part); i >= 0 {
		alias = part[:i]
		body = part[i+1:]
	}

	parenIdx := strings.IndexByte(body, '(')
	if parenIdx >= 0 {
		if !strings.HasSuffix(body, ")") {
			return ast.ColumnItem{}, apierr.Parse("unbalanced parentheses in select item: "+part, "")
		}
		head := body[:parenIdx]
		inner := body[parenIdx+1 : len(body)-1]

		if dot := strings.LastIndexByte(head, '.'); dot >= 0 {
			if fn, ok := aggFuncs[head[dot+1:]]; ok {
				return ast.ColumnItem{Kind: ast.KindAggregate, Alias: alias, AggFn: fn, AggColumn: head[:dot]}, nil
			}
		}
		if fn, ok := aggFuncs[head]; ok {
			return ast.ColumnItem{Kind: ast.KindAggregate, Alias: alias, AggFn: fn, AggColumn: inner}, nil
		}

		table, hint := head, ""
		if bang := strings.IndexByte(head, '!'); bang >= 0 {
			table, hint = head[:bang], head[bang+1:]
		}
		embedded, err := parseEmbeddedInner(table, hint, alias, inner)
		if err != nil {
			return ast.ColumnItem{}, err
		}
		return embedded, nil
	}

	return ast.ColumnItem{Kind: ast.KindSimple, Column: body, Alias: alias}, nil
}

// parseEmbeddedInner parses the parenthesized content of an embedded
// resource: a recursive select-list plus optional order/limit/offset/filter
// keys mirroring the top-level query grammar.
func parseEmbeddedInner(table, hint, alias, inner string) (ast.ColumnItem, error) {
	item := ast.ColumnItem{Kind: ast.KindEmbedded, Table: table, Hint: hint, Alias: alias}

	parts := trimSpaces(splitTopLevel(inner, ','))
	var selectParts []string
	var filterNodes []*ast.WhereNode

	for _, p := range parts {
		if p == "" {
			continue
		}
		switch {
		case strings.HasPrefix(p, "order="):
			terms, err := parseOrder(p[len("order="):])
			if err != nil {
				return ast.ColumnItem{}, err
			}
			item.InnerOrder = terms
		case strings.HasPrefix(p, "limit="):
			n, err := parseNonNegativeInt("limit", p[len("limit="):])
			if err != nil {
				return ast.ColumnItem{}, err
			}
			item.InnerLimit = &n
		case strings.HasPrefix(p, "offset="):
			n, err := parseNonNegativeInt("offset", p[len("offset="):])
			if err != nil {
				return ast.ColumnItem{}, err
			}
			item.InnerOffset = &n
		case strings.ContainsRune(p, '=') && !strings.ContainsRune(p, '('):
			eq := strings.IndexByte(p, '=')
			node, err := parseColumnFilter(p[:eq], p[eq+1:])
			if err != nil {
				return ast.ColumnItem{}, err
			}
			filterNodes = append(filterNodes, node)
		default:
			selectParts = append(selectParts, p)
		}
	}

	if len(selectParts) == 0 {
		item.InnerSelect = []ast.ColumnItem{{Kind: ast.KindWildcard}}
	} else {
		innerItems := make([]ast.ColumnItem, 0, len(selectParts))
		for _, sp := range selectParts {
			ci, err := parseSelectItem(sp)
			if err != nil {
				return ast.ColumnItem{}, err
			}
			innerItems = append(innerItems, ci)
		}
		item.InnerSelect = innerItems
	}
	item.InnerWhere = ast.AndNodes(filterNodes...)

	return item, nil
}

// topLevelColonIndex finds an alias-separating ':' that precedes any '('.
func topLevelColonIndex(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			return -1
		case ':':
			return i
		}
	}
	return -1
}
