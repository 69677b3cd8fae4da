// Package urlparser maps a PostgREST-shaped set of query parameters
// into a strongly-typed ast.QueryAST. It never touches the schema
// catalog — identifier validity is a compiler-time concern, not a
// parse-time one.
package urlparser

import (
	"strconv"
	"strings"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
)

// unsupportedOperators are recognized but deliberately not translated;
// each maps to the operator family named in the rejection message.
var unsupportedOperators = map[string]string{
	"fts":        "full-text search",
	"plfts":      "full-text search",
	"phfts":      "full-text search",
	"wfts":       "full-text search",
	"cs":         "array/range containment",
	"cd":         "array/range containment",
	"ov":         "array/range containment",
	"sl":         "range",
	"sr":         "range",
	"nxl":        "range",
	"nxr":        "range",
	"adj":        "range",
	"match":      "regex",
	"imatch":     "regex",
	"isdistinct": "is-distinct",
}

var reservedTopLevel = map[string]bool{
	"select": true,
	"order":  true,
	"limit":  true,
	"offset": true,
	"and":    true,
	"or":     true,
}

// Values is the minimal query-string contract the parser needs: a
// multimap of key -> values (key order is not kept), matching net/url.Values' shape without
// depending on net/http for callers that build their own requests.
type Values map[string][]string

// Parser parses PostgREST-shaped query parameters into a QueryAST.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

// Parse builds a QueryAST for table `from`. cardinality is supplied by
// the caller, typically derived from an Accept header.
func (p *Parser) Parse(from string, values Values, cardinality ast.Cardinality) (*ast.QueryAST, error) {
	if strings.TrimSpace(from) == "" {
		return nil, apierr.Parse("missing table name", "the URL path must name a table")
	}

	out := &ast.QueryAST{From: from, Cardinality: cardinality}

	if sel, ok := values["select"]; ok && len(sel) > 0 {
		items, err := parseSelectList(sel[len(sel)-1])
		if err != nil {
			return nil, err
		}
		out.Select = items
	} else {
		out.Select = []ast.ColumnItem{{Kind: ast.KindWildcard}}
	}

	if ord, ok := values["order"]; ok && len(ord) > 0 {
		terms, err := parseOrder(ord[len(ord)-1])
		if err != nil {
			return nil, err
		}
		out.Order = terms
	}

	if lim, ok := values["limit"]; ok && len(lim) > 0 {
		n, err := parseNonNegativeInt("limit", lim[len(lim)-1])
		if err != nil {
			return nil, err
		}
		out.Limit = &n
	}

	if off, ok := values["offset"]; ok && len(off) > 0 {
		n, err := parseNonNegativeInt("offset", off[len(off)-1])
		if err != nil {
			return nil, err
		}
		out.Offset = &n
	}

	var filterNodes []*ast.WhereNode
	for key, vals := range values {
		if reservedTopLevel[key] {
			continue
		}
		if key == "" {
			continue
		}
		for _, v := range vals {
			node, err := parseFilterParam(key, v)
			if err != nil {
				return nil, err
			}
			filterNodes = append(filterNodes, node)
		}
	}

	if ors, ok := values["or"]; ok {
		for _, v := range ors {
			node, err := parseLogicalGroup(ast.Or, v)
			if err != nil {
				return nil, err
			}
			filterNodes = append(filterNodes, node)
		}
	}
	if ands, ok := values["and"]; ok {
		for _, v := range ands {
			node, err := parseLogicalGroup(ast.And, v)
			if err != nil {
				return nil, err
			}
			filterNodes = append(filterNodes, node)
		}
	}

	out.Where = ast.AndNodes(filterNodes...)

	return out, nil
}

func parseNonNegativeInt(name, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, apierr.Validation(name + " must be a non-negative integer, got: " + raw)
	}
	return n, nil
}

// parseOrder parses `order=col[.asc|.desc][.nullsfirst|.nullslast],...`.
func parseOrder(raw string) ([]ast.OrderTerm, error) {
	parts := trimSpaces(splitTopLevel(raw, ','))
	terms := make([]ast.OrderTerm, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		segs := strings.Split(p, ".")
		term := ast.OrderTerm{Column: segs[0]}
		for _, seg := range segs[1:] {
			switch strings.ToLower(seg) {
			case "asc":
				term.Direction = ast.Asc
			case "desc":
				term.Direction = ast.Desc
			case "nullsfirst":
				term.Nulls = ast.NullsFirst
			case "nullslast":
				term.Nulls = ast.NullsLast
			default:
				return nil, apierr.Parse("invalid order modifier: "+seg, "expected asc, desc, nullsfirst, or nullslast")
			}
		}
		terms = append(terms, term)
	}
	return terms, nil
}

// parseFilterParam parses one filter query parameter. A dotted key
// (`author.name=eq.Alice`) addresses a column of an embedded resource and
// wraps the filter in an EmbeddedFilter node, one level per path segment;
// a bare key is a plain column filter.
func parseFilterParam(key, raw string) (*ast.WhereNode, error) {
	if dot := strings.IndexByte(key, '.'); dot >= 0 {
		inner, err := parseFilterParam(key[dot+1:], raw)
		if err != nil {
			return nil, err
		}
		return &ast.WhereNode{Kind: ast.NodeEmbeddedFilter, Path: key[:dot], Inner: inner}, nil
	}
	return parseColumnFilter(key, raw)
}

// parseColumnFilter parses `<col>=<op>.<value>` (the value has already been
// separated from the key by the caller's query-string split).
func parseColumnFilter(column, raw string) (*ast.WhereNode, error) {
	negated, opBase, quantifier, value, err := splitOpValue(raw)
	if err != nil {
		return nil, err
	}
	if feature, bad := unsupportedOperators[opBase]; bad {
		return nil, apierr.Unsupported(feature)
	}

	if quantifier != "" {
		return parsePatternQuantifier(column, opBase, quantifier, value, negated)
	}

	switch ast.Operator(opBase) {
	case ast.OpEq, ast.OpNeq, ast.OpGt, ast.OpGte, ast.OpLt, ast.OpLte, ast.OpLike, ast.OpIlike:
		return &ast.WhereNode{
			Kind:     ast.NodeFilter,
			Column:   column,
			Operator: ast.Operator(opBase),
			Value:    parseScalar(value),
			Negated:  negated,
		}, nil
	case ast.OpIn:
		items, err := parseInList(value)
		if err != nil {
			return nil, err
		}
		return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: ast.OpIn, Value: items, Negated: negated}, nil
	case ast.OpIs:
		sentinel, err := parseIsSentinel(value)
		if err != nil {
			return nil, err
		}
		return &ast.WhereNode{Kind: ast.NodeFilter, Column: column, Operator: ast.OpIs, Value: sentinel, Negated: negated}, nil
	default:
		return nil, apierr.Parse("unknown operator: "+opBase, "expected one of eq,neq,gt,gte,lt,lte,like,ilike,in,is")
	}
}

// splitOpValue splits "[not.]op[(quantifier)].value" into its parts.
func splitOpValue(raw string) (negated bool, opBase, quantifier, value string, err error) {
	if strings.HasPrefix(raw, "not.") {
		negated = true
		raw = raw[len("not."):]
	}

	dot := topLevelDotIndex(raw)
	if dot < 0 {
		return false, "", "", "", apierr.Parse("malformed filter: "+raw, "expected <operator>.<value>")
	}
	opToken := raw[:dot]
	value = raw[dot+1:]

	if i := strings.IndexByte(opToken, '('); i >= 0 {
		if !strings.HasSuffix(opToken, ")") {
			return false, "", "", "", apierr.Parse("malformed operator quantifier: "+opToken, "expected like(all) or like(any)")
		}
		opBase = opToken[:i]
		quantifier = opToken[i+1 : len(opToken)-1]
	} else {
		opBase = opToken
	}
	return negated, opBase, quantifier, value, nil
}

// topLevelDotIndex finds the first '.' not nested inside parens.
func topLevelDotIndex(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '.':
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parsePatternQuantifier(column, opBase, quantifier, value string, negated bool) (*ast.WhereNode, error) {
	if opBase != string(ast.OpLike) && opBase != string(ast.OpIlike) {
		return nil, apierr.Parse("quantifiers are only valid on like/ilike", "use like(all)/like(any)/ilike(all)/ilike(any)")
	}
	var kind ast.LogicalKind
	switch strings.ToLower(quantifier) {
	case "all":
		kind = ast.And
	case "any":
		kind = ast.Or
	default:
		return nil, apierr.Parse("invalid quantifier: "+quantifier, "expected all or any")
	}

	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "{") || !strings.HasSuffix(value, "}") {
		return nil, apierr.Parse("quantified pattern value must be {p1,p2,...}", "")
	}
	inner := value[1 : len(value)-1]
	patterns := trimSpaces(splitTopLevel(inner, ','))

	var children []*ast.WhereNode
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		children = append(children, &ast.WhereNode{
			Kind:     ast.NodeFilter,
			Column:   column,
			Operator: ast.Operator(opBase),
			Value:    unquote(pat),
		})
	}
	group := ast.OrNodes(children...)
	if kind == ast.And {
		group = ast.AndNodes(children...)
	}
	if group == nil {
		return nil, apierr.Validation("empty pattern quantifier list for column " + column)
	}
	if negated {
		group = &ast.WhereNode{Kind: ast.NodeLogical, LogicalKind: ast.And, Children: []*ast.WhereNode{group}, Negated: true}
	}
	return group, nil
}

func parseInList(value string) ([]any, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
		return nil, apierr.Parse("in filter value must be (v1,v2,...)", "")
	}
	inner := value[1 : len(value)-1]
	parts := trimSpaces(splitTopLevel(inner, ','))
	items := make([]any, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		items = append(items, parseScalar(unquote(p)))
	}
	return items, nil
}

func parseIsSentinel(value string) (ast.IsSentinel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "null":
		return ast.IsNull, nil
	case "true":
		return ast.IsTrue, nil
	case "false":
		return ast.IsFalse, nil
	case "not_null":
		return ast.IsNotNull, nil
	case "unknown":
		return ast.IsUnknown, nil
	default:
		return "", apierr.Validation("is filter accepts only null, true, false, not_null, unknown; got: " + value)
	}
}

// unquote strips a surrounding matching pair of double quotes,
// unescaping backslash-escaped quotes inside, so `"Smith, John"` stays a
// single in-list value.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `\"`, `"`)
	}
	return s
}

// parseScalar parses a filter value in int -> float -> bool -> string
// order.
func parseScalar(raw string) any {
	raw = unquote(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// parseLogicalGroup parses `or=(expr1,expr2,...)` / `and=(...)`, recursing
// into nested `and(...)`/`or(...)` groups.
func parseLogicalGroup(kind ast.LogicalKind, raw string) (*ast.WhereNode, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "(") || !strings.HasSuffix(raw, ")") {
		return nil, apierr.Parse("logical group must be (expr1,expr2,...)", "")
	}
	inner := raw[1 : len(raw)-1]
	parts := trimSpaces(splitTopLevel(inner, ','))

	var children []*ast.WhereNode
	for _, part := range parts {
		if part == "" {
			continue
		}
		node, err := parseLogicalExpr(part)
		if err != nil {
			return nil, err
		}
		children = append(children, node)
	}
	if len(children) == 0 {
		return nil, apierr.Validation("empty logical group")
	}
	if kind == ast.And {
		return ast.AndNodes(children...), nil
	}
	return ast.OrNodes(children...), nil
}

// parseLogicalExpr parses one element of a logical group: either a nested
// [not.]and(...)/[not.]or(...) group, or a `col.op.value` expression.
func parseLogicalExpr(expr string) (*ast.WhereNode, error) {
	if strings.HasPrefix(expr, "not.and(") || strings.HasPrefix(expr, "not.or(") {
		node, err := parseLogicalExpr(expr[len("not."):])
		if err != nil {
			return nil, err
		}
		node.Negated = !node.Negated
		return node, nil
	}
	if strings.HasPrefix(expr, "and(") && strings.HasSuffix(expr, ")") {
		return parseLogicalGroup(ast.And, expr[len("and"):])
	}
	if strings.HasPrefix(expr, "or(") && strings.HasSuffix(expr, ")") {
		return parseLogicalGroup(ast.Or, expr[len("or"):])
	}
	dot := strings.IndexByte(expr, '.')
	if dot < 0 {
		return nil, apierr.Parse("malformed logical expression: "+expr, "expected col.op.value")
	}
	column := expr[:dot]
	return parseColumnFilter(column, expr[dot+1:])
}
