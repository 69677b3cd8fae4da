// Package rlsengine rewrites a QueryAST under the row-level-security
// policies applicable to its table, command, and the caller's
// RequestContext, injecting the combined predicate into the AST's
// RLSPolicy field rather than concatenating SQL text. The same combined
// predicate doubles as the mutation WITH-CHECK pass's post-validation
// predicate for INSERT/UPDATE, since the command-to-clause selection
// (using/withCheck/using+withCheck) already produces exactly the
// expression that pass needs to re-check against committed row values.
package rlsengine

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/litefuse/litefuse/internal/ast"
	"github.com/litefuse/litefuse/internal/reqctx"
	"github.com/litefuse/litefuse/internal/rlsstore"
	"github.com/litefuse/litefuse/internal/sqlexpr"
)

// Enforcer rewrites QueryASTs under the policies held by a Store.
type Enforcer struct {
	store *rlsstore.Store
}

func New(store *rlsstore.Store) *Enforcer {
	return &Enforcer{store: store}
}

// EnforceOnAST rewrites q under the policies matching its table, the
// command, and the caller's role. It never clears or removes an
// already-set RLSPolicy; callers always pass an ast fresh from the URL
// parser, so this is the sole place RLSPolicy is populated.
func (e *Enforcer) EnforceOnAST(ctx context.Context, q *ast.QueryAST, command rlsstore.Command, rc reqctx.RequestContext) (*ast.QueryAST, error) {
	enabled, err := e.store.IsEnabled(ctx, q.From)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return q, nil
	}

	policies, err := e.store.PoliciesFor(ctx, q.From, command, rc.Role)
	if err != nil {
		return nil, err
	}

	out := *q
	if len(policies) == 0 {
		out.RLSPolicy = ast.DenyAll()
		return &out, nil
	}

	var nodes []*ast.WhereNode
	for _, p := range policies {
		expr := exprForCommand(p, command)
		if expr == "" {
			continue
		}
		node, err := parsePolicyExpr(expr, rc)
		if err != nil {
			log.Warn().Err(err).Str("policy", p.Name).Str("table", p.Table).Msg("skipping RLS policy: failed to parse expression")
			continue
		}
		nodes = append(nodes, node)
	}

	combined := ast.OrNodes(nodes...)
	if combined == nil {
		combined = ast.DenyAll()
	}
	out.RLSPolicy = combined
	return &out, nil
}

// exprForCommand selects the USING/WITH CHECK expression(s) a command
// is governed by: USING for reads and deletes, WITH CHECK for inserts,
// both for updates.
func exprForCommand(p rlsstore.Policy, command rlsstore.Command) string {
	switch command {
	case rlsstore.CommandSelect, rlsstore.CommandDelete:
		return p.Using
	case rlsstore.CommandInsert:
		return p.WithCheck
	case rlsstore.CommandUpdate:
		switch {
		case p.Using != "" && p.WithCheck != "":
			return "(" + p.Using + ") AND (" + p.WithCheck + ")"
		case p.Using != "":
			return p.Using
		default:
			return p.WithCheck
		}
	default:
		return ""
	}
}

// parsePolicyExpr substitutes auth.uid()/auth.role() and parses the
// result via the SQL Expression Parser.
func parsePolicyExpr(expr string, rc reqctx.RequestContext) (*ast.WhereNode, error) {
	return sqlexpr.Parse(substituteAuthFuncs(expr, rc))
}

// substituteAuthFuncs replaces the auth.uid()/auth.role() placeholders a
// policy expression may reference with the caller's identity, quoting
// each value and doubling any embedded single quote. Substitution
// happens before parsing so the expression parser never needs to
// understand function calls.
func substituteAuthFuncs(expr string, rc reqctx.RequestContext) string {
	uid := "NULL"
	if rc.UID != "" {
		uid = "'" + strings.ReplaceAll(rc.UID, "'", "''") + "'"
	}
	role := "'" + strings.ReplaceAll(rc.Role, "'", "''") + "'"

	expr = strings.ReplaceAll(expr, "auth.uid()", uid)
	expr = strings.ReplaceAll(expr, "auth.role()", role)
	return expr
}
