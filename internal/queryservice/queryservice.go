// Package queryservice is the thin orchestrator wiring URL parser ->
// RLS enforcer -> SQL compiler -> database execution, plus the
// WITH-CHECK post-validation pass for mutations. It is the only package
// that sequences these stages; none of the stage packages calls
// another stage.
package queryservice

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
	"github.com/litefuse/litefuse/internal/compiler"
	"github.com/litefuse/litefuse/internal/dbhandle"
	"github.com/litefuse/litefuse/internal/logutil"
	"github.com/litefuse/litefuse/internal/metrics"
	"github.com/litefuse/litefuse/internal/reqctx"
	"github.com/litefuse/litefuse/internal/rlsengine"
	"github.com/litefuse/litefuse/internal/rlsstore"
	"github.com/litefuse/litefuse/internal/schema"
	"github.com/litefuse/litefuse/internal/urlparser"
)

// Service orchestrates the pipeline over one database handle.
type Service struct {
	db       *dbhandle.Handle
	store    *rlsstore.Store
	enforcer *rlsengine.Enforcer
	parser   *urlparser.Parser
	schema   atomic.Pointer[schema.Schema]
	metrics  *metrics.Metrics
}

// New builds a Service. sch is the initial schema snapshot; call Reload
// after any DDL to rebuild it.
func New(db *dbhandle.Handle, sch *schema.Schema, store *rlsstore.Store) *Service {
	s := &Service{
		db:       db,
		store:    store,
		enforcer: rlsengine.New(store),
		parser:   urlparser.NewParser(),
		metrics:  metrics.NewMetrics(),
	}
	s.schema.Store(sch)
	s.metrics.UpdateSchemaTableCount(len(sch.TableNames()))
	return s
}

// stage times one pipeline phase for table and records its duration,
// counting a query error against table and phase when fn fails.
func (s *Service) stage(name, table string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.metrics.RecordStage(name, table, time.Since(start))
	if err != nil {
		s.metrics.RecordQueryError(table, name)
	}
	return err
}

func (s *Service) recordRLSDecision(table string, q *ast.QueryAST) {
	switch {
	case q.RLSPolicy == nil:
		s.metrics.RecordRLSDecision(table, "passthrough")
	case ast.IsDenyAll(q.RLSPolicy):
		s.metrics.RecordRLSDecision(table, "deny_all")
	default:
		s.metrics.RecordRLSDecision(table, "allow")
	}
}

// Reload rebuilds the schema catalog snapshot from the live database.
func (s *Service) Reload(ctx context.Context) error {
	sch, err := schema.Build(ctx, s.db.DB())
	if err != nil {
		return fmt.Errorf("reloading schema: %w", err)
	}
	s.schema.Store(sch)
	s.metrics.UpdateSchemaTableCount(len(sch.TableNames()))
	return nil
}

// ReloadWithAudit is Reload plus an audit record of the caller that
// requested it; the admin schema-reload endpoint uses this instead of
// Reload so an unexpected catalog change can be traced back to a role.
func (s *Service) ReloadWithAudit(ctx context.Context, rc reqctx.RequestContext) error {
	sch, err := schema.BuildWithAudit(ctx, s.db.DB(), rc)
	if err != nil {
		return fmt.Errorf("reloading schema: %w", err)
	}
	s.schema.Store(sch)
	s.metrics.UpdateSchemaTableCount(len(sch.TableNames()))
	return nil
}

// TableNames exposes the current schema catalog's table names, for the
// admin schema-introspection endpoint.
func (s *Service) TableNames() []string {
	return s.currentSchema().TableNames()
}

func (s *Service) currentSchema() *schema.Schema {
	return s.schema.Load()
}

// checkAddressable rejects hidden tables (catalog/enablement tables,
// any name with a reserved prefix).
func checkAddressable(table string) error {
	if rlsstore.IsHiddenTable(table) {
		return apierr.NotFound("no such resource: " + table)
	}
	return nil
}

// Select implements GET /<table>: Parser -> Enforcer(SELECT) -> Compiler
// -> stmt.all(params), shaped per ast.Cardinality.
func (s *Service) Select(ctx context.Context, table string, values urlparser.Values, cardinality ast.Cardinality, rc reqctx.RequestContext) (any, error) {
	if err := checkAddressable(table); err != nil {
		return nil, err
	}

	var q *ast.QueryAST
	if err := s.stage("parse", table, func() (err error) {
		q, err = s.parser.Parse(table, values, cardinality)
		return err
	}); err != nil {
		return nil, err
	}

	if err := s.stage("enforce", table, func() (err error) {
		q, err = s.enforcer.EnforceOnAST(ctx, q, rlsstore.CommandSelect, rc)
		return err
	}); err != nil {
		return nil, err
	}
	s.recordRLSDecision(table, q)

	var compiled compiler.Compiled
	if err := s.stage("compile", table, func() (err error) {
		compiled, err = compiler.Compile(q, s.currentSchema())
		return err
	}); err != nil {
		return nil, err
	}

	log.Debug().Str("sql", logutil.SanitizeSQL(compiled.SQL)).Str("role", rc.Role).Msg("executing select")

	var rows []dbhandle.Row
	if err := s.stage("execute", table, func() error {
		stmt, err := s.db.Prepare(ctx, compiled.SQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		rows, err = stmt.All(ctx, compiled.Params)
		return err
	}); err != nil {
		return nil, err
	}

	return shapeByCardinality(rows, cardinality)
}

func shapeByCardinality(rows []dbhandle.Row, cardinality ast.Cardinality) (any, error) {
	switch cardinality {
	case ast.One:
		if len(rows) == 0 {
			return nil, apierr.NotFound("no row matched a single-row query")
		}
		if len(rows) > 1 {
			return nil, apierr.Validation(fmt.Sprintf("expected exactly one row, got %d", len(rows)))
		}
		return rows[0], nil
	case ast.MaybeOne:
		if len(rows) == 0 {
			return nil, nil
		}
		if len(rows) > 1 {
			return nil, apierr.Validation(fmt.Sprintf("expected at most one row, got %d", len(rows)))
		}
		return rows[0], nil
	default:
		if rows == nil {
			rows = []dbhandle.Row{}
		}
		return rows, nil
	}
}

// Insert implements POST /<table>: builds an INSERT directly (no URL
// parse), executes it, then runs the WITH-CHECK pass using the INSERT
// policy set.
func (s *Service) Insert(ctx context.Context, table string, payload []map[string]any, rc reqctx.RequestContext) ([]dbhandle.Row, error) {
	if err := checkAddressable(table); err != nil {
		return nil, err
	}

	sch := s.currentSchema()
	compiled, err := compiler.CompileInsert(table, payload, sch)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("sql", logutil.SanitizeSQL(compiled.SQL)).Str("role", rc.Role).Msg("executing insert")

	rows, err := s.executeReturning(ctx, compiled)
	if err != nil {
		return nil, err
	}

	enforced, err := s.enforcer.EnforceOnAST(ctx, &ast.QueryAST{From: table}, rlsstore.CommandInsert, rc)
	if err != nil {
		return nil, err
	}
	s.recordRLSDecision(table, enforced)

	return s.applyWithCheck(ctx, table, sch, enforced.RLSPolicy, rows)
}

// Update implements PATCH /<table>?<filters>: Parser (for filters) ->
// Enforcer(UPDATE) -> compile UPDATE with the combined WHERE -> execute
// -> WITH-CHECK pass.
func (s *Service) Update(ctx context.Context, table string, values urlparser.Values, patch map[string]any, rc reqctx.RequestContext) ([]dbhandle.Row, error) {
	if err := checkAddressable(table); err != nil {
		return nil, err
	}

	q, err := s.parser.Parse(table, values, ast.Many)
	if err != nil {
		return nil, err
	}

	q, err = s.enforcer.EnforceOnAST(ctx, q, rlsstore.CommandUpdate, rc)
	if err != nil {
		return nil, err
	}
	s.recordRLSDecision(table, q)

	sch := s.currentSchema()
	combinedWhere := ast.AndNodes(q.Where, q.RLSPolicy)
	compiled, err := compiler.CompileUpdate(table, patch, combinedWhere, sch)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("sql", logutil.SanitizeSQL(compiled.SQL)).Str("role", rc.Role).Msg("executing update")

	rows, err := s.executeReturning(ctx, compiled)
	if err != nil {
		return nil, err
	}

	return s.applyWithCheck(ctx, table, sch, q.RLSPolicy, rows)
}

// Delete implements DELETE /<table>?<filters>: Parser -> Enforcer(DELETE)
// -> compile DELETE with the combined WHERE -> execute. DELETE has no
// WITH-CHECK pass; its policy applies before the rows disappear.
func (s *Service) Delete(ctx context.Context, table string, values urlparser.Values, rc reqctx.RequestContext) ([]dbhandle.Row, error) {
	if err := checkAddressable(table); err != nil {
		return nil, err
	}

	q, err := s.parser.Parse(table, values, ast.Many)
	if err != nil {
		return nil, err
	}

	q, err = s.enforcer.EnforceOnAST(ctx, q, rlsstore.CommandDelete, rc)
	if err != nil {
		return nil, err
	}
	s.recordRLSDecision(table, q)

	sch := s.currentSchema()
	combinedWhere := ast.AndNodes(q.Where, q.RLSPolicy)
	compiled, err := compiler.CompileDelete(table, combinedWhere, sch)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("sql", logutil.SanitizeSQL(compiled.SQL)).Str("role", rc.Role).Msg("executing delete")

	return s.executeReturning(ctx, compiled)
}

func (s *Service) executeReturning(ctx context.Context, compiled compiler.Compiled) ([]dbhandle.Row, error) {
	stmt, err := s.db.Prepare(ctx, compiled.SQL)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	return stmt.All(ctx, compiled.Params)
}

// applyWithCheck is the mutation WITH-CHECK pass: for each affected
// row, re-check its committed state against policy (compiled fresh,
// unqualified); rows that fail are compensating-deleted by primary key
// in one statement and excluded from the response.
func (s *Service) applyWithCheck(ctx context.Context, table string, sch *schema.Schema, policy *ast.WhereNode, rows []dbhandle.Row) ([]dbhandle.Row, error) {
	if policy == nil || len(rows) == 0 {
		return rows, nil
	}

	t, ok := sch.Table(table)
	if !ok {
		return nil, apierr.Compilation("unknown table: " + table)
	}
	pk := primaryKeyColumn(t)
	if pk == "" {
		// No single-column primary key to re-identify rows by; nothing to
		// compensate against, so trust the pre-filtered result as-is.
		return rows, nil
	}

	if ast.IsDenyAll(policy) {
		ids := make([]any, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r[pk])
		}
		if err := s.deleteByIDs(ctx, table, pk, ids); err != nil {
			return nil, err
		}
		return nil, nil
	}

	clause, policyParams, err := compiler.CompileWhereNode(policy, "")
	if err != nil {
		return nil, err
	}

	var passing []dbhandle.Row
	var failingIDs []any
	for _, row := range rows {
		id := row[pk]
		checkSQL := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ? AND (%s)`, quoteTable(table), quoteTable(pk), clause)
		params := append([]any{id}, policyParams...)
		found, err := s.store.ExecuteQuery(ctx, checkSQL, params)
		if err != nil {
			return nil, err
		}
		if found {
			passing = append(passing, row)
		} else {
			failingIDs = append(failingIDs, id)
		}
	}

	if len(failingIDs) > 0 {
		if err := s.deleteByIDs(ctx, table, pk, failingIDs); err != nil {
			return nil, err
		}
	}
	return passing, nil
}

func (s *Service) deleteByIDs(ctx context.Context, table, pk string, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	for i := range ids {
		placeholders[i] = "?"
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, quoteTable(table), quoteTable(pk), join(placeholders))
	_, err := s.store.ExecuteModification(ctx, sql, ids)
	return err
}

func primaryKeyColumn(t schema.Table) string {
	found := ""
	for _, c := range t.Columns {
		if c.PK {
			if found != "" {
				return "" // composite primary key: WITH-CHECK re-identification not supported
			}
			found = c.Name
		}
	}
	return found
}

func quoteTable(name string) string {
	return `"` + name + `"`
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
