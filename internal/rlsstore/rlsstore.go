// Package rlsstore is the row-level-security policy store: a persistent
// catalog of named, role- and command-scoped policies plus a per-table
// RLS enablement flag, backed by two hidden application-level tables
// rather than a database-native policy system (SQLite has no CREATE
// POLICY of its own).
package rlsstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/litefuse/litefuse/internal/apierr"
)

// Command is one of the RLS-governed SQL commands, plus the ALL wildcard.
type Command string

const (
	CommandSelect Command = "SELECT"
	CommandInsert Command = "INSERT"
	CommandUpdate Command = "UPDATE"
	CommandDelete Command = "DELETE"
	CommandAll    Command = "ALL"
)

// Role is the RLS-scoped caller role, plus the PUBLIC wildcard.
const (
	RoleAnon          = "anon"
	RoleAuthenticated = "authenticated"
	RolePublic        = "PUBLIC"
)

// Policy is a named, role-scoped boolean expression governing row
// visibility (USING) or acceptance (WITH CHECK) for one command on one
// table. Policies are created/dropped but never mutated in place.
type Policy struct {
	Name        string
	Table       string
	Command     Command
	Role        string
	Using       string
	WithCheck   string
	Restrictive bool
}

// identifierRE validates table/policy/role names before they are ever
// stored or echoed back through the admin surface.
var identifierRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validIdentifier(s string) bool { return identifierRE.MatchString(s) }

// querier is the subset of *sql.DB this store needs, narrow enough for
// dbhandle.Handle.DB() or a raw *sql.DB in tests to satisfy directly.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the `_rls_enablement` and `_rls_policies` catalog tables.
// The leading underscore keeps them hidden from the REST surface.
type Store struct {
	db querier
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS _rls_enablement (
	table_name TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS _rls_policies (
	name TEXT NOT NULL,
	table_name TEXT NOT NULL,
	command TEXT NOT NULL,
	role TEXT NOT NULL,
	using_expr TEXT,
	with_check_expr TEXT,
	restrictive INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_name, name)
);
`

// New creates the catalog tables if absent and returns a Store bound to db.
func New(ctx context.Context, db querier) (*Store, error) {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("creating RLS catalog tables: %w", err)
	}
	return &Store{db: db}, nil
}

// IsHiddenTable reports whether name is an internal catalog table that
// must never be addressable through the REST surface.
func IsHiddenTable(name string) bool {
	return strings.HasPrefix(name, "_")
}

// EnableRLS marks table as RLS-enabled. Idempotent.
func (s *Store) EnableRLS(ctx context.Context, table string) error {
	return s.setEnablement(ctx, table, true)
}

// DisableRLS marks table as RLS-disabled. Idempotent.
func (s *Store) DisableRLS(ctx context.Context, table string) error {
	return s.setEnablement(ctx, table, false)
}

func (s *Store) setEnablement(ctx context.Context, table string, enabled bool) error {
	if !validIdentifier(table) {
		return apierr.Validation("invalid table name: " + table)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _rls_enablement (table_name, enabled) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET enabled = excluded.enabled
	`, table, boolToInt(enabled))
	if err != nil {
		return apierr.Execution(err)
	}
	log.Info().Str("table", table).Bool("enabled", enabled).Msg("rls enablement changed")
	return nil
}

// IsEnabled reports whether table has RLS enabled. A table never
// mentioned to EnableRLS/DisableRLS is treated as RLS-disabled.
func (s *Store) IsEnabled(ctx context.Context, table string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, `SELECT enabled FROM _rls_enablement WHERE table_name = ?`, table).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apierr.Execution(err)
	}
	return enabled != 0, nil
}

// CreatePolicy inserts a new policy row. Policy names are scoped per
// table; creating a duplicate (table, name) pair is an error.
func (s *Store) CreatePolicy(ctx context.Context, p Policy) error {
	if !validIdentifier(p.Name) {
		return apierr.Validation("invalid policy name: " + p.Name)
	}
	if !validIdentifier(p.Table) {
		return apierr.Validation("invalid table name: " + p.Table)
	}
	if p.Command == "" {
		p.Command = CommandAll
	}
	if p.Role == "" {
		p.Role = RolePublic
	}
	if !validIdentifier(p.Role) {
		return apierr.Validation("invalid role name: " + p.Role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _rls_policies (name, table_name, command, role, using_expr, with_check_expr, restrictive)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Name, p.Table, string(p.Command), p.Role, nullIfEmpty(p.Using), nullIfEmpty(p.WithCheck), boolToInt(p.Restrictive))
	if err != nil {
		return apierr.Execution(err)
	}
	log.Info().Str("policy", p.Name).Str("table", p.Table).Str("command", string(p.Command)).Msg("rls policy created")
	return nil
}

// DropPolicy removes a named policy from table. Not an error if absent.
func (s *Store) DropPolicy(ctx context.Context, table, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM _rls_policies WHERE table_name = ? AND name = ?`, table, name)
	if err != nil {
		return apierr.Execution(err)
	}
	log.Info().Str("policy", name).Str("table", table).Msg("rls policy dropped")
	return nil
}

// PoliciesFor returns the policies applicable to table/command/role:
// role matches exactly or equals PUBLIC, and command matches exactly or
// equals ALL.
func (s *Store) PoliciesFor(ctx context.Context, table string, command Command, role string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, table_name, command, role, using_expr, with_check_expr, restrictive
		FROM _rls_policies
		WHERE table_name = ?
		  AND (role = ? OR role = ?)
		  AND (command = ? OR command = ?)
		ORDER BY name
	`, table, role, RolePublic, string(command), string(CommandAll))
	if err != nil {
		return nil, apierr.Execution(err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var p Policy
		var cmd, roleVal string
		var using, withCheck sql.NullString
		var restrictive int
		if err := rows.Scan(&p.Name, &p.Table, &cmd, &roleVal, &using, &withCheck, &restrictive); err != nil {
			return nil, apierr.Execution(err)
		}
		p.Command = Command(cmd)
		p.Role = roleVal
		p.Using = using.String
		p.WithCheck = withCheck.String
		p.Restrictive = restrictive != 0
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ExecuteQuery is a passthrough used by the WITH-CHECK loop to probe a
// single row against a compiled policy predicate.
func (s *Store) ExecuteQuery(ctx context.Context, query string, params []any) (found bool, err error) {
	row := s.db.QueryRowContext(ctx, query, params...)
	var dummy int
	err = row.Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apierr.Execution(err)
	}
	return true, nil
}

// ExecuteModification is a passthrough used by the WITH-CHECK loop's
// compensating deletion.
func (s *Store) ExecuteModification(ctx context.Context, query string, params []any) (rowsAffected int64, err error) {
	res, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, apierr.Execution(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierr.Execution(err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CommandFromAST maps a command name (any case; SELECT, INSERT, UPDATE or
// DELETE, anything else meaning ALL) into the Command enum understood by
// this store.
func CommandFromAST(cmd string) Command {
	switch strings.ToUpper(cmd) {
	case "SELECT":
		return CommandSelect
	case "INSERT":
		return CommandInsert
	case "UPDATE":
		return CommandUpdate
	case "DELETE":
		return CommandDelete
	default:
		return CommandAll
	}
}
