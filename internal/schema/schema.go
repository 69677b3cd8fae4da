// Package schema provides the read-only schema catalog: an immutable
// snapshot of tables, columns, and foreign keys, built once per database
// handle lifecycle and cheap to rebuild.
// It is consumed by the compiler and the embedding resolver; nothing in
// this package ever mutates the underlying database.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/litefuse/litefuse/internal/reqctx"
)

// Column describes one column of a table.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	PK      bool
}

// ForeignKey describes a foreign key on the owning table: FromCol on this
// table references ToCol on ToTable.
type ForeignKey struct {
	FromCol string
	ToTable string
	ToCol   string
}

// Table is one entry of the catalog.
type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
}

// HasColumn reports whether t declares a column named name.
func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Schema is an immutable snapshot of the database's table/column/FK
// shape. Safe for concurrent read access from any number of requests.
type Schema struct {
	tables map[string]Table
}

// Table returns the table named name and whether it exists.
func (s *Schema) Table(name string) (Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

// TableNames returns all known table names, sorted.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// querier is the subset of *sql.DB / *sql.Conn this package needs,
// narrow enough that the *sql.DB behind dbhandle.Handle.DB() (or a raw
// *sql.DB in tests) satisfies it directly.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Build introspects the SQLite database reachable through q and returns
// a fresh Schema snapshot. It reads sqlite_master for table names and
// pragma_table_info / pragma_foreign_key_list for columns and foreign
// keys, the same PRAGMA-driven approach the source ecosystem's own
// SQLite readers use.
func Build(ctx context.Context, q querier) (*Schema, error) {
	names, err := tableNames(ctx, q)
	if err != nil {
		return nil, err
	}

	tables := make(map[string]Table, len(names))
	for _, name := range names {
		cols, err := columns(ctx, q, name)
		if err != nil {
			return nil, fmt.Errorf("introspecting columns of %q: %w", name, err)
		}
		fks, err := foreignKeys(ctx, q, name)
		if err != nil {
			return nil, fmt.Errorf("introspecting foreign keys of %q: %w", name, err)
		}
		tables[name] = Table{Name: name, Columns: cols, ForeignKeys: fks}
	}

	log.Debug().Int("table_count", len(tables)).Msg("schema catalog built")
	return &Schema{tables: tables}, nil
}

// BuildWithAudit is Build plus an audit trail of who triggered the
// rebuild, for the catalog-reload admin path (schema introspection
// outside the anonymous request flow is unusual enough to be worth a
// record of who asked).
func BuildWithAudit(ctx context.Context, q querier, rc reqctx.RequestContext) (*Schema, error) {
	sch, err := Build(ctx, q)
	logIntrospection(rc, err)
	return sch, err
}

func logIntrospection(rc reqctx.RequestContext, err error) {
	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.
		Str("role", rc.Role).
		Str("uid", rc.UID).
		Msg("schema catalog reload requested")
}

func tableNames(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func columns(ctx context.Context, q querier, table string) ([]Column, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, Column{Name: name, Type: colType, NotNull: notNull != 0, PK: pk != 0})
	}
	return cols, rows.Err()
}

func foreignKeys(ctx context.Context, q querier, table string) ([]ForeignKey, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var id, seq int
		var refTable, fromCol, toCol, onUpdate, onDelete, match string
		if err := rows.Scan(&id, &seq, &refTable, &fromCol, &toCol, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		fks = append(fks, ForeignKey{FromCol: fromCol, ToTable: refTable, ToCol: toCol})
	}
	return fks, rows.Err()
}
