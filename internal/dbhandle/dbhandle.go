// Package dbhandle wraps database/sql + modernc.org/sqlite behind a
// minimal prepare-then-execute contract: a database handle offering
// parameterized all/first/run over a prepared statement. It is the only
// package in this module that talks to the driver directly.
package dbhandle

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/logutil"
	"github.com/litefuse/litefuse/internal/reqctx"
)

// Row is a single decoded result row, column name -> value.
type Row map[string]any

// Handle owns the *sql.DB connection pool and exposes prepare/all/first/run.
type Handle struct {
	db *sql.DB
}

// Open opens a SQLite database at dsn (a file path or ":memory:") using
// modernc.org/sqlite, a pure-Go driver requiring no cgo toolchain.
func Open(dsn string) (*Handle, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", dsn, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database %q: %w", dsn, err)
	}
	// SQLite allows only one writer at a time; a single connection avoids
	// SQLITE_BUSY errors under the simple request model this engine assumes.
	db.SetMaxOpenConns(1)
	return &Handle{db: db}, nil
}

// DB exposes the underlying *sql.DB for schema.Build and migrations.
func (h *Handle) DB() *sql.DB { return h.db }

// Close closes the underlying connection pool.
func (h *Handle) Close() error { return h.db.Close() }

// Stmt is a prepared statement bound to this handle.
type Stmt struct {
	sql  string
	stmt *sql.Stmt
}

// Prepare compiles sql once for repeated parameterized execution.
func (h *Handle) Prepare(ctx context.Context, query string) (*Stmt, error) {
	log.Debug().
		Str("sql", logutil.SanitizeSQL(query)).
		Str("role", reqctx.FromContext(ctx).Role).
		Msg("preparing statement")
	stmt, err := h.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, apierr.Execution(fmt.Errorf("preparing statement: %w", err))
	}
	return &Stmt{sql: query, stmt: stmt}, nil
}

// Close releases the prepared statement.
func (s *Stmt) Close() error { return s.stmt.Close() }

// All executes the statement and decodes every result row.
func (s *Stmt) All(ctx context.Context, params []any) ([]Row, error) {
	rows, err := s.stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, apierr.Execution(fmt.Errorf("executing query: %w", err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apierr.Execution(err)
	}

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return nil, apierr.Execution(err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Execution(err)
	}
	return out, nil
}

// First executes the statement and returns only the first row, or nil if
// the result set is empty. The query service does not use it: it shapes
// cardinality=one and cardinality=maybeOne results from All's rows.
func (s *Stmt) First(ctx context.Context, params []any) (Row, error) {
	rows, err := s.All(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Run executes a mutation (INSERT/UPDATE/DELETE) and returns the affected
// row count plus the last inserted rowid (meaningful only for INSERT).
func (s *Stmt) Run(ctx context.Context, params []any) (rowsAffected int64, lastInsertID int64, err error) {
	res, execErr := s.stmt.ExecContext(ctx, params...)
	if execErr != nil {
		return 0, 0, apierr.Execution(fmt.Errorf("executing statement: %w", execErr))
	}
	rowsAffected, err = res.RowsAffected()
	if err != nil {
		return 0, 0, apierr.Execution(err)
	}
	lastInsertID, err = res.LastInsertId()
	if err != nil {
		// Not every statement produces a meaningful rowid (e.g. UPDATE); that
		// is not a failure worth surfacing to the caller.
		return rowsAffected, 0, nil
	}
	return rowsAffected, lastInsertID, nil
}

func scanRow(rows *sql.Rows, cols []string) (Row, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(Row, len(cols))
	for i, col := range cols {
		v := values[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row[col] = v
	}
	return row, nil
}
