// Package executor adapts database/sql to the engine's execution
// interface. The engine issues already-compiled SQL with positional
// args; this package runs it and materializes rows as column maps.
// Transport errors surface unchanged, never retried or wrapped beyond
// the statement that failed.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/fatih/color"
)

// Executor executes compiled queries.
type Executor interface {
	// Query runs a row-returning statement.
	Query(ctx context.Context, query string, args []any) ([]map[string]any, error)
	// Exec runs a statement without result rows and reports the
	// generated id and affected row count.
	Exec(ctx context.Context, query string, args []any) (lastID int64, affected int64, err error)
}

// DB is an Executor backed by a *sql.DB.
type DB struct {
	db        *sql.DB
	logger    *Logger
	stmtCache map[string]*sql.Stmt
	cacheMu   sync.RWMutex
}

// New wraps an open database handle.
func New(db *sql.DB) *DB {
	return &DB{
		db:        db,
		stmtCache: make(map[string]*sql.Stmt),
	}
}

// Open opens a database handle for the given driver and wraps it.
func Open(driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return New(db), nil
}

// SetLogger enables query logging. A nil logger disables it.
func (e *DB) SetLogger(l *Logger) {
	e.logger = l
}

// Ping verifies the connection is alive.
func (e *DB) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// getCachedStmt gets a cached prepared statement or creates a new one
func (e *DB) getCachedStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	e.cacheMu.RLock()
	stmt, ok := e.stmtCache[query]
	e.cacheMu.RUnlock()

	if ok && stmt != nil {
		return stmt, nil
	}

	stmt, err := e.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	e.cacheMu.Lock()
	e.stmtCache[query] = stmt
	e.cacheMu.Unlock()

	return stmt, nil
}

// Query implements Executor.
func (e *DB) Query(ctx context.Context, query string, args []any) ([]map[string]any, error) {
	e.logger.log(query, args)

	stmt, err := e.getCachedStmt(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

// Exec implements Executor.
func (e *DB) Exec(ctx context.Context, query string, args []any) (int64, int64, error) {
	e.logger.log(query, args)

	stmt, err := e.getCachedStmt(ctx, query)
	if err != nil {
		return 0, 0, err
	}

	result, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, 0, err
	}

	// Not every driver supports LastInsertId; callers that need the id
	// run against one that does.
	lastID, _ := result.LastInsertId()
	affected, _ := result.RowsAffected()
	return lastID, affected, nil
}

// Close closes cached statements and the underlying handle.
func (e *DB) Close() error {
	e.cacheMu.Lock()
	for _, stmt := range e.stmtCache {
		stmt.Close()
	}
	e.stmtCache = make(map[string]*sql.Stmt)
	e.cacheMu.Unlock()

	return e.db.Close()
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Logger writes executed SQL and its args to stderr.
type Logger struct {
	sqlColor *color.Color
	argColor *color.Color
}

// NewLogger creates a query logger.
func NewLogger() *Logger {
	return &Logger{
		sqlColor: color.New(color.FgCyan),
		argColor: color.New(color.Faint),
	}
}

func (l *Logger) log(query string, args []any) {
	if l == nil {
		return
	}
	l.sqlColor.Fprintln(color.Error, query)
	if len(args) > 0 {
		l.argColor.Fprintf(color.Error, "  args: %v\n", args)
	}
}
