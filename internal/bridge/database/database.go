// Package database implements the database capability over the pure-Go
// sqlite driver. Connections and prepared statements are pooled handles;
// statements belong to their connection and are cascade-released with it.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/internal/bridge"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/registry"
	"github.com/scriptbridge/bridged/internal/svcfields"
)

// Module is the capability name clients address.
const Module = "database"

// Bridge exposes the database functions over a shared handle pool.
type Bridge struct {
	pool   *pool.Pool
	logger pslog.Logger
}

// New constructs the database capability.
func New(p *pool.Pool, logger pslog.Logger) *Bridge {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Bridge{pool: p, logger: svcfields.WithSubsystem(logger, "database")}
}

// Register wires the capability functions into the whitelist.
func (b *Bridge) Register(r *registry.Registry) {
	r.Register(Module, "connect", b.connect)
	r.Register(Module, "prepare", b.prepare)
	r.Register(Module, "execute_statement", b.executeStatement)
	r.Register(Module, "fetch_row", b.fetchRow)
	r.Register(Module, "fetch_all", b.fetchAll)
	r.Register(Module, "execute_immediate", b.executeImmediate)
	r.Register(Module, "begin_transaction", b.beginTransaction)
	r.Register(Module, "commit", b.commit)
	r.Register(Module, "rollback", b.rollback)
	r.Register(Module, "finish_statement", b.finishStatement)
	r.Register(Module, "disconnect", b.disconnect)
}

// connState is the pooled resource behind a db-connection handle.
type connState struct {
	mu         sync.Mutex
	db         *sql.DB
	tx         *sql.Tx
	autocommit bool
}

// Close implements io.Closer so pool removal tears the connection down.
func (c *connState) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}

// execer returns the active transaction when one is open, the bare
// connection otherwise.
func (c *connState) execer() interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
} {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// stmtState is the pooled resource behind a db-statement handle. The SQL
// text is kept rather than a driver-side prepared statement so execution
// always runs against the connection's current transaction.
type stmtState struct {
	mu       sync.Mutex
	connID   string
	sqlText  string
	rows     *sql.Rows
	columns  []string
	executed bool
	finished bool
}

// Close implements io.Closer so sweeps release any open cursor.
func (s *stmtState) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeRowsLocked()
}

func (s *stmtState) closeRowsLocked() error {
	if s.rows == nil {
		return nil
	}
	err := s.rows.Close()
	s.rows = nil
	return err
}

func (b *Bridge) conn(id string) (*connState, error) {
	h, err := b.pool.Get(id, pool.KindDBConnection)
	if err != nil {
		return nil, err
	}
	return h.State.(*connState), nil
}

func (b *Bridge) stmt(id string) (*stmtState, error) {
	h, err := b.pool.Get(id, pool.KindDBStatement)
	if err != nil {
		return nil, err
	}
	return h.State.(*stmtState), nil
}

func (b *Bridge) connect(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	dsn, err := bridge.Str(params, "dsn")
	if err != nil {
		return nil, err
	}
	path, err := sqlitePath(dsn)
	if err != nil {
		return nil, err
	}
	autocommit := true
	if options, err := bridge.MapDefault(params, "options"); err != nil {
		return nil, err
	} else if options != nil {
		if v, ok := options.Bool("AutoCommit"); ok {
			autocommit = v
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The bridge serializes work per connection handle; a single underlying
	// conn also keeps :memory: databases stable across statements.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	id := b.pool.Create(pool.KindDBConnection, &connState{db: db, autocommit: autocommit}, "")
	b.logger.Info("database connected", "connection_id", id, "dsn", dsn)
	return map[string]any{"connection_id": id, "db_type": "sqlite"}, nil
}

func (b *Bridge) prepare(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	connID, err := bridge.Str(params, "connection_id")
	if err != nil {
		return nil, err
	}
	sqlText, err := bridge.Str(params, "sql")
	if err != nil {
		return nil, err
	}
	if _, err := b.conn(connID); err != nil {
		return nil, err
	}
	b.pool.Touch(connID)
	id := b.pool.Create(pool.KindDBStatement, &stmtState{connID: connID, sqlText: sqlText}, connID)
	return map[string]any{"statement_id": id}, nil
}

func (b *Bridge) executeStatement(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	connID, err := bridge.Str(params, "connection_id")
	if err != nil {
		return nil, err
	}
	stmtID, err := bridge.Str(params, "statement_id")
	if err != nil {
		return nil, err
	}
	conn, err := b.conn(connID)
	if err != nil {
		return nil, err
	}
	stmt, err := b.stmt(stmtID)
	if err != nil {
		return nil, err
	}
	binds, err := bridge.ListDefault(params, "bind_values")
	if err != nil {
		return nil, err
	}
	args := bridge.Natives(binds)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	stmt.mu.Lock()
	defer stmt.mu.Unlock()

	// Re-executing discards any cursor left from the previous run.
	_ = stmt.closeRowsLocked()
	stmt.executed = false
	stmt.finished = false
	stmt.columns = nil

	result := map[string]any{}
	if returnsRows(stmt.sqlText) {
		// The cursor outlives this exchange; the clients fetch rows in
		// later requests. Detach it from the per-request context so the
		// driver does not close the rows when the exchange ends.
		rows, err := conn.execer().QueryContext(context.WithoutCancel(ctx), stmt.sqlText, args...)
		if err != nil {
			return nil, fmt.Errorf("execute statement: %w", err)
		}
		cols, err := rows.Columns()
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("execute statement: %w", err)
		}
		stmt.rows = rows
		stmt.columns = cols
		result["rows_affected"] = int64(0)
		result["column_info"] = map[string]any{
			"count": len(cols),
			"names": cols,
		}
	} else {
		res, err := conn.execer().ExecContext(ctx, stmt.sqlText, args...)
		if err != nil {
			return nil, fmt.Errorf("execute statement: %w", err)
		}
		affected, _ := res.RowsAffected()
		result["rows_affected"] = affected
	}
	stmt.executed = true
	b.pool.Touch(connID)
	b.pool.Touch(stmtID)
	return result, nil
}

func (b *Bridge) fetchRow(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	stmtID, err := bridge.Str(params, "statement_id")
	if err != nil {
		return nil, err
	}
	format, err := bridge.StrDefault(params, "format", "array")
	if err != nil {
		return nil, err
	}
	stmt, err := b.stmt(stmtID)
	if err != nil {
		return nil, err
	}

	stmt.mu.Lock()
	defer stmt.mu.Unlock()
	if !stmt.executed {
		return nil, fmt.Errorf("statement not executed")
	}
	if stmt.finished || stmt.rows == nil {
		return map[string]any{"row": nil, "more": false}, nil
	}
	if !stmt.rows.Next() {
		err := stmt.rows.Err()
		stmt.finished = true
		_ = stmt.closeRowsLocked()
		if err != nil {
			return nil, fmt.Errorf("fetch row: %w", err)
		}
		return map[string]any{"row": nil, "more": false}, nil
	}
	row, err := scanRow(stmt.rows, stmt.columns)
	if err != nil {
		return nil, fmt.Errorf("fetch row: %w", err)
	}
	b.pool.Touch(stmtID)
	if format == "hash" {
		hash := make(map[string]any, len(stmt.columns))
		for i, name := range stmt.columns {
			hash[name] = row[i]
		}
		return map[string]any{"row": hash, "more": true}, nil
	}
	return map[string]any{"row": row, "more": true}, nil
}

func (b *Bridge) fetchAll(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	stmtID, err := bridge.Str(params, "statement_id")
	if err != nil {
		return nil, err
	}
	format, err := bridge.StrDefault(params, "format", "array")
	if err != nil {
		return nil, err
	}
	stmt, err := b.stmt(stmtID)
	if err != nil {
		return nil, err
	}

	stmt.mu.Lock()
	defer stmt.mu.Unlock()
	if !stmt.executed {
		return nil, fmt.Errorf("statement not executed")
	}
	out := make([]any, 0)
	if stmt.rows != nil && !stmt.finished {
		for stmt.rows.Next() {
			row, err := scanRow(stmt.rows, stmt.columns)
			if err != nil {
				return nil, fmt.Errorf("fetch all: %w", err)
			}
			if format == "hash" {
				hash := make(map[string]any, len(stmt.columns))
				for i, name := range stmt.columns {
					hash[name] = row[i]
				}
				out = append(out, hash)
			} else {
				out = append(out, row)
			}
		}
		if err := stmt.rows.Err(); err != nil {
			return nil, fmt.Errorf("fetch all: %w", err)
		}
	}
	stmt.finished = true
	_ = stmt.closeRowsLocked()
	b.pool.Touch(stmtID)
	return map[string]any{"rows": out}, nil
}

func (b *Bridge) executeImmediate(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	connID, err := bridge.Str(params, "connection_id")
	if err != nil {
		return nil, err
	}
	sqlText, err := bridge.Str(params, "sql")
	if err != nil {
		return nil, err
	}
	binds, err := bridge.ListDefault(params, "bind_values")
	if err != nil {
		return nil, err
	}
	conn, err := b.conn(connID)
	if err != nil {
		return nil, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	res, err := conn.execer().ExecContext(ctx, sqlText, bridge.Natives(binds)...)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	affected, _ := res.RowsAffected()
	b.pool.Touch(connID)
	return map[string]any{"rows_affected": affected}, nil
}

func (b *Bridge) beginTransaction(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	connID, err := bridge.Str(params, "connection_id")
	if err != nil {
		return nil, err
	}
	conn, err := b.conn(connID)
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.tx != nil {
		return nil, fmt.Errorf("transaction already open")
	}
	tx, err := conn.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	conn.tx = tx
	b.pool.Touch(connID)
	return map[string]any{}, nil
}

func (b *Bridge) commit(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	return b.finishTx(params, func(tx *sql.Tx) error { return tx.Commit() })
}

func (b *Bridge) rollback(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	return b.finishTx(params, func(tx *sql.Tx) error { return tx.Rollback() })
}

func (b *Bridge) finishTx(params *dyn.Map, end func(*sql.Tx) error) (map[string]any, error) {
	connID, err := bridge.Str(params, "connection_id")
	if err != nil {
		return nil, err
	}
	conn, err := b.conn(connID)
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.tx == nil {
		return nil, fmt.Errorf("no open transaction")
	}
	tx := conn.tx
	conn.tx = nil
	if err := end(tx); err != nil {
		return nil, err
	}
	b.pool.Touch(connID)
	return map[string]any{}, nil
}

func (b *Bridge) finishStatement(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	stmtID, err := bridge.Str(params, "statement_id")
	if err != nil {
		return nil, err
	}
	if _, err := b.stmt(stmtID); err != nil {
		return nil, err
	}
	if err := b.pool.Remove(stmtID); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (b *Bridge) disconnect(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	connID, err := bridge.Str(params, "connection_id")
	if err != nil {
		return nil, err
	}
	if _, err := b.conn(connID); err != nil {
		return nil, err
	}
	removed := b.pool.RemoveOwned(connID)
	if err := b.pool.Remove(connID); err != nil {
		return nil, err
	}
	b.logger.Info("database disconnected", "connection_id", connID, "statements_released", removed)
	return map[string]any{}, nil
}

// sqlitePath maps the accepted DSN spellings onto a driver path. The
// legacy clients send DBI-style strings; new callers use sqlite:PATH.
func sqlitePath(dsn string) (string, error) {
	switch {
	case dsn == ":memory:":
		return ":memory:", nil
	case strings.HasPrefix(dsn, "sqlite:"):
		path := strings.TrimPrefix(dsn, "sqlite:")
		if path == "" {
			return ":memory:", nil
		}
		return path, nil
	case strings.HasPrefix(dsn, "dbi:SQLite:"):
		rest := strings.TrimPrefix(dsn, "dbi:SQLite:")
		rest = strings.TrimPrefix(rest, "dbname=")
		if rest == "" {
			return ":memory:", nil
		}
		return rest, nil
	default:
		return "", fmt.Errorf("unsupported dsn %q", dsn)
	}
}

// returnsRows reports whether the statement produces a result set.
func returnsRows(sqlText string) bool {
	head := strings.ToUpper(strings.TrimSpace(sqlText))
	for _, kw := range []string{"SELECT", "WITH", "PRAGMA", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return false
}

// scanRow reads the current row into JSON-friendly values. sqlite returns
// []byte for text columns scanned into any; convert those to strings.
func scanRow(rows *sql.Rows, columns []string) ([]any, error) {
	raw := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range raw {
		if b, ok := v.([]byte); ok {
			raw[i] = string(b)
		}
	}
	return raw, nil
}
