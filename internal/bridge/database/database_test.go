package database_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scriptbridge/bridged/internal/bridge/database"
	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/registry"
)

func newBridge(t *testing.T) (*pool.Pool, *registry.Registry) {
	t.Helper()
	p := pool.New(clock.NewManual(time.Unix(0, 0)), nil)
	reg := registry.New()
	database.New(p, nil).Register(reg)
	reg.Freeze()
	return p, reg
}

func call(t *testing.T, reg *registry.Registry, function string, params *dyn.Map) map[string]any {
	t.Helper()
	result, err := callErr(reg, function, params)
	if err != nil {
		t.Fatalf("%s: %v", function, err)
	}
	return result
}

func callErr(reg *registry.Registry, function string, params *dyn.Map) (map[string]any, error) {
	fn, err := reg.Lookup(database.Module, function)
	if err != nil {
		return nil, err
	}
	return fn(context.Background(), params)
}

func connect(t *testing.T, reg *registry.Registry) string {
	t.Helper()
	result := call(t, reg, "connect", dyn.NewMap().Set("dsn", dyn.String(":memory:")))
	id, ok := result["connection_id"].(string)
	if !ok || id == "" {
		t.Fatalf("connect result = %v", result)
	}
	return id
}

func TestConnectRejectsUnknownDSN(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	_, err := callErr(reg, "connect", dyn.NewMap().Set("dsn", dyn.String("dbi:Oracle:prod")))
	if err == nil || !strings.Contains(err.Error(), "unsupported dsn") {
		t.Fatalf("err = %v", err)
	}
}

func TestPreparedStatementLifecycle(t *testing.T) {
	t.Parallel()

	p, reg := newBridge(t)
	connID := connect(t, reg)

	call(t, reg, "execute_immediate", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("sql", dyn.String("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)")))

	insert := call(t, reg, "prepare", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("sql", dyn.String("INSERT INTO users (id, name) VALUES (?, ?)")))
	insertID := insert["statement_id"].(string)

	result := call(t, reg, "execute_statement", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("statement_id", dyn.String(insertID)).
		Set("bind_values", dyn.List(dyn.Int(1), dyn.String("alice"))))
	if result["rows_affected"].(int64) != 1 {
		t.Fatalf("insert result = %v", result)
	}
	call(t, reg, "execute_statement", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("statement_id", dyn.String(insertID)).
		Set("bind_values", dyn.List(dyn.Int(2), dyn.String("bob"))))

	query := call(t, reg, "prepare", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("sql", dyn.String("SELECT id, name FROM users ORDER BY id")))
	queryID := query["statement_id"].(string)

	result = call(t, reg, "execute_statement", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("statement_id", dyn.String(queryID)))
	info := result["column_info"].(map[string]any)
	if info["count"].(int) != 2 {
		t.Fatalf("column_info = %v", info)
	}

	row := call(t, reg, "fetch_row", dyn.NewMap().Set("statement_id", dyn.String(queryID)))
	if row["more"].(bool) != true {
		t.Fatalf("first fetch_row = %v", row)
	}
	cells := row["row"].([]any)
	if cells[0].(int64) != 1 || cells[1].(string) != "alice" {
		t.Fatalf("row = %v", cells)
	}

	rest := call(t, reg, "fetch_all", dyn.NewMap().
		Set("statement_id", dyn.String(queryID)).
		Set("format", dyn.String("hash")))
	rows := rest["rows"].([]any)
	if len(rows) != 1 {
		t.Fatalf("fetch_all rows = %v", rows)
	}
	if rows[0].(map[string]any)["name"].(string) != "bob" {
		t.Fatalf("hash row = %v", rows[0])
	}

	exhausted := call(t, reg, "fetch_row", dyn.NewMap().Set("statement_id", dyn.String(queryID)))
	if exhausted["more"].(bool) != false {
		t.Fatalf("exhausted fetch_row = %v", exhausted)
	}

	call(t, reg, "finish_statement", dyn.NewMap().Set("statement_id", dyn.String(queryID)))
	if _, err := callErr(reg, "fetch_row", dyn.NewMap().Set("statement_id", dyn.String(queryID))); !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("finished statement err = %v", err)
	}

	call(t, reg, "disconnect", dyn.NewMap().Set("connection_id", dyn.String(connID)))
	if got := p.Stats().Total; got != 0 {
		t.Fatalf("pool not empty after disconnect: %d", got)
	}
}

func TestCursorSurvivesRequestContext(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	connID := connect(t, reg)

	call(t, reg, "execute_immediate", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("sql", dyn.String("CREATE TABLE events (n INTEGER)")))
	for i := 1; i <= 3; i++ {
		call(t, reg, "execute_immediate", dyn.NewMap().
			Set("connection_id", dyn.String(connID)).
			Set("sql", dyn.String("INSERT INTO events (n) VALUES ("+strings.Repeat("1", i)+")")))
	}

	stmt := call(t, reg, "prepare", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("sql", dyn.String("SELECT n FROM events ORDER BY n")))
	stmtID := stmt["statement_id"].(string)

	// Each request runs under its own short-lived context; the cursor a
	// query opens must keep streaming after that context is canceled.
	execCtx, cancel := context.WithCancel(context.Background())
	execute, err := reg.Lookup(database.Module, "execute_statement")
	if err != nil {
		t.Fatalf("lookup execute_statement: %v", err)
	}
	if _, err := execute(execCtx, dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("statement_id", dyn.String(stmtID))); err != nil {
		t.Fatalf("execute_statement: %v", err)
	}
	cancel()

	row := call(t, reg, "fetch_row", dyn.NewMap().Set("statement_id", dyn.String(stmtID)))
	if row["more"].(bool) != true {
		t.Fatalf("first fetch_row after cancel = %v", row)
	}
	rest := call(t, reg, "fetch_all", dyn.NewMap().Set("statement_id", dyn.String(stmtID)))
	if rows := rest["rows"].([]any); len(rows) != 2 {
		t.Fatalf("fetch_all rows = %v", rows)
	}
}

func TestExecuteMissingStatementFailsFast(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	connID := connect(t, reg)
	_, err := callErr(reg, "execute_statement", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("statement_id", dyn.String("no-such-statement")))
	if !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransactionRollback(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	connID := connect(t, reg)
	conn := dyn.NewMap().Set("connection_id", dyn.String(connID))

	call(t, reg, "execute_immediate", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("sql", dyn.String("CREATE TABLE t (n INTEGER)")))

	call(t, reg, "begin_transaction", conn)
	call(t, reg, "execute_immediate", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("sql", dyn.String("INSERT INTO t (n) VALUES (42)")))
	call(t, reg, "rollback", conn)

	stmt := call(t, reg, "prepare", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("sql", dyn.String("SELECT COUNT(*) FROM t")))
	stmtID := stmt["statement_id"].(string)
	call(t, reg, "execute_statement", dyn.NewMap().
		Set("connection_id", dyn.String(connID)).
		Set("statement_id", dyn.String(stmtID)))
	row := call(t, reg, "fetch_row", dyn.NewMap().Set("statement_id", dyn.String(stmtID)))
	if count := row["row"].([]any)[0].(int64); count != 0 {
		t.Fatalf("count after rollback = %d, want 0", count)
	}

	if _, err := callErr(reg, "commit", conn); err == nil {
		t.Fatal("commit without open transaction succeeded")
	}
}
