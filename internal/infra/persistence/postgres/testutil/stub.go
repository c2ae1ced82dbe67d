// Package testutil provides a stub database/sql driver that emulates the
// entity table used by the postgres store.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var stubSeq atomic.Int64

// StubRow is one stored entity row.
type StubRow struct {
	Kind    string
	ID      string
	RunID   string
	Payload []byte
}

// StubConn records statements and keeps entity rows in memory.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Rows       map[string]StubRow
	FailPing   bool
	FailExec   bool
	FailBegin  bool
	FailCommit bool
	FailQuery  bool
	pending    []func(map[string]StubRow)
	inTx       bool
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Rows: make(map[string]StubRow)}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// RowKey is the map key of the row for kind and id.
func RowKey(kind, id string) string { return kind + "/" + id }

// Row returns the stored row for kind and id.
func (c *StubConn) Row(kind, id string) (StubRow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.Rows[RowKey(kind, id)]
	return row, ok
}

// Put stores a row directly, bypassing transactions.
func (c *StubConn) Put(row StubRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rows[RowKey(row.Kind, row.ID)] = row
}

// Len returns the number of stored rows.
func (c *StubConn) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Rows)
}

// ExecsContaining returns recorded statements that contain fragment.
func (c *StubConn) ExecsContaining(fragment string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, stmt := range c.Execs {
		if strings.Contains(stmt, fragment) {
			out = append(out, stmt)
		}
	}
	return out
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx. Writes are staged until commit.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.pending = nil
	c.inTx = true
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext for the schema, upsert and
// delete statements.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	var op func(map[string]StubRow)
	switch stmt := strings.ToUpper(strings.TrimSpace(query)); {
	case strings.HasPrefix(stmt, "INSERT INTO ENTITIES"):
		if len(args) != 4 {
			return nil, fmt.Errorf("expected kind, id, run_id and payload args, got %d", len(args))
		}
		row := StubRow{Kind: str(args[0]), ID: str(args[1]), RunID: str(args[2])}
		payload, _ := args[3].Value.([]byte)
		row.Payload = append([]byte(nil), payload...)
		op = func(rows map[string]StubRow) { rows[RowKey(row.Kind, row.ID)] = row }
	case strings.HasPrefix(stmt, "DELETE FROM ENTITIES"):
		if len(args) != 2 {
			return nil, fmt.Errorf("expected kind and id args, got %d", len(args))
		}
		key := RowKey(str(args[0]), str(args[1]))
		op = func(rows map[string]StubRow) { delete(rows, key) }
	default:
		return driver.RowsAffected(0), nil
	}
	if c.inTx {
		c.pending = append(c.pending, op)
	} else {
		op(c.Rows)
	}
	return driver.RowsAffected(1), nil
}

func str(v driver.NamedValue) string {
	s, _ := v.Value.(string)
	return s
}

// QueryContext implements driver.QueryerContext for the entity select.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailQuery {
		return nil, fmt.Errorf("query fail")
	}
	if !strings.Contains(strings.ToLower(query), "from entities") {
		return nil, fmt.Errorf("unsupported query: %s", query)
	}
	keys := make([]string, 0, len(c.Rows))
	for k := range c.Rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]driver.Value, 0, len(keys))
	for _, k := range keys {
		r := c.Rows[k]
		rows = append(rows, []driver.Value{r.Kind, r.ID, r.RunID, append([]byte(nil), r.Payload...)})
	}
	return &stubRows{cols: []string{"kind", "id", "run_id", "payload"}, rows: rows}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	defer func() { t.conn.pending, t.conn.inTx = nil, false }()
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	for _, op := range t.conn.pending {
		op(t.conn.Rows)
	}
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.pending, t.conn.inTx = nil, false
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
