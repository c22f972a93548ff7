package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// recordingConn is a minimal driver that records statements and returns no rows.
type recordingConn struct {
	mu      sync.Mutex
	execs   []string
	pingErr error
}

func (c *recordingConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c *recordingConn) Close() error                        { return nil }
func (c *recordingConn) Begin() (driver.Tx, error)           { return recordingTx{}, nil }
func (c *recordingConn) Ping(context.Context) error          { return c.pingErr }

func (c *recordingConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	c.execs = append(c.execs, query)
	c.mu.Unlock()
	return driver.RowsAffected(0), nil
}

func (c *recordingConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	c.execs = append(c.execs, query)
	c.mu.Unlock()
	return emptyRows{}, nil
}

func (c *recordingConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

type recordingTx struct{}

func (recordingTx) Commit() error   { return nil }
func (recordingTx) Rollback() error { return nil }

type emptyRows struct{}

func (emptyRows) Columns() []string         { return []string{"version", "applied_at"} }
func (emptyRows) Close() error              { return nil }
func (emptyRows) Next([]driver.Value) error { return io.EOF }

type recordingDriver struct{ conn *recordingConn }

func (d recordingDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

var driverSeq atomic.Int64

func newRecordingDB(t *testing.T) (*sql.DB, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	name := fmt.Sprintf("recordingpg%d", driverSeq.Add(1))
	sql.Register(name, recordingDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		t.Fatalf("open stub: %v", err)
	}
	return db, conn
}

func TestNewStoreMigratesWithNumberedPlaceholders(t *testing.T) {
	db, conn := newRecordingDB(t)
	var gotDSN string
	restore := OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Fatalf("expected pgx driver, got %s", driverName)
		}
		gotDSN = dsn
		return db, nil
	})
	defer restore()

	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer func() { _ = store.Close() }()
	if gotDSN != defaultDSN {
		t.Fatalf("expected default dsn, got %q", gotDSN)
	}
	if _, err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	var sawSerial, sawNumbered bool
	for _, stmt := range conn.statements() {
		if strings.Contains(stmt, "BIGSERIAL PRIMARY KEY") {
			sawSerial = true
		}
		if strings.Contains(stmt, "INSERT INTO schema_migrations") {
			if strings.Contains(stmt, "?") || !strings.Contains(stmt, "$3") {
				t.Fatalf("expected numbered placeholders, got %s", stmt)
			}
			sawNumbered = true
		}
	}
	if !sawSerial || !sawNumbered {
		t.Fatalf("expected postgres DDL and migration bookkeeping, got %v", conn.statements())
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := newRecordingDB(t)
	conn.pingErr = errors.New("connection refused")
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()

	if _, err := NewStore(context.Background(), "postgres://db/x"); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestNewStoreOpenFailure(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })
	defer restore()
	if _, err := NewStore(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatalf("expected wrapped 23505 to be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("duplicate key")) {
		t.Fatalf("plain errors are not unique violations")
	}
}
