// Package audit persists connection-lifecycle transitions — not pixel
// data — to an embedded SQLite database: bun as the query layer,
// golang-migrate/v4 against an embedded migration for schema management,
// trimmed to a single table and a single dialect since this engine has no
// multi-tenant or Postgres deployment target.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

func ctx() context.Context { return context.Background() }

// Entry is one connection-lifecycle transition.
type Entry struct {
	bun.BaseModel `bun:"table:connection_audit"`

	ID         int64     `bun:"id,pk,autoincrement"`
	Timestamp  time.Time `bun:"timestamp,nullzero,notnull,default:current_timestamp"`
	Handle     string    `bun:"handle,notnull"`
	RemoteAddr string    `bun:"remote_addr,notnull"`
	Version    int       `bun:"version,notnull"`
	Event      string    `bun:"event,notnull"`
	Detail     string    `bun:"detail"`
}

// Log wraps the audit database connection and an optional S3 exporter.
type Log struct {
	db       *bun.DB
	exporter *S3Exporter
	cancel   context.CancelFunc
}

// Open opens (creating if necessary) a SQLite database at path and applies
// any pending migrations.
func Open(path string) (*Log, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: journal_mode: %w", err)
	}
	conn.SetMaxIdleConns(1)

	migConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := runMigrations(migConn); err != nil {
		conn.Close()
		return nil, err
	}

	return &Log{db: bun.NewDB(conn, sqlitedialect.New())}, nil
}

// Record inserts one connection-lifecycle event. An audit write must
// never fail a client handshake, so the server logs and discards the
// returned error rather than propagating it into the connection's state
// machine.
func (l *Log) Record(handle, remoteAddr string, version int, evt, detail string) error {
	entry := Entry{
		Handle:     handle,
		RemoteAddr: remoteAddr,
		Version:    version,
		Event:      evt,
		Detail:     detail,
	}
	_, err := l.db.NewInsert().Model(&entry).Exec(ctx())
	return err
}

// Recent returns the most recent audit entries, newest first, bounded by
// limit (defaulting to 100, capped at 1000).
func (l *Log) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	var entries []Entry
	err := l.db.NewSelect().Model(&entries).
		OrderExpr("timestamp DESC").
		Limit(limit).
		Scan(ctx())
	return entries, err
}

// ForHandle returns every audit entry for one connection handle, oldest
// first, tracing its full lifecycle.
func (l *Log) ForHandle(handle string) ([]Entry, error) {
	var entries []Entry
	err := l.db.NewSelect().Model(&entries).
		Where("handle = ?", handle).
		OrderExpr("timestamp ASC").
		Scan(ctx())
	return entries, err
}

// StartS3Export begins periodically uploading a JSON snapshot of recent
// audit rows to bucket. It is a no-op if called twice.
func (l *Log) StartS3Export(bucket string) error {
	if l.exporter != nil {
		return nil
	}
	exp, err := newS3Exporter(bucket)
	if err != nil {
		return err
	}
	l.exporter = exp

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go exp.exportLoop(runCtx, l)
	return nil
}

// Close stops any running exporter and closes the database connection.
func (l *Log) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	return l.db.Close()
}
