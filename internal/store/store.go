// Package store provides the local cache of CRM customizations.
//
// The cache is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// holding the listing records, source bodies and sync metadata of both
// entity collections. Every row is keyed by organization id and every query
// filters on it: one database file may hold several organizations, but a
// Store handle only ever sees its own.
//
// Writes of one reconciliation pass happen inside a single transaction. If
// any write fails the transaction rolls back and the previously committed
// cache stays readable.
//
// Layout:
//
//	functions         (org_id, id)        listing + co-located source body
//	functions_meta    (org_id)            last successful sync
//	scripts_meta      (org_id)            last successful sync, warm-cache marker
//	scripts           (org_id, id)        listing records
//	script_sources    (org_id, script_id) source bodies, separate from listings
//	script_pages      (org_id, uuid)      pages owning scripts
//	static_resources  (org_id, id)        user static resources
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// StoreError reports that the local store is unavailable or a transaction
// was aborted. Callers treat it as "operate without cache".
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: failed to %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err came from the local store.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// Store is an organization-scoped handle on the cache database.
type Store struct {
	conn   *sql.DB
	path   string
	orgID  string
	logger *log.Logger
}

// Open opens (creating if needed) the cache database at path and makes sure
// the schema exists. The returned handle only reads and writes rows of orgID.
//
// The caller MUST call Close() when done.
func Open(path, orgID string, logger *log.Logger) (*Store, error) {
	if orgID == "" {
		return nil, &StoreError{Op: "open database", Err: errors.New("organization id is required")}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, storeErr("create database directory", err)
		}
	}

	// busy_timeout goes in the DSN so every pooled connection gets it.
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, storeErr("open database", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, storeErr("ping database", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		orgID:  orgID,
		logger: logger,
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = s.Close()
			return nil, storeErr("configure database", fmt.Errorf("%s: %w", p, err))
		}
	}

	if err := s.InitSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// OrgID returns the organization this handle is scoped to.
func (s *Store) OrgID() string {
	return s.orgID
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return storeErr("close database", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates any missing table or index. Existing tables and their
// rows are left untouched, so it is safe to call on every open.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS functions (
		org_id TEXT NOT NULL,
		id TEXT NOT NULL,
		updated_time INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,  -- JSON schema.Function, detail included
		PRIMARY KEY (org_id, id)
	);

	CREATE TABLE IF NOT EXISTS functions_meta (
		org_id TEXT PRIMARY KEY,
		last_update TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scripts_meta (
		org_id TEXT PRIMARY KEY,
		last_update TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scripts (
		org_id TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,  -- JSON schema.Script
		PRIMARY KEY (org_id, id)
	);

	CREATE TABLE IF NOT EXISTS script_sources (
		org_id TEXT NOT NULL,
		script_id TEXT NOT NULL,
		source_code TEXT NOT NULL DEFAULT '',
		async_code_url TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (org_id, script_id)
	);

	CREATE TABLE IF NOT EXISTS script_pages (
		org_id TEXT NOT NULL,
		uuid TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (org_id, uuid)
	);

	CREATE TABLE IF NOT EXISTS static_resources (
		org_id TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (org_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_scripts_org ON scripts(org_id);
	CREATE INDEX IF NOT EXISTS idx_script_sources_org ON script_sources(org_id);
	CREATE INDEX IF NOT EXISTS idx_script_pages_org ON script_pages(org_id);
	CREATE INDEX IF NOT EXISTS idx_static_resources_org ON static_resources(org_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return storeErr("initialize schema", err)
	}

	return nil
}

// withTx runs fn inside a transaction, committing only if fn succeeds.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if s.conn == nil {
		return &StoreError{Op: op, Err: errClosed}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return storeErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr(op, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Lazy opens a Store on first use and hands back the same handle after
// that. A failed open is not remembered; the next call tries again.
type Lazy struct {
	path   string
	orgID  string
	logger *log.Logger

	mu    sync.Mutex
	store *Store
}

// NewLazy returns an opener for the cache database at path.
func NewLazy(path, orgID string, logger *log.Logger) *Lazy {
	return &Lazy{path: path, orgID: orgID, logger: logger}
}

// Open returns the ready handle, opening the database if needed.
func (l *Lazy) Open() (*Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		return l.store, nil
	}

	s, err := Open(l.path, l.orgID, l.logger)
	if err != nil {
		return nil, err
	}
	l.store = s
	return s, nil
}

// Close closes the handle if one was opened.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	err := l.store.Close()
	l.store = nil
	return err
}
