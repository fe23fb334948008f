// Package tenantdb is the multi-tenant database routing and recovery core.
//
// One main control-plane database plus one SQLite database file per project
// live under a single data directory. The Registry owns every open handle,
// the Router decides which database a logical operation targets, and the
// Executor retries transient faults and bridges structural ones into the
// repair service.
package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MainTarget is the routing target of the control-plane database.
const MainTarget = "main"

// Handle is an opened, ready-to-query connection to one database. Handles
// are exclusively owned by the Registry; other components borrow one for
// the duration of a single operation and never retain it.
type Handle struct {
	target string
	path   string

	mu       sync.Mutex
	db       *sql.DB
	closed   bool
	lastUsed time.Time
}

// openHandle opens (creating if needed) the SQLite database at path with
// WAL mode for concurrent readers.
func openHandle(target, path string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &Handle{
		target:   target,
		path:     path,
		db:       db,
		lastUsed: time.Now(),
	}, nil
}

// Target returns the handle's routing target, MainTarget or a project id.
func (h *Handle) Target() string { return h.target }

// Path returns the database file path.
func (h *Handle) Path() string { return h.path }

// DB returns the underlying connection pool.
func (h *Handle) DB() *sql.DB {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db
}

// Ping verifies the handle is usable.
func (h *Handle) Ping(ctx context.Context) error {
	h.mu.Lock()
	db, closed := h.db, h.closed
	h.mu.Unlock()
	if closed {
		return ErrConnection.New("handle %q is closed", h.target)
	}
	return db.PingContext(ctx)
}

// touch records that the handle was just borrowed.
func (h *Handle) touch() {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// LastUsed returns when the handle was last borrowed.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close checkpoints the WAL and releases the connection pool. The pool
// pointer stays set: a borrower racing this close gets "database is
// closed" from its next query, which the retry wrapper treats as a
// reconnectable fault.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	// Best effort, the checkpoint also runs implicitly on last close.
	_, _ = h.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	if err := h.db.Close(); err != nil {
		return fmt.Errorf("close database %q: %w", h.target, err)
	}
	return nil
}
