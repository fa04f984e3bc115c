// Package sqlite provides the durable registration store backend on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the store database connection.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if needed) the store database at path and applies
// any pending migrations. The parent directory is created with 0700.
func NewDB(path string) (*DB, error) {
	conn, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &DB{conn: conn, path: filepath.Clean(path)}, nil
}

// Conn returns the underlying connection.
func (db *DB) Conn() *sql.DB { return db.conn }

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes the connection.
func (db *DB) Close() error { return db.conn.Close() }

// Options tune a Backend.
type Options struct {
	// CacheTTL bounds how long node lookups are cached. Zero keeps them until
	// the node is removed.
	CacheTTL time.Duration
}

// Open opens the database at path and returns a Backend over it. Failures
// are reported as store.ErrStoreUnavailable.
func Open(path string, opts Options) (*Backend, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
	}
	return NewBackend(db, opts.CacheTTL), nil
}

func openDB(path string) (*sql.DB, error) {
	cleanPath := filepath.Clean(path)
	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	dsn := "file:" + cleanPath +
		"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_txlock=immediate"

	log.Debug(log.CatStore, "opening store", "path", cleanPath)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// A single connection keeps every node primitive serialized.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connecting to store: %w", err)
	}

	if err := migrate(context.Background(), conn, cleanPath); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// migrate applies embedded up-migrations newer than the recorded version.
// When an existing database is about to change, it is first copied to a
// .bak file next to it.
func migrate(ctx context.Context, conn *sql.DB, path string) error {
	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS store_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var current uint
	if err := conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM store_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	var pending []uint
	version, err := src.First()
	for err == nil {
		if version > current {
			pending = append(pending, version)
		}
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("listing migrations: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	if current > 0 {
		if err := backup(path); err != nil {
			return err
		}
	}

	for _, v := range pending {
		r, ident, err := src.ReadUp(v)
		if err != nil {
			return fmt.Errorf("reading migration %d: %w", v, err)
		}
		body, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			return fmt.Errorf("reading migration %d: %w", v, err)
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d (%s): %w", v, ident, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO store_migrations (version, applied_at) VALUES (?, ?)`,
			v, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
		log.Info(log.CatStore, "applied migration", "version", v, "name", ident)
	}
	return nil
}

// backup copies the database file to path+".bak".
func backup(path string) error {
	src, err := os.Open(path) //nolint:gosec // G304: configured store path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("opening store for backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // G304: derived from store path
	if err != nil {
		return fmt.Errorf("creating store backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("writing store backup: %w", err)
	}
	return dst.Close()
}
