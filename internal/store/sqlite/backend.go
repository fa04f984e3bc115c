package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zjrosen/servhost/internal/cachemanager"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/store"
)

// Compile-time check that Backend satisfies store.Backend.
var _ store.Backend = (*Backend)(nil)

const rootID store.NodeID = 1

// lookupKey addresses one cached parent/name edge.
type lookupKey string

func keyFor(parent store.NodeID, name string) lookupKey {
	return lookupKey(strconv.FormatInt(int64(parent), 10) + "/" + name)
}

// Backend implements store.Backend on the nodes and node_values tables.
type Backend struct {
	db       *DB
	lookups  cachemanager.CacheManager[lookupKey, store.NodeID]
	cacheTTL time.Duration
}

// NewBackend returns a Backend over db. Node lookups are cached for ttl; a
// zero ttl keeps entries until the node is removed.
func NewBackend(db *DB, ttl time.Duration) *Backend {
	def := ttl
	if def == 0 {
		def = cachemanager.NoExpiration
	}
	return &Backend{
		db:       db,
		lookups:  cachemanager.NewInMemoryCacheManager[lookupKey, store.NodeID]("node-lookup", def, cachemanager.DefaultCleanupInterval),
		cacheTTL: ttl,
	}
}

// DB returns the database the backend writes to.
func (b *Backend) DB() *DB { return b.db }

// Root implements store.Backend.
func (b *Backend) Root() store.NodeID { return rootID }

// Lookup implements store.Backend.
func (b *Backend) Lookup(ctx context.Context, parent store.NodeID, name string) (store.NodeID, bool, error) {
	key := keyFor(parent, name)
	if id, ok := b.lookups.Get(ctx, key); ok {
		return id, true, nil
	}

	var id int64
	err := b.db.conn.QueryRowContext(ctx,
		`SELECT id FROM nodes WHERE parent_id = ? AND name = ?`, int64(parent), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %q under %d: %w", name, parent, err)
	}
	b.lookups.Set(ctx, key, store.NodeID(id), b.cacheTTL)
	return store.NodeID(id), true, nil
}

// Create implements store.Backend.
func (b *Backend) Create(ctx context.Context, parent store.NodeID, name string) (store.NodeID, error) {
	if id, ok, err := b.Lookup(ctx, parent, name); err != nil || ok {
		return id, err
	}

	_, err := b.db.conn.ExecContext(ctx,
		`INSERT INTO nodes (parent_id, name, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (parent_id, name) DO NOTHING`,
		int64(parent), name, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("create %q under %d: %w", name, parent, err)
	}

	id, ok, err := b.Lookup(ctx, parent, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("create %q under %d: parent %w", name, parent, store.ErrNodeNotFound)
	}
	return id, nil
}

func (b *Backend) requireNode(ctx context.Context, id store.NodeID) error {
	var one int
	err := b.db.conn.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, int64(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("node %d: %w", id, store.ErrNodeNotFound)
	}
	if err != nil {
		return fmt.Errorf("node %d: %w", id, err)
	}
	return nil
}

// SetDefault implements store.Backend.
func (b *Backend) SetDefault(ctx context.Context, id store.NodeID, value string) error {
	res, err := b.db.conn.ExecContext(ctx,
		`UPDATE nodes SET default_value = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().Unix(), int64(id))
	if err != nil {
		return fmt.Errorf("set default on %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("set default on %d: %w", id, store.ErrNodeNotFound)
	}
	return nil
}

// Default implements store.Backend.
func (b *Backend) Default(ctx context.Context, id store.NodeID) (string, bool, error) {
	var value sql.NullString
	err := b.db.conn.QueryRowContext(ctx,
		`SELECT default_value FROM nodes WHERE id = ?`, int64(id)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("default of %d: %w", id, store.ErrNodeNotFound)
	}
	if err != nil {
		return "", false, fmt.Errorf("default of %d: %w", id, err)
	}
	return value.String, value.Valid, nil
}

// SetNamed implements store.Backend.
func (b *Backend) SetNamed(ctx context.Context, id store.NodeID, name, value string) error {
	if err := b.requireNode(ctx, id); err != nil {
		return err
	}
	_, err := b.db.conn.ExecContext(ctx,
		`INSERT INTO node_values (node_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT (node_id, name) DO UPDATE SET value = excluded.value`,
		int64(id), name, value)
	if err != nil {
		return fmt.Errorf("set %q on %d: %w", name, id, err)
	}
	return nil
}

// DeleteNamed implements store.Backend.
func (b *Backend) DeleteNamed(ctx context.Context, id store.NodeID, name string) (bool, error) {
	res, err := b.db.conn.ExecContext(ctx,
		`DELETE FROM node_values WHERE node_id = ? AND name = ?`, int64(id), name)
	if err != nil {
		return false, fmt.Errorf("delete %q on %d: %w", name, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %q on %d: %w", name, id, err)
	}
	return n > 0, nil
}

// Named implements store.Backend.
func (b *Backend) Named(ctx context.Context, id store.NodeID) (map[string]string, error) {
	if err := b.requireNode(ctx, id); err != nil {
		return nil, err
	}
	rows, err := b.db.conn.QueryContext(ctx,
		`SELECT name, value FROM node_values WHERE node_id = ? ORDER BY name`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("values of %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan value of %d: %w", id, err)
		}
		values[name] = value
	}
	return values, rows.Err()
}

// Children implements store.Backend.
func (b *Backend) Children(ctx context.Context, id store.NodeID) ([]string, error) {
	if err := b.requireNode(ctx, id); err != nil {
		return nil, err
	}
	rows, err := b.db.conn.QueryContext(ctx,
		`SELECT name FROM nodes WHERE parent_id = ? ORDER BY name`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("children of %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan child of %d: %w", id, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// RemoveLeaf implements store.Backend. The child check, value delete and
// node delete run in one transaction.
func (b *Backend) RemoveLeaf(ctx context.Context, parent store.NodeID, name string) error {
	tx, err := b.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove %q: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM nodes WHERE parent_id = ? AND name = ?`, int64(parent), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		b.lookups.Delete(ctx, keyFor(parent, name))
		return fmt.Errorf("remove %q under %d: %w", name, parent, store.ErrNodeNotFound)
	}
	if err != nil {
		return fmt.Errorf("remove %q under %d: %w", name, parent, err)
	}

	var children int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE parent_id = ?`, id).Scan(&children); err != nil {
		return fmt.Errorf("count children of %q: %w", name, err)
	}
	if children > 0 {
		return fmt.Errorf("remove %q under %d: %w", name, parent, store.ErrHasChildren)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_values WHERE node_id = ?`, id); err != nil {
		return fmt.Errorf("remove values of %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove %q: %w", name, err)
	}

	b.lookups.Delete(ctx, keyFor(parent, name))
	log.Debug(log.CatStore, "removed node", "id", id, "name", name)
	return nil
}

// CachedLookups returns the number of cached parent/name edges.
func (b *Backend) CachedLookups() int {
	return b.lookups.Len()
}

// Close implements store.Backend.
func (b *Backend) Close() error {
	b.lookups.Flush(context.Background())
	return b.db.Close()
}

// Invalidate drops every cached lookup. Callers use it after another process
// may have changed the database.
func (b *Backend) Invalidate() {
	b.lookups.Flush(context.Background())
}
