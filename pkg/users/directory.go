package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sisiago/sisiago/pkg/audit"
	"github.com/sisiago/sisiago/pkg/observability"
	"github.com/sisiago/sisiago/pkg/storage/postgres"
)

const cacheName = "users"

// Schema creates the users table when the application has not. The audit
// store joins against it.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL DEFAULT 'user',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const userColumns = "id::text, name, email, role, is_active, updated_at"

// DirectoryConfig sizes the user cache
type DirectoryConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultDirectoryConfig caches 1024 users for five minutes
func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{CacheSize: 1024, CacheTTL: 5 * time.Minute}
}

// Directory is the Postgres-backed user repository. Reads are cached in an
// expiring LRU; updates invalidate the entry.
type Directory struct {
	conns   *postgres.ConnectionManager
	cache   *lru.LRU[string, *User]
	metrics *observability.Metrics
}

// NewDirectory creates a directory. metrics may be nil.
func NewDirectory(conns *postgres.ConnectionManager, cfg DirectoryConfig, metrics *observability.Metrics) *Directory {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultDirectoryConfig().CacheSize
	}
	return &Directory{
		conns:   conns,
		cache:   lru.NewLRU[string, *User](cfg.CacheSize, nil, cfg.CacheTTL),
		metrics: metrics,
	}
}

// EnsureSchema creates the users table if it is missing
func (d *Directory) EnsureSchema(ctx context.Context) error {
	if _, err := d.conns.Primary().ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

func (d *Directory) hit(ok bool) {
	if d.metrics == nil {
		return
	}
	if ok {
		d.metrics.CacheHitsTotal.WithLabelValues(cacheName).Inc()
	} else {
		d.metrics.CacheMissesTotal.WithLabelValues(cacheName).Inc()
	}
}

// FindByID returns a user by id
func (d *Directory) FindByID(ctx context.Context, id string) (*User, error) {
	if u, ok := d.cache.Get(id); ok {
		d.hit(true)
		copied := *u
		return &copied, nil
	}
	d.hit(false)

	row := d.conns.Replica().QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id::text = $1", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	d.cache.Add(id, u)
	copied := *u
	return &copied, nil
}

// UpdateStatus applies upd in one transaction on the primary
func (d *Directory) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (*User, *User, error) {
	tx, err := d.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := scanUser(tx.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id::text = $1 FOR UPDATE", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock user: %w", err)
	}

	var isActive, role interface{}
	if upd.IsActive != nil {
		isActive = *upd.IsActive
	}
	if upd.Role != nil {
		role = *upd.Role
	}

	after, err := scanUser(tx.QueryRowContext(ctx, `
		UPDATE users
		SET is_active = COALESCE($2, is_active),
			role = COALESCE($3, role),
			updated_at = NOW()
		WHERE id::text = $1
		RETURNING `+userColumns, id, isActive, role))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit user update: %w", err)
	}
	d.cache.Remove(id)
	return before, after, nil
}

// LookupActor resolves an audit actor. Unknown users are reported as not
// found rather than as an error.
func (d *Directory) LookupActor(ctx context.Context, userID string) (audit.ActorInfo, bool, error) {
	u, err := d.FindByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return audit.ActorInfo{}, false, nil
	}
	if err != nil {
		return audit.ActorInfo{}, false, err
	}
	return audit.ActorInfo{Name: u.Name, Email: u.Email, Role: u.Role}, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.IsActive, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}
