package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Catalog keeps locks as rows of the resource_locks table.
type Catalog struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewCatalog returns a Locker over the catalog database. A zero ttl means locks never expire.
func NewCatalog(db *sql.DB, ttl time.Duration) *Catalog {
	return &Catalog{db: db, ttl: ttl, now: time.Now}
}

func (c *Catalog) Acquire(ctx context.Context, resource, owner string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	now := c.now().UTC()

	current, held, err := holder(ctx, tx, resource, now)
	if err != nil {
		return err
	}

	if held && current != owner {
		return errdefs.IllegalState("Acquire", resource, fmt.Sprintf("resource is locked by %s", current))
	}

	var expiresAt *string

	if c.ttl > 0 {
		value := now.Add(c.ttl).Format(timeLayout)
		expiresAt = &value
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resource_locks (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
	`, resource, owner, now.Format(timeLayout), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", resource, err)
	}

	return tx.Commit()
}

func (c *Catalog) Release(ctx context.Context, resource, owner string) (bool, error) {
	result, err := c.db.ExecContext(ctx, `DELETE FROM resource_locks WHERE name = ? AND owner = ?`, resource, owner)
	if err != nil {
		return false, fmt.Errorf("failed to release %s: %w", resource, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release %s: %w", resource, err)
	}

	return affected > 0, nil
}

func (c *Catalog) Holder(ctx context.Context, resource string) (string, bool, error) {
	return holder(ctx, c.db, resource, c.now().UTC())
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func holder(ctx context.Context, q queryer, resource string, now time.Time) (string, bool, error) {
	var (
		owner     string
		expiresAt sql.NullString
	)

	err := q.QueryRowContext(ctx, `SELECT owner, expires_at FROM resource_locks WHERE name = ?`, resource).Scan(&owner, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to read lock of %s: %w", resource, err)
	}

	if expiresAt.Valid && expiresAt.String <= now.Format(timeLayout) {
		return "", false, nil
	}

	return owner, true, nil
}
