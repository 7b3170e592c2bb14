package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/venuelock/internal/models"
)

const actionLockColumns = `id, resource_type, resource_id, action, admin_email, admin_name, locked_at, expires_at`

type PostgresActionLockRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresActionLockRepository(pool *pgxpool.Pool) *PostgresActionLockRepository {
	return &PostgresActionLockRepository{pool: pool}
}

func (r *PostgresActionLockRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ActionLockTx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &postgresActionLockTx{tx: tx})
	})
}

type postgresActionLockTx struct {
	tx pgx.Tx
}

func (t *postgresActionLockTx) DeleteExpired(ctx context.Context, now time.Time) ([]*models.ActionLock, error) {
	query := `DELETE FROM action_locks WHERE expires_at <= $1 RETURNING ` + actionLockColumns

	rows, err := t.tx.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired locks: %w", err)
	}
	return collectLocks(rows)
}

func (t *postgresActionLockTx) GetActive(ctx context.Context, key models.LockKey, now time.Time) (*models.ActionLock, error) {
	query := `SELECT ` + actionLockColumns + `
	          FROM action_locks
	          WHERE resource_type = $1 AND resource_id = $2 AND action = $3 AND expires_at > $4`

	lock, err := scanLock(t.tx.QueryRow(ctx, query, string(key.ResourceType), key.ResourceID, key.Action, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active lock: %w", err)
	}
	return lock, nil
}

func (t *postgresActionLockTx) GetByID(ctx context.Context, id string) (*models.ActionLock, error) {
	query := `SELECT ` + actionLockColumns + ` FROM action_locks WHERE id = $1`

	lock, err := scanLock(t.tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock by ID: %w", err)
	}
	return lock, nil
}

// InsertIfAbsent relies on the unique index over (resource_type, resource_id,
// action). An expired row left behind by a concurrent transaction is taken
// over; an unexpired one is left untouched.
func (t *postgresActionLockTx) InsertIfAbsent(ctx context.Context, lock *models.ActionLock, now time.Time) error {
	query := `INSERT INTO action_locks (` + actionLockColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT (resource_type, resource_id, action) DO UPDATE
	          SET id = EXCLUDED.id,
	              admin_email = EXCLUDED.admin_email,
	              admin_name = EXCLUDED.admin_name,
	              locked_at = EXCLUDED.locked_at,
	              expires_at = EXCLUDED.expires_at
	          WHERE action_locks.expires_at <= $9`

	_, err := t.tx.Exec(ctx, query,
		lock.ID,
		string(lock.ResourceType),
		lock.ResourceID,
		lock.Action,
		lock.AdminEmail,
		lock.AdminName,
		lock.LockedAt,
		lock.ExpiresAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	return nil
}

func (t *postgresActionLockTx) UpdateExpiry(ctx context.Context, id, adminEmail string, expiresAt, now time.Time) (*models.ActionLock, error) {
	// Ownership and liveness are part of the WHERE clause so a stale holder
	// can never resurrect a lapsed lease.
	query := `UPDATE action_locks
	          SET expires_at = GREATEST(expires_at, $1)
	          WHERE id = $2 AND admin_email = $3 AND expires_at > $4
	          RETURNING ` + actionLockColumns

	lock, err := scanLock(t.tx.QueryRow(ctx, query, expiresAt, id, adminEmail, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update lock expiry: %w", err)
	}
	return lock, nil
}

func (t *postgresActionLockTx) DeleteByOwner(ctx context.Context, id, adminEmail string) (*models.ActionLock, error) {
	query := `DELETE FROM action_locks WHERE id = $1 AND admin_email = $2 RETURNING ` + actionLockColumns

	lock, err := scanLock(t.tx.QueryRow(ctx, query, id, adminEmail))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete lock: %w", err)
	}
	return lock, nil
}

func (t *postgresActionLockTx) ListActive(ctx context.Context, filter models.ResourceFilter, now time.Time) ([]*models.ActionLock, error) {
	conditions := []string{"expires_at > $1"}
	args := []any{now}

	if filter.ResourceType != "" {
		args = append(args, string(filter.ResourceType))
		conditions = append(conditions, fmt.Sprintf("resource_type = $%d", len(args)))
	}
	if filter.ResourceID != "" {
		args = append(args, filter.ResourceID)
		conditions = append(conditions, fmt.Sprintf("resource_id = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		conditions = append(conditions, fmt.Sprintf("action = $%d", len(args)))
	}

	query := `SELECT ` + actionLockColumns + `
	          FROM action_locks
	          WHERE ` + strings.Join(conditions, " AND ") + `
	          ORDER BY locked_at ASC`

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active locks: %w", err)
	}
	return collectLocks(rows)
}

func scanLock(row pgx.Row) (*models.ActionLock, error) {
	var lock models.ActionLock
	var resourceType string
	err := row.Scan(
		&lock.ID,
		&resourceType,
		&lock.ResourceID,
		&lock.Action,
		&lock.AdminEmail,
		&lock.AdminName,
		&lock.LockedAt,
		&lock.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	lock.ResourceType = models.ResourceType(resourceType)
	return &lock, nil
}

func collectLocks(rows pgx.Rows) ([]*models.ActionLock, error) {
	defer rows.Close()

	locks := []*models.ActionLock{}
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, lock)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locks: %w", err)
	}
	return locks, nil
}
