package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prudhvinik1/venuelock/internal/models"
)

// MemoryActionLockRepository keeps action locks in process. It enforces the
// same one-row-per-tuple constraint as the Postgres unique index and
// serializes transactions, so it is only suitable for a single instance
// (DATABASE_URL=memory://) and for tests.
type MemoryActionLockRepository struct {
	mu   sync.Mutex
	rows map[models.LockKey]models.ActionLock
}

func NewMemoryActionLockRepository() *MemoryActionLockRepository {
	return &MemoryActionLockRepository{rows: make(map[models.LockKey]models.ActionLock)}
}

func (r *MemoryActionLockRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ActionLockTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Work on a copy so a failed fn leaves nothing behind.
	tx := &memoryActionLockTx{rows: make(map[models.LockKey]models.ActionLock, len(r.rows))}
	for k, v := range r.rows {
		tx.rows[k] = v
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.rows = tx.rows
	return nil
}

// Count returns the number of stored rows, expired or not.
func (r *MemoryActionLockRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type memoryActionLockTx struct {
	rows map[models.LockKey]models.ActionLock
}

func (t *memoryActionLockTx) DeleteExpired(ctx context.Context, now time.Time) ([]*models.ActionLock, error) {
	var expired []*models.ActionLock
	for k, row := range t.rows {
		if !row.ActiveAt(now) {
			lock := row
			expired = append(expired, &lock)
			delete(t.rows, k)
		}
	}
	sortLocks(expired)
	return expired, nil
}

func (t *memoryActionLockTx) GetActive(ctx context.Context, key models.LockKey, now time.Time) (*models.ActionLock, error) {
	row, ok := t.rows[key]
	if !ok || !row.ActiveAt(now) {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (t *memoryActionLockTx) GetByID(ctx context.Context, id string) (*models.ActionLock, error) {
	for _, row := range t.rows {
		if row.ID == id {
			lock := row
			return &lock, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryActionLockTx) InsertIfAbsent(ctx context.Context, lock *models.ActionLock, now time.Time) error {
	key := lock.Key()
	if row, ok := t.rows[key]; ok && row.ActiveAt(now) {
		return nil
	}
	t.rows[key] = *lock
	return nil
}

func (t *memoryActionLockTx) UpdateExpiry(ctx context.Context, id, adminEmail string, expiresAt, now time.Time) (*models.ActionLock, error) {
	for k, row := range t.rows {
		if row.ID != id || row.AdminEmail != adminEmail || !row.ActiveAt(now) {
			continue
		}
		if expiresAt.After(row.ExpiresAt) {
			row.ExpiresAt = expiresAt
		}
		t.rows[k] = row
		return &row, nil
	}
	return nil, ErrNotFound
}

func (t *memoryActionLockTx) DeleteByOwner(ctx context.Context, id, adminEmail string) (*models.ActionLock, error) {
	for k, row := range t.rows {
		if row.ID == id && row.AdminEmail == adminEmail {
			delete(t.rows, k)
			return &row, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryActionLockTx) ListActive(ctx context.Context, filter models.ResourceFilter, now time.Time) ([]*models.ActionLock, error) {
	locks := []*models.ActionLock{}
	for _, row := range t.rows {
		if !row.ActiveAt(now) || !filter.MatchesLock(&row) {
			continue
		}
		lock := row
		locks = append(locks, &lock)
	}
	sortLocks(locks)
	return locks, nil
}

func sortLocks(locks []*models.ActionLock) {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].LockedAt.Equal(locks[j].LockedAt) {
			return locks[i].ID < locks[j].ID
		}
		return locks[i].LockedAt.Before(locks[j].LockedAt)
	})
}
