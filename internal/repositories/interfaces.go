package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/prudhvinik1/venuelock/internal/models"
)

var ErrNotFound = errors.New("not found")

// ActionLockRepository is the lease store adapter: it owns no state and only
// exposes the relational store's transactional execute primitive.
type ActionLockRepository interface {
	// WithinTx runs fn in one store transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx ActionLockTx) error) error
}

// ActionLockTx is the set of statements the lock coordinator runs inside a
// transaction. now is always supplied by the caller so expiry is judged on
// the coordinator's clock.
type ActionLockTx interface {
	// DeleteExpired removes every row with expires_at <= now and returns them.
	DeleteExpired(ctx context.Context, now time.Time) ([]*models.ActionLock, error)
	// GetActive returns the unexpired row for key or ErrNotFound.
	GetActive(ctx context.Context, key models.LockKey, now time.Time) (*models.ActionLock, error)
	// GetByID returns the row with id, expired or not, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.ActionLock, error)
	// InsertIfAbsent inserts lock unless an unexpired row already exists for
	// its tuple. Losing the race is not an error; callers re-read to learn
	// who won.
	InsertIfAbsent(ctx context.Context, lock *models.ActionLock, now time.Time) error
	// UpdateExpiry moves expires_at forward on the row matching id and
	// adminEmail, only while it is unexpired. Returns ErrNotFound otherwise.
	UpdateExpiry(ctx context.Context, id, adminEmail string, expiresAt, now time.Time) (*models.ActionLock, error)
	// DeleteByOwner deletes the row matching id and adminEmail or returns
	// ErrNotFound.
	DeleteByOwner(ctx context.Context, id, adminEmail string) (*models.ActionLock, error)
	// ListActive returns unexpired rows matching filter ordered by locked_at.
	ListActive(ctx context.Context, filter models.ResourceFilter, now time.Time) ([]*models.ActionLock, error)
}

// BroadcastRepository is the shared, timestamp-ordered, TTL-bounded log used
// for cross-instance fan-out. Every method degrades to a no-op or an empty
// result when the backing store is not configured.
type BroadcastRepository interface {
	Configured() bool
	// Append adds msg to channel and trims entries older than ttl without
	// blocking the caller.
	Append(ctx context.Context, channel string, msg *models.BroadcastMessage, ttl time.Duration) error
	// AppendPrivate is Append for per-resource queues; the whole key also
	// expires after ttl of inactivity.
	AppendPrivate(ctx context.Context, channel string, msg *models.BroadcastMessage, ttl time.Duration) error
	// Fetch returns up to limit messages with timestamp > since, ascending.
	Fetch(ctx context.Context, channel string, since int64, limit int) ([]models.BroadcastMessage, error)
	// LatestTimestamp returns the newest timestamp on channel, or 0.
	LatestTimestamp(ctx context.Context, channel string) (int64, error)
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.Presence) error
	DeletePresence(ctx context.Context, subscriberID string) error
	ListPresence(ctx context.Context) ([]models.Presence, error)
}
