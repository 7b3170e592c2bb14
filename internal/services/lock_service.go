package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/venuelock/internal/metrics"
	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/prudhvinik1/venuelock/internal/repositories"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultSweepInterval     = 60 * time.Second

	releaseTimeout = 5 * time.Second
)

var tracer = otel.Tracer("github.com/prudhvinik1/venuelock/internal/services")

// LockEventPublisher receives lock state changes after they commit.
type LockEventPublisher interface {
	PublishLockEvent(ctx context.Context, eventType string, lock *models.ActionLock) string
}

type LockServiceConfig struct {
	Lease             LeasePolicy
	KeepAliveInterval time.Duration
}

// LockService is the lock coordinator. It holds no lock state of its own;
// every decision is made inside one store transaction and every event is
// published only after that transaction commits.
type LockService struct {
	repo      repositories.ActionLockRepository
	publisher LockEventPublisher
	lease     LeasePolicy
	keepAlive time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

type AcquireRequest struct {
	ResourceType models.ResourceType
	ResourceID   string
	Action       string
	AdminEmail   string
	AdminName    *string
}

func (r AcquireRequest) Key() models.LockKey {
	return models.LockKey{ResourceType: r.ResourceType, ResourceID: r.ResourceID, Action: r.Action}
}

type lockEvent struct {
	eventType string
	lock      *models.ActionLock
}

func NewLockService(
	repo repositories.ActionLockRepository,
	publisher LockEventPublisher,
	cfg LockServiceConfig,
	log zerolog.Logger,
) *LockService {
	keepAlive := cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}
	return &LockService{
		repo:      repo,
		publisher: publisher,
		lease:     cfg.Lease,
		keepAlive: keepAlive,
		log:       log.With().Str("component", "lock_service").Logger(),
		now:       time.Now,
	}
}

// Acquire takes the lease on the request's tuple. Re-acquiring a lease the
// admin already holds extends it and returns the same lock. A lease held by
// someone else yields a *LockConflictError and mutates nothing.
func (s *LockService) Acquire(ctx context.Context, req AcquireRequest) (*models.ActionLock, error) {
	if err := validateAcquire(req); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "LockService.Acquire", trace.WithAttributes(
		attribute.String("lock.key", req.Key().String()),
		attribute.String("lock.admin", req.AdminEmail),
	))
	defer span.End()

	start := time.Now()
	lease := s.lease.For(req.ResourceType, req.Action)
	key := req.Key()

	var (
		result  *models.ActionLock
		outcome string
		pending []lockEvent
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx repositories.ActionLockTx) error {
		pending = pending[:0]
		now := s.now()

		expired, err := tx.DeleteExpired(ctx, now)
		if err != nil {
			return err
		}
		for _, lock := range expired {
			pending = append(pending, lockEvent{models.EventLockExpired, lock})
		}

		current, err := tx.GetActive(ctx, key, now)
		switch {
		case err == nil && current.AdminEmail == req.AdminEmail:
			renewed, err := tx.UpdateExpiry(ctx, current.ID, req.AdminEmail, now.Add(lease), now)
			if err != nil {
				return err
			}
			pending = append(pending, lockEvent{models.EventLockExtended, renewed})
			result, outcome = renewed, metrics.OutcomeRenewed
			return nil
		case err == nil:
			return &LockConflictError{Holder: current}
		case !errors.Is(err, repositories.ErrNotFound):
			return err
		}

		candidate := &models.ActionLock{
			ID:           uuid.NewString(),
			ResourceType: req.ResourceType,
			ResourceID:   req.ResourceID,
			Action:       req.Action,
			AdminEmail:   req.AdminEmail,
			AdminName:    req.AdminName,
			LockedAt:     now,
			ExpiresAt:    now.Add(lease),
		}
		if err := tx.InsertIfAbsent(ctx, candidate, now); err != nil {
			return err
		}

		// The unique index decided the race; whatever row is there now won.
		winner, err := tx.GetActive(ctx, key, now)
		if err != nil {
			return err
		}
		if winner.AdminEmail != req.AdminEmail {
			return &LockConflictError{Holder: winner}
		}
		if winner.ID == candidate.ID {
			pending = append(pending, lockEvent{models.EventLockAcquired, winner})
			outcome = metrics.OutcomeAcquired
		} else {
			outcome = metrics.OutcomeRenewed
		}
		result = winner
		return nil
	})
	metrics.AcquireDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		var conflict *LockConflictError
		if errors.As(err, &conflict) {
			metrics.LockOperations.WithLabelValues("acquire", metrics.OutcomeConflict).Inc()
			s.log.Debug().
				Str("key", key.String()).
				Str("admin", req.AdminEmail).
				Str("holder", conflict.Holder.AdminEmail).
				Msg("lock conflict")
			return nil, err
		}
		span.RecordError(err)
		metrics.LockOperations.WithLabelValues("acquire", metrics.OutcomeError).Inc()
		return nil, storeError("acquire", err)
	}

	metrics.LockOperations.WithLabelValues("acquire", outcome).Inc()
	s.log.Debug().
		Str("key", key.String()).
		Str("lock_id", result.ID).
		Str("admin", req.AdminEmail).
		Time("expires_at", result.ExpiresAt).
		Str("outcome", outcome).
		Msg("lock acquired")

	s.publish(ctx, pending)
	return result, nil
}

// Release deletes the lock if adminEmail holds it. It reports false when
// the lock is gone or belongs to someone else.
func (s *LockService) Release(ctx context.Context, lockID, adminEmail string) (bool, error) {
	ctx, span := tracer.Start(ctx, "LockService.Release", trace.WithAttributes(
		attribute.String("lock.id", lockID),
	))
	defer span.End()

	var released *models.ActionLock
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx repositories.ActionLockTx) error {
		lock, err := tx.DeleteByOwner(ctx, lockID, adminEmail)
		if err != nil {
			return err
		}
		released = lock
		return nil
	})
	if errors.Is(err, repositories.ErrNotFound) {
		metrics.LockOperations.WithLabelValues("release", metrics.OutcomeMissing).Inc()
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		metrics.LockOperations.WithLabelValues("release", metrics.OutcomeError).Inc()
		return false, storeError("release", err)
	}

	metrics.LockOperations.WithLabelValues("release", metrics.OutcomeOK).Inc()
	s.publish(ctx, []lockEvent{{models.EventLockReleased, released}})
	return true, nil
}

// Extend pushes the deadline of an unexpired lock held by adminEmail to
// now plus its lease. The deadline never moves backwards.
func (s *LockService) Extend(ctx context.Context, lockID, adminEmail string) (bool, error) {
	lock, err := s.ExtendLock(ctx, lockID, adminEmail)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return lock != nil, nil
}

// ExtendLock is Extend returning the updated lock, or ErrNotFound when the
// lock is missing, expired, or held by someone else.
func (s *LockService) ExtendLock(ctx context.Context, lockID, adminEmail string) (*models.ActionLock, error) {
	ctx, span := tracer.Start(ctx, "LockService.Extend", trace.WithAttributes(
		attribute.String("lock.id", lockID),
	))
	defer span.End()

	var extended *models.ActionLock
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx repositories.ActionLockTx) error {
		now := s.now()
		current, err := tx.GetByID(ctx, lockID)
		if err != nil {
			return err
		}
		if current.AdminEmail != adminEmail || !current.ActiveAt(now) {
			return repositories.ErrNotFound
		}
		lease := s.lease.For(current.ResourceType, current.Action)
		extended, err = tx.UpdateExpiry(ctx, lockID, adminEmail, now.Add(lease), now)
		return err
	})
	if errors.Is(err, repositories.ErrNotFound) {
		metrics.LockOperations.WithLabelValues("extend", metrics.OutcomeMissing).Inc()
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		metrics.LockOperations.WithLabelValues("extend", metrics.OutcomeError).Inc()
		return nil, storeError("extend", err)
	}

	metrics.LockOperations.WithLabelValues("extend", metrics.OutcomeOK).Inc()
	s.publish(ctx, []lockEvent{{models.EventLockExtended, extended}})
	return extended, nil
}

func (s *LockService) IsLocked(ctx context.Context, key models.LockKey) (*models.LockStatus, error) {
	var status models.LockStatus
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx repositories.ActionLockTx) error {
		lock, err := tx.GetActive(ctx, key, s.now())
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		expiresAt := lock.ExpiresAt
		status = models.LockStatus{
			Locked:    true,
			LockedBy:  lock.HolderName(),
			LockID:    lock.ID,
			ExpiresAt: &expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, storeError("status", err)
	}
	return &status, nil
}

func (s *LockService) ListActive(ctx context.Context, filter models.ResourceFilter) ([]*models.ActionLock, error) {
	var locks []*models.ActionLock
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx repositories.ActionLockTx) error {
		var err error
		locks, err = tx.ListActive(ctx, filter, s.now())
		return err
	})
	if err != nil {
		return nil, storeError("list", err)
	}
	if locks == nil {
		locks = []*models.ActionLock{}
	}
	return locks, nil
}

// SweepExpired deletes every lapsed lease and announces each one.
func (s *LockService) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "LockService.SweepExpired")
	defer span.End()

	var expired []*models.ActionLock
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx repositories.ActionLockTx) error {
		var err error
		expired, err = tx.DeleteExpired(ctx, s.now())
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, storeError("sweep", err)
	}

	events := make([]lockEvent, len(expired))
	for i, lock := range expired {
		events[i] = lockEvent{models.EventLockExpired, lock}
	}
	metrics.SweptLocks.Add(float64(len(expired)))
	s.publish(ctx, events)
	return len(expired), nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *LockService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error().Err(err).Msg("lock sweep failed")
				}
				continue
			}
			if n > 0 {
				s.log.Info().Int("count", n).Msg("swept expired locks")
			}
		}
	}
}

// NewKeeper returns a keeper that extends lock every keep-alive interval.
func (s *LockService) NewKeeper(lock *models.ActionLock) *LockKeeper {
	return NewLockKeeper(s, lock.ID, lock.AdminEmail, s.keepAlive, s.log)
}

// WithLock runs fn while holding the lease on req's tuple. The lease is
// kept alive for as long as fn runs and released on every exit path. If the
// lease is lost, fn's context is cancelled with ErrLockLost.
func (s *LockService) WithLock(ctx context.Context, req AcquireRequest, fn func(ctx context.Context, lock *models.ActionLock) error) error {
	lock, err := s.Acquire(ctx, req)
	if err != nil {
		return err
	}

	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	keeper := s.NewKeeper(lock)
	keeper.OnLost(func() { cancel(ErrLockLost) })
	keeper.Start(workCtx)

	defer func() {
		keeper.Stop()

		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer relCancel()
		if _, err := s.Release(relCtx, lock.ID, lock.AdminEmail); err != nil {
			s.log.Warn().Err(err).Str("lock_id", lock.ID).Msg("failed to release lock")
		}
	}()

	return fn(workCtx, lock)
}

func (s *LockService) publish(ctx context.Context, events []lockEvent) {
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		s.publisher.PublishLockEvent(ctx, ev.eventType, ev.lock)
	}
}

func validateAcquire(req AcquireRequest) error {
	var problems []string
	if !req.ResourceType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown resource type %q", req.ResourceType))
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		problems = append(problems, "resource id is required")
	}
	if strings.TrimSpace(req.Action) == "" {
		problems = append(problems, "action is required")
	}
	if strings.TrimSpace(req.AdminEmail) == "" {
		problems = append(problems, "admin email is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidLockRequest, strings.Join(problems, "; "))
	}
	return nil
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLockStoreUnavailable, op, err)
}
