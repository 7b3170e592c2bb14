package services

import (
	"errors"
	"fmt"

	"github.com/prudhvinik1/venuelock/internal/models"
)

var (
	ErrLockConflict         = errors.New("lock held by another admin")
	ErrLockStoreUnavailable = errors.New("lock store unavailable")
	ErrInvalidLockRequest   = errors.New("invalid lock request")
	ErrLockLost             = errors.New("lock lost")
	ErrInvalidToken         = errors.New("invalid token")
)

// LockConflictError names the admin currently holding the tuple. It matches
// ErrLockConflict with errors.Is.
type LockConflictError struct {
	Holder *models.ActionLock
}

func (e *LockConflictError) Error() string {
	if e.Holder == nil {
		return "another admin is currently performing this action"
	}
	return fmt.Sprintf("%s is currently performing %q on %s %s",
		e.Holder.HolderName(), e.Holder.Action, e.Holder.ResourceType, e.Holder.ResourceID)
}

func (e *LockConflictError) Is(target error) bool {
	return target == ErrLockConflict
}
