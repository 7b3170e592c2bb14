package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prudhvinik1/venuelock/internal/middleware"
	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/prudhvinik1/venuelock/internal/services"
	"github.com/rs/zerolog"
)

type LockService interface {
	Acquire(ctx context.Context, req services.AcquireRequest) (*models.ActionLock, error)
	Release(ctx context.Context, lockID, adminEmail string) (bool, error)
	ExtendLock(ctx context.Context, lockID, adminEmail string) (*models.ActionLock, error)
	IsLocked(ctx context.Context, key models.LockKey) (*models.LockStatus, error)
	ListActive(ctx context.Context, filter models.ResourceFilter) ([]*models.ActionLock, error)
	SweepExpired(ctx context.Context) (int, error)
}

type LockHandler struct {
	locks LockService
	log   zerolog.Logger
}

func NewLockHandler(locks LockService, log zerolog.Logger) *LockHandler {
	return &LockHandler{locks: locks, log: log.With().Str("component", "lock_handler").Logger()}
}

type acquireLockRequest struct {
	ResourceType string `json:"resource_type" validate:"required,oneof=booking event image email dashboard global"`
	ResourceID   string `json:"resource_id" validate:"required,max=255"`
	Action       string `json:"action" validate:"required,max=100"`
}

type lockQuery struct {
	ResourceType string `json:"resource_type" validate:"omitempty,oneof=booking event image email dashboard global"`
	ResourceID   string `json:"resource_id" validate:"omitempty,max=255"`
	Action       string `json:"action" validate:"omitempty,max=100"`
}

type lockStatusQuery struct {
	ResourceType string `json:"resource_type" validate:"required,oneof=booking event image email dashboard global"`
	ResourceID   string `json:"resource_id" validate:"required,max=255"`
	Action       string `json:"action" validate:"required,max=100"`
}

// AcquireLock handles POST /locks.
func (h *LockHandler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	admin := mustAdmin(r)

	var req acquireLockRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	lock, err := h.locks.Acquire(r.Context(), services.AcquireRequest{
		ResourceType: models.ResourceType(req.ResourceType),
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		AdminEmail:   admin.Email,
		AdminName:    admin.NamePtr(),
	})
	if err != nil {
		h.logFailure(err, "acquire")
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, lock)
}

// ReleaseLock handles DELETE /locks/{lockID}.
func (h *LockHandler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	admin := mustAdmin(r)

	released, err := h.locks.Release(r.Context(), chi.URLParam(r, "lockID"), admin.Email)
	if err != nil {
		h.logFailure(err, "release")
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"released": released})
}

// ExtendLock handles POST /locks/{lockID}/extend.
func (h *LockHandler) ExtendLock(w http.ResponseWriter, r *http.Request) {
	admin := mustAdmin(r)

	lock, err := h.locks.ExtendLock(r.Context(), chi.URLParam(r, "lockID"), admin.Email)
	if err != nil {
		if toAppError(err).Code == CodeNotFound {
			writeSuccess(w, http.StatusOK, map[string]any{"extended": false})
			return
		}
		h.logFailure(err, "extend")
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"extended": true, "lock": lock})
}

// LockStatus handles GET /locks/status.
func (h *LockHandler) LockStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := lockStatusQuery{
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Action:       q.Get("action"),
	}
	if err := validateStruct(&query); err != nil {
		writeError(w, err)
		return
	}

	status, err := h.locks.IsLocked(r.Context(), models.LockKey{
		ResourceType: models.ResourceType(query.ResourceType),
		ResourceID:   query.ResourceID,
		Action:       query.Action,
	})
	if err != nil {
		h.logFailure(err, "status")
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, status)
}

// ListLocks handles GET /locks. It doubles as the polling fallback for
// clients that cannot hold a stream open.
func (h *LockHandler) ListLocks(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	locks, err := h.locks.ListActive(r.Context(), filter)
	if err != nil {
		h.logFailure(err, "list")
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, locks)
}

// SweepLocks handles POST /locks/sweep.
func (h *LockHandler) SweepLocks(w http.ResponseWriter, r *http.Request) {
	n, err := h.locks.SweepExpired(r.Context())
	if err != nil {
		h.logFailure(err, "sweep")
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]int{"swept": n})
}

func (h *LockHandler) logFailure(err error, op string) {
	appErr := toAppError(err)
	if appErr.HTTPStatus < http.StatusInternalServerError {
		return
	}
	h.log.Error().Err(err).Str("op", op).Msg("lock operation failed")
}

func filterFromQuery(r *http.Request) (models.ResourceFilter, error) {
	q := r.URL.Query()
	query := lockQuery{
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Action:       q.Get("action"),
	}
	if err := validateStruct(&query); err != nil {
		return models.ResourceFilter{}, err
	}
	return models.ResourceFilter{
		ResourceType: models.ResourceType(query.ResourceType),
		ResourceID:   query.ResourceID,
		Action:       query.Action,
	}, nil
}

// mustAdmin returns the identity placed by the authentication middleware.
// Routes using it are only mounted behind that middleware.
func mustAdmin(r *http.Request) *services.AdminIdentity {
	admin, ok := middleware.AdminFromContext(r.Context())
	if !ok {
		panic("handlers: route mounted without authentication")
	}
	return admin
}
