package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prudhvinik1/venuelock/internal/repositories"
	"github.com/prudhvinik1/venuelock/internal/services"
	"github.com/prudhvinik1/venuelock/internal/stream"
)

const (
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeConflict     = "CONFLICT"
	CodeInternal     = "INTERNAL_ERROR"
	CodeUnavailable  = "SERVICE_UNAVAILABLE"
)

// AppError is the JSON error body every endpoint returns.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func Validation(message string, details map[string]any) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// toAppError maps service errors onto the HTTP taxonomy.
func toAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var conflict *services.LockConflictError
	if errors.As(err, &conflict) {
		details := map[string]any{}
		if conflict.Holder != nil {
			details["holder"] = conflict.Holder.AdminEmail
			details["holder_name"] = conflict.Holder.HolderName()
			details["lock_id"] = conflict.Holder.ID
			details["expires_at"] = conflict.Holder.ExpiresAt
		}
		return &AppError{
			Code:       CodeConflict,
			Message:    conflict.Error(),
			HTTPStatus: http.StatusConflict,
			Details:    details,
			Err:        err,
		}
	}

	switch {
	case errors.Is(err, services.ErrInvalidLockRequest), errors.Is(err, stream.ErrInvalidStream):
		return &AppError{Code: CodeValidation, Message: err.Error(), HTTPStatus: http.StatusBadRequest, Err: err}
	case errors.Is(err, repositories.ErrNotFound):
		return NotFound("lock")
	case errors.Is(err, services.ErrLockStoreUnavailable):
		return &AppError{
			Code:       CodeUnavailable,
			Message:    "lock store is temporarily unavailable",
			HTTPStatus: http.StatusServiceUnavailable,
			Err:        err,
		}
	case errors.Is(err, stream.ErrCapacityExceeded), errors.Is(err, stream.ErrManagerClosed):
		return &AppError{Code: CodeUnavailable, Message: err.Error(), HTTPStatus: http.StatusServiceUnavailable, Err: err}
	}
	return Internal("an unexpected error occurred", err)
}

func writeError(w http.ResponseWriter, err error) {
	appErr := toAppError(err)
	writeJSON(w, appErr.HTTPStatus, appErr)
}

type SuccessResponse struct {
	Data any `json:"data"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, SuccessResponse{Data: data})
}
