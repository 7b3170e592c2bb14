package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prudhvinik1/venuelock/internal/models"
)

type EventPublisher interface {
	PublishResourceEvent(ctx context.Context, eventType string, ev models.ResourceChange) string
	PublishStatsChanged(ctx context.Context, data any) string
}

// EventHandler is the post-commit hook the CRUD layer calls to announce
// its changes.
type EventHandler struct {
	publisher EventPublisher
}

func NewEventHandler(publisher EventPublisher) *EventHandler {
	return &EventHandler{publisher: publisher}
}

type resourceEventRequest struct {
	Type         string          `json:"type" validate:"required,oneof=created updated deleted"`
	ResourceType string          `json:"resource_type" validate:"required,oneof=booking event image email dashboard global"`
	ResourceID   string          `json:"resource_id" validate:"required,max=255"`
	Action       string          `json:"action" validate:"omitempty,max=100"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type statsRequest struct {
	Data json.RawMessage `json:"data" validate:"required"`
}

type publishResponse struct {
	MessageID string `json:"message_id,omitempty"`
	Shared    bool   `json:"shared"`
}

var resourceEventTypes = map[string]string{
	"created": models.EventResourceCreated,
	"updated": models.EventResourceUpdated,
	"deleted": models.EventResourceDeleted,
}

// PublishResourceEvent handles POST /events.
func (h *EventHandler) PublishResourceEvent(w http.ResponseWriter, r *http.Request) {
	var req resourceEventRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	id := h.publisher.PublishResourceEvent(r.Context(), resourceEventTypes[req.Type], models.ResourceChange{
		ResourceType: models.ResourceType(req.ResourceType),
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Data:         req.Data,
	})
	writeSuccess(w, http.StatusAccepted, publishResponse{MessageID: id, Shared: id != ""})
}

// PublishStats handles POST /stats.
func (h *EventHandler) PublishStats(w http.ResponseWriter, r *http.Request) {
	var req statsRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	id := h.publisher.PublishStatsChanged(r.Context(), req.Data)
	writeSuccess(w, http.StatusAccepted, publishResponse{MessageID: id, Shared: id != ""})
}
