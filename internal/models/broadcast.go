package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types carried on broadcast channels and push streams.
const (
	EventLockAcquired = "lock:acquired"
	EventLockReleased = "lock:released"
	EventLockExpired  = "lock:expired"
	EventLockExtended = "lock:extended"

	EventResourceCreated = "resource:created"
	EventResourceUpdated = "resource:updated"
	EventResourceDeleted = "resource:deleted"

	EventStatsChanged = "stats:changed"

	EventLocksInitial  = "locks:initial"
	EventEventsInitial = "events:initial"
	EventHeartbeat     = "heartbeat"
	EventError         = "error"
)

// Shared channel names. Per-resource private queues use ResourceChannel.
const (
	ChannelLocks  = "admin:locks"
	ChannelEvents = "admin:events"
)

func ResourceChannel(resourceType ResourceType, resourceID string) string {
	return fmt.Sprintf("resource:%s:%s", resourceType, resourceID)
}

// BroadcastMessage is one entry of a broadcast channel. Timestamp (unix ms)
// orders entries and is not unique; ID is.
type BroadcastMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func NewBroadcastMessage(msgType string, data any, now time.Time) (*BroadcastMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	ts := now.UnixMilli()
	return &BroadcastMessage{
		ID:        fmt.Sprintf("%d-%s", ts, strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
		Type:      msgType,
		Data:      raw,
		Timestamp: ts,
	}, nil
}

// EventTarget is the addressing header every event payload carries.
type EventTarget struct {
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Action       string       `json:"action,omitempty"`
}

// Target decodes the addressing header from the message payload. Payloads
// without one (stats) yield a zero target.
func (m *BroadcastMessage) Target() EventTarget {
	var t EventTarget
	if len(m.Data) == 0 {
		return t
	}
	_ = json.Unmarshal(m.Data, &t)
	return t
}

// LockEvent is the payload of lock:* events.
type LockEvent struct {
	LockID       string       `json:"lock_id"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	Action       string       `json:"action"`
	AdminEmail   string       `json:"admin_email"`
	AdminName    *string      `json:"admin_name,omitempty"`
	LockedAt     time.Time    `json:"locked_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

func NewLockEvent(l *ActionLock) LockEvent {
	return LockEvent{
		LockID:       l.ID,
		ResourceType: l.ResourceType,
		ResourceID:   l.ResourceID,
		Action:       l.Action,
		AdminEmail:   l.AdminEmail,
		AdminName:    l.AdminName,
		LockedAt:     l.LockedAt,
		ExpiresAt:    l.ExpiresAt,
	}
}

// ResourceChange is the payload of resource:* events published by the CRUD
// layer after its own commit.
type ResourceChange struct {
	ResourceType ResourceType    `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Action       string          `json:"action,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Snapshot is the payload of the *:initial events sent on registration.
type Snapshot struct {
	Locks     []*ActionLock `json:"locks"`
	Timestamp int64         `json:"timestamp"`
}
