package models

import (
	"fmt"
	"time"
)

type ResourceType string

const (
	ResourceBooking   ResourceType = "booking"
	ResourceEvent     ResourceType = "event"
	ResourceImage     ResourceType = "image"
	ResourceEmail     ResourceType = "email"
	ResourceDashboard ResourceType = "dashboard"
	ResourceGlobal    ResourceType = "global"
)

var resourceTypes = []ResourceType{
	ResourceBooking,
	ResourceEvent,
	ResourceImage,
	ResourceEmail,
	ResourceDashboard,
	ResourceGlobal,
}

func (t ResourceType) Valid() bool {
	for _, rt := range resourceTypes {
		if rt == t {
			return true
		}
	}
	return false
}

func ParseResourceType(s string) (ResourceType, error) {
	rt := ResourceType(s)
	if !rt.Valid() {
		return "", fmt.Errorf("unknown resource type %q", s)
	}
	return rt, nil
}

// LockKey identifies the tuple a lease is held on.
type LockKey struct {
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	Action       string       `json:"action"`
}

func (k LockKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.ResourceType, k.ResourceID, k.Action)
}

type ActionLock struct {
	ID           string       `json:"id"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	Action       string       `json:"action"`
	AdminEmail   string       `json:"admin_email"`
	AdminName    *string      `json:"admin_name,omitempty"`
	LockedAt     time.Time    `json:"locked_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

func (l *ActionLock) Key() LockKey {
	return LockKey{ResourceType: l.ResourceType, ResourceID: l.ResourceID, Action: l.Action}
}

// ActiveAt reports whether the lease is still held at now. A lease whose
// deadline equals now has already lapsed.
func (l *ActionLock) ActiveAt(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// HolderName is the display name of the holder, falling back to the email.
func (l *ActionLock) HolderName() string {
	if l.AdminName != nil && *l.AdminName != "" {
		return *l.AdminName
	}
	return l.AdminEmail
}

// LockStatus is the result of an IsLocked check.
type LockStatus struct {
	Locked    bool       `json:"locked"`
	LockedBy  string     `json:"locked_by,omitempty"`
	LockID    string     `json:"lock_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
