package models

import (
	"time"
)

// Presence records an admin watching a push stream on some instance.
type Presence struct {
	SubscriberID string       `json:"subscriber_id"`
	InstanceID   string       `json:"instance_id"`
	AdminEmail   string       `json:"admin_email"`
	AdminName    *string      `json:"admin_name,omitempty"`
	Stream       string       `json:"stream"`
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Status       string       `json:"status"`
	LastSeen     time.Time    `json:"last_seen"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)
