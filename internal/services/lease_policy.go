package services

import (
	"time"

	"github.com/prudhvinik1/venuelock/internal/models"
)

const DefaultLeaseDuration = 30 * time.Second

// LeasePolicy resolves the lease for a tuple. Overrides are keyed by
// "type:action" first, then by "type".
type LeasePolicy struct {
	Default   time.Duration
	Overrides map[string]time.Duration
}

func (p LeasePolicy) For(resourceType models.ResourceType, action string) time.Duration {
	if d, ok := p.Overrides[string(resourceType)+":"+action]; ok {
		return d
	}
	if d, ok := p.Overrides[string(resourceType)]; ok {
		return d
	}
	if p.Default <= 0 {
		return DefaultLeaseDuration
	}
	return p.Default
}
