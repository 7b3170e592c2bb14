package models

// ResourceFilter narrows lock listings and stream subscriptions. Empty fields
// match everything.
type ResourceFilter struct {
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Action       string       `json:"action,omitempty"`
}

func (f ResourceFilter) Matches(resourceType ResourceType, resourceID, action string) bool {
	if f.ResourceType != "" && f.ResourceType != resourceType {
		return false
	}
	if f.ResourceID != "" && f.ResourceID != resourceID {
		return false
	}
	if f.Action != "" && f.Action != action {
		return false
	}
	return true
}

func (f ResourceFilter) MatchesLock(l *ActionLock) bool {
	return f.Matches(l.ResourceType, l.ResourceID, l.Action)
}

func (f ResourceFilter) IsZero() bool {
	return f == ResourceFilter{}
}
