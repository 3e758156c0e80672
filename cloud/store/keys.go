package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceSystem  Resource = "systems"
	ResourceCommand Resource = "commands"
	ResourceProfile Resource = "profiles"
)

// OrgKey constructs a fully qualified Redis key for an org-scoped resource.
// Format: lifo4:orgs:{orgID}:{resource}:{id}
func OrgKey(orgID string, resource Resource, id string) string {
	return fmt.Sprintf("lifo4:orgs:%s:%s:%s", orgID, resource, id)
}

// OrgPrefix constructs a search pattern prefix for an org-scoped resource.
// Format: lifo4:orgs:{orgID}:{resource}:
func OrgPrefix(orgID string, resource Resource) string {
	return fmt.Sprintf("lifo4:orgs:%s:%s:", orgID, resource)
}
