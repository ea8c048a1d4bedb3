// Package share implements the ServiceShare entity: a grant of
// a permission set on a service (or one of its instances) to a team or user
// other than its owner.
package share

import (
	"time"

	"github.com/oakfield/driftctl/pkg/ids"
)

// Permission is a single grantable action. Share grants are restricted to
// the six view/edit/restart permissions — MANAGE_SHARES and RESOLVE_DRIFT
// are reserved to the owner bundle and can never appear
// in a ServiceShare.
type Permission string

const (
	ViewService     Permission = "VIEW_SERVICE"
	ViewInstance    Permission = "VIEW_INSTANCE"
	ViewDrift       Permission = "VIEW_DRIFT"
	EditService     Permission = "EDIT_SERVICE"
	EditInstance    Permission = "EDIT_INSTANCE"
	RestartInstance Permission = "RESTART_INSTANCE"
)

// ShareablePermissions is the full set a ServiceShare may grant.
var ShareablePermissions = map[Permission]bool{
	ViewService:     true,
	ViewInstance:    true,
	ViewDrift:       true,
	EditService:     true,
	EditInstance:    true,
	RestartInstance: true,
}

// ResourceLevel is the granularity a share applies at.
type ResourceLevel string

const (
	ResourceService  ResourceLevel = "SERVICE"
	ResourceInstance ResourceLevel = "INSTANCE"
)

// GranteeType distinguishes a team grantee from an individual user grantee.
type GranteeType string

const (
	GranteeTeam GranteeType = "TEAM"
	GranteeUser GranteeType = "USER"
)

// ServiceShare grants Permissions on a service (or one instance of it) to a
// team or user other than its owner. A nil ExpiresAt never
// expires. An empty Environments slice matches every environment.
type ServiceShare struct {
	ID            string
	ResourceLevel ResourceLevel
	ServiceID     ids.ServiceID
	InstanceID    *ids.InstanceID
	GranteeType   GranteeType
	GranteeID     string
	Permissions   []Permission
	Environments  []string
	GrantedBy     ids.UserID
	GrantedAt     time.Time
	ExpiresAt     *time.Time
	Revoked       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsActive reports whether the share currently grants access: not revoked
// and not expired as of now.
func (s ServiceShare) IsActive(now time.Time) bool {
	if s.Revoked {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return false
	}
	return true
}

// MatchesEnvironment reports whether environment satisfies the share's
// environment filter — an empty filter matches everything.
func (s ServiceShare) MatchesEnvironment(environment string) bool {
	if len(s.Environments) == 0 {
		return true
	}
	for _, e := range s.Environments {
		if e == environment {
			return true
		}
	}
	return false
}

// MatchesGrantee reports whether the share was granted to teamID or userID.
func (s ServiceShare) MatchesGrantee(teamIDs []ids.TeamID, userID ids.UserID) bool {
	switch s.GranteeType {
	case GranteeUser:
		return s.GranteeID == string(userID)
	case GranteeTeam:
		for _, t := range teamIDs {
			if s.GranteeID == string(t) {
				return true
			}
		}
	}
	return false
}

// HasPermission reports whether p is among s.Permissions.
func (s ServiceShare) HasPermission(p Permission) bool {
	for _, sp := range s.Permissions {
		if sp == p {
			return true
		}
	}
	return false
}

// SameGrant reports whether s and other target the same
// {serviceId, granteeType, granteeId, environments} tuple — the uniqueness
// key for active shares. Environments are compared as
// sets regardless of order.
func (s ServiceShare) SameGrant(other ServiceShare) bool {
	if s.ServiceID != other.ServiceID || s.GranteeType != other.GranteeType || s.GranteeID != other.GranteeID {
		return false
	}
	return sameEnvironmentSet(s.Environments, other.Environments)
}

func sameEnvironmentSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, e := range a {
		set[e] = true
	}
	for _, e := range b {
		if !set[e] {
			return false
		}
	}
	return true
}
