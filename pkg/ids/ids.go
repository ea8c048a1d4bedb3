// Package ids defines the validated identity value objects shared across
// the domain packages. It has no internal dependencies.
package ids

import (
	"strings"

	"github.com/oakfield/driftctl/internal/apierr"
)

const (
	// MaxServiceIDLen is the maximum length of an ApplicationService id.
	MaxServiceIDLen = 100
	// MaxDisplayNameLen is the maximum length of an ApplicationService displayName.
	MaxDisplayNameLen = 200
)

// ServiceID identifies an ApplicationService. Non-empty, at most 100 chars.
type ServiceID string

// Validate checks the id against its length bound.
func (id ServiceID) Validate() error {
	return validateBounded("service_id", string(id), MaxServiceIDLen)
}

func (id ServiceID) String() string { return string(id) }

// InstanceID identifies a ServiceInstance, globally unique across all services.
type InstanceID string

func (id InstanceID) Validate() error {
	return validateBounded("instance_id", string(id), MaxServiceIDLen)
}

func (id InstanceID) String() string { return string(id) }

// TeamID identifies an operator team.
type TeamID string

func (id TeamID) Validate() error {
	return validateBounded("team_id", string(id), MaxServiceIDLen)
}

func (id TeamID) String() string { return string(id) }

// UserID identifies an operator user.
type UserID string

func (id UserID) Validate() error {
	return validateBounded("user_id", string(id), MaxServiceIDLen)
}

func (id UserID) String() string { return string(id) }

func validateBounded(field, value string, maxLen int) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return apierr.New(apierr.InvalidArgument, "ids.Validate", "ids.empty", field+" must not be empty")
	}
	if len(value) > maxLen {
		return apierr.New(apierr.InvalidArgument, "ids.Validate", "ids.too_long", field+" exceeds maximum length")
	}
	return nil
}
