// Package service implements the ApplicationService entity and repository:
// the plane's record of a service, its owning team, and
// its lifecycle.
package service

import (
	"time"

	"github.com/oakfield/driftctl/pkg/ids"
)

// Lifecycle is the ApplicationService lifecycle state.
type Lifecycle string

const (
	Active     Lifecycle = "ACTIVE"
	Deprecated Lifecycle = "DEPRECATED"
	Retired    Lifecycle = "RETIRED"
)

// ApplicationService is the plane's record of a service.
// OwnerTeamID is nil for an orphan service awaiting claim.
type ApplicationService struct {
	ID           ids.ServiceID
	DisplayName  string
	OwnerTeamID  *ids.TeamID
	Environments []string
	Lifecycle    Lifecycle
	Version      int64 // optimistic concurrency
	CreatedBy    ids.UserID
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsRetired reports whether the service can no longer gain instances or shares.
func (s ApplicationService) IsRetired() bool {
	return s.Lifecycle == Retired
}
