// Package instance implements the ServiceInstance entity: one
// running process of a service, upserted by heartbeat and swept for
// staleness.
package instance

import (
	"time"

	"github.com/oakfield/driftctl/pkg/ids"
)

// Status is the liveness/drift state of a ServiceInstance.
type Status string

const (
	Healthy   Status = "HEALTHY"
	Unhealthy Status = "UNHEALTHY"
	Drift     Status = "DRIFT"
	Unknown   Status = "UNKNOWN"
)

// ServiceInstance is one running process of a service.
// ExpectedHash is authoritative and owned by the plane; ConfigHash is the
// instance's current reported hash; LastAppliedHash is the previously
// reported hash, shifted forward on each heartbeat. TeamID is denormalized
// from the owning ApplicationService for authorization and is rewritten by
// the approval cascade whenever ownership changes.
type ServiceInstance struct {
	ID              ids.InstanceID
	ServiceID       ids.ServiceID
	TeamID          *ids.TeamID
	Host            string
	Port            int
	Environment     string
	Version         string
	ExpectedHash    string
	ConfigHash      string
	LastAppliedHash string
	Status          Status
	LastSeenAt      time.Time
	HasDrift        bool
	DriftDetectedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ComputeHasDrift reports whether both hashes are known and disagree:
// drift requires a non-empty expectedHash, a non-empty configHash, and
// expectedHash != configHash.
func ComputeHasDrift(expectedHash, configHash string) bool {
	return expectedHash != "" && configHash != "" && expectedHash != configHash
}

// IsStale reports whether an instance last seen before cutoff should be
// considered stale and transitioned to UNKNOWN.
func (i ServiceInstance) IsStale(cutoff time.Time) bool {
	return i.LastSeenAt.Before(cutoff)
}
