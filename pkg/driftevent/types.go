// Package driftevent implements the DriftEvent entity: a
// detected divergence between an instance's expected and reported
// configuration, with a pluggable severity policy.
package driftevent

import (
	"time"

	"github.com/oakfield/driftctl/pkg/ids"
)

// Status is the lifecycle state of a DriftEvent.
type Status string

const (
	Detected     Status = "DETECTED"
	Acknowledged Status = "ACKNOWLEDGED"
	Resolving    Status = "RESOLVING"
	Resolved     Status = "RESOLVED"
	Ignored      Status = "IGNORED"
)

// UnresolvedStatuses are the states an event can still be resolved from,
// by an operator or by the pipeline's auto-resolution.
var UnresolvedStatuses = []Status{Detected, Acknowledged, Resolving}

// IsUnresolved reports whether s is one of UnresolvedStatuses.
func IsUnresolved(s Status) bool {
	return s == Detected || s == Acknowledged || s == Resolving
}

// Severity ranks a DriftEvent's operational impact.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ResolvedBySystem is the resolvedBy sentinel the pipeline writes when it
// auto-resolves a drift event on a heartbeat's transition back to healthy,
// as opposed to an operator resolving it by hand.
const ResolvedBySystem = "system"

// DriftEvent records a single detected config divergence for one instance.
// ExpectedHash/AppliedHash are canonical confsnapshot hashes. A RESOLVED
// event is immutable except for Notes.
type DriftEvent struct {
	ID           string
	ServiceID    ids.ServiceID
	ServiceName  string
	InstanceID   ids.InstanceID
	Environment  string
	ExpectedHash string
	AppliedHash  string
	DiffSummary  string
	Notes        string
	Severity     Severity
	Status       Status
	// TeamID is denormalized from the owning service at creation time, for
	// the authorization evaluator — rewritten in bulk by the
	// approval cascade engine whenever ownership changes.
	TeamID     *ids.TeamID
	DetectedBy string
	ResolvedBy string
	DetectedAt time.Time
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
