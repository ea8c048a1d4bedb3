// Package approval implements the ApprovalRequest state machine:
// multi-gate approvals with duplicate prevention, and cascading
// accept/reject across competing requests for the same service.
package approval

import (
	"time"

	"github.com/oakfield/driftctl/pkg/ids"
)

// Status is the lifecycle state of an ApprovalRequest.
type Status string

const (
	Pending   Status = "PENDING"
	Approved  Status = "APPROVED"
	Rejected  Status = "REJECTED"
	Cancelled Status = "CANCELLED"
)

// Decision is a single gate vote.
type Decision string

const (
	Approve Decision = "APPROVE"
	Reject  Decision = "REJECT"
)

// Gate is a named approval checkpoint carrying a minimum APPROVE count.
type Gate struct {
	Name         string
	MinApprovals int
}

// ApprovalRequest is an ownership-transfer request moving a service to
// TargetTeamID, gated by Required. Version is the optimistic-
// concurrency field the state machine's CAS retry loop conditions writes on.
type ApprovalRequest struct {
	ID              string
	TargetServiceID ids.ServiceID
	TargetTeamID    ids.TeamID
	RequesterUserID ids.UserID
	RequesterTeamID ids.TeamID
	Required        []Gate
	Status          Status
	Reason          string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GateByName returns the gate named name from req.Required, if present.
func (r ApprovalRequest) GateByName(name string) (Gate, bool) {
	for _, g := range r.Required {
		if g.Name == name {
			return g, true
		}
	}
	return Gate{}, false
}

// ApprovalDecision is one actor's vote on one gate of one request.
// At most one decision may exist per {requestId, gate, actorUserId}.
type ApprovalDecision struct {
	ID          string
	RequestID   string
	Gate        string
	Decision    Decision
	ActorUserID ids.UserID
	ActorTeamID ids.TeamID
	CreatedAt   time.Time
}
