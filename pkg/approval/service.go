package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/telemetry"
	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/ids"
)

// Repository is the narrow capability interface Service depends on for
// ApprovalRequest and ApprovalDecision persistence.
type Repository interface {
	Create(ctx context.Context, req ApprovalRequest) (ApprovalRequest, error)
	FindByID(ctx context.Context, id string) (ApprovalRequest, error)
	FindPendingByRequesterAndService(ctx context.Context, requesterUserID ids.UserID, serviceID ids.ServiceID) (ApprovalRequest, bool, error)
	FindPendingByServiceID(ctx context.Context, serviceID ids.ServiceID, excludeID string) ([]ApprovalRequest, error)
	UpdateStatusCAS(ctx context.Context, id string, expectedVersion int64, newStatus Status, reason string) (ApprovalRequest, error)
	FindAll(ctx context.Context, crit criteria.Criteria) (criteria.Page[ApprovalRequest], error)

	CreateDecision(ctx context.Context, d ApprovalDecision) (ApprovalDecision, error)
	FindDecisionsByRequest(ctx context.Context, requestID string) ([]ApprovalDecision, error)
	HasDecision(ctx context.Context, requestID, gate string, actorUserID ids.UserID) (bool, error)
}

// ServiceGuard asserts a service exists and is eligible to receive a new
// approval request.
type ServiceGuard interface {
	AssertNotRetired(ctx context.Context, id ids.ServiceID) error
}

// OwnerReassigner updates an ApplicationService's owning team when a
// transfer is approved.
type OwnerReassigner interface {
	ReassignOwner(ctx context.Context, id ids.ServiceID, newTeamID ids.TeamID) error
}

// TeamReassigner bulk-rewrites a denormalized teamId by serviceId, the
// shape shared by the instance and drift-event cascade updates.
type TeamReassigner interface {
	ReassignTeam(ctx context.Context, serviceID ids.ServiceID, newTeamID ids.TeamID) (int64, error)
}

// DefaultMaxRetries bounds the optimistic-concurrency retry loop when the
// caller does not configure one.
const DefaultMaxRetries = 5

// Service implements the approval request state machine, evaluator, and
// cascade engine.
type Service struct {
	store       Repository
	services    ServiceGuard
	owner       OwnerReassigner
	instances   TeamReassigner
	driftEvents TeamReassigner
	maxRetries  int
}

// NewService creates a Service. maxRetries <= 0 falls back to
// DefaultMaxRetries.
func NewService(store Repository, services ServiceGuard, owner OwnerReassigner, instances, driftEvents TeamReassigner, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{
		store:       store,
		services:    services,
		owner:       owner,
		instances:   instances,
		driftEvents: driftEvents,
		maxRetries:  maxRetries,
	}
}

// CreateParams describes a new ownership-transfer request.
type CreateParams struct {
	ServiceID       ids.ServiceID
	TargetTeamID    ids.TeamID
	RequesterUserID ids.UserID
	RequesterTeamID ids.TeamID
	Required        []Gate
	Reason          string
}

// Create opens a new PENDING approval request, guarded by (a) no existing
// PENDING request for the same {requesterUserId, serviceId}, (b) required
// non-empty, (c) the service exists and is not RETIRED.
func (s *Service) Create(ctx context.Context, p CreateParams) (ApprovalRequest, error) {
	if len(p.Required) == 0 {
		return ApprovalRequest{}, apierr.New(apierr.InvalidArgument, "approval.Create", "approval.no_gates", "at least one approval gate is required")
	}
	if err := s.services.AssertNotRetired(ctx, p.ServiceID); err != nil {
		return ApprovalRequest{}, err
	}
	_, exists, err := s.store.FindPendingByRequesterAndService(ctx, p.RequesterUserID, p.ServiceID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if exists {
		return ApprovalRequest{}, apierr.New(apierr.Conflict, "approval.Create", "approval.duplicate_pending", "a pending request already exists for this requester and service")
	}

	now := time.Now().UTC()
	return s.store.Create(ctx, ApprovalRequest{
		ID:              uuid.NewString(),
		TargetServiceID: p.ServiceID,
		TargetTeamID:    p.TargetTeamID,
		RequesterUserID: p.RequesterUserID,
		RequesterTeamID: p.RequesterTeamID,
		Required:        p.Required,
		Status:          Pending,
		Reason:          p.Reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
}

// DecisionParams describes one actor's vote on one gate of one request.
type DecisionParams struct {
	RequestID   string
	Gate        string
	ActorUserID ids.UserID
	ActorTeamID ids.TeamID
	Decision    Decision
}

// SubmitDecision records one ApprovalDecision and runs the evaluator.
// Guarded by: actor has not already voted on the same
// gate; gate is part of the request's required set; the request is PENDING.
func (s *Service) SubmitDecision(ctx context.Context, p DecisionParams) (ApprovalRequest, error) {
	req, err := s.store.FindByID(ctx, p.RequestID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if req.Status != Pending {
		return ApprovalRequest{}, apierr.New(apierr.Conflict, "approval.SubmitDecision", "approval.not_pending", "request is not pending")
	}
	if _, ok := req.GateByName(p.Gate); !ok {
		return ApprovalRequest{}, apierr.New(apierr.InvalidArgument, "approval.SubmitDecision", "approval.unknown_gate", "gate is not part of this request")
	}
	voted, err := s.store.HasDecision(ctx, p.RequestID, p.Gate, p.ActorUserID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if voted {
		return ApprovalRequest{}, apierr.New(apierr.Conflict, "approval.SubmitDecision", "approval.already_voted", "actor has already voted on this gate")
	}

	if _, err := s.store.CreateDecision(ctx, ApprovalDecision{
		ID:          uuid.NewString(),
		RequestID:   p.RequestID,
		Gate:        p.Gate,
		Decision:    p.Decision,
		ActorUserID: p.ActorUserID,
		ActorTeamID: p.ActorTeamID,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return ApprovalRequest{}, err
	}

	return s.evaluate(ctx, p.RequestID)
}

// Cancel transitions a PENDING request to CANCELLED.
// Authorization — requester or a service-owner-permission actor — is
// enforced by the caller via the authorization evaluator.
func (s *Service) Cancel(ctx context.Context, requestID string) (ApprovalRequest, error) {
	req, err := s.store.FindByID(ctx, requestID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if req.Status != Pending {
		return ApprovalRequest{}, apierr.New(apierr.Conflict, "approval.Cancel", "approval.not_pending", "request is not pending")
	}
	return s.transitionWithRetry(ctx, requestID, Cancelled, "")
}

// evaluate runs the evaluator: first-REJECT-wins, else
// per-gate APPROVE threshold, invoking the cascade engine on approval.
func (s *Service) evaluate(ctx context.Context, requestID string) (ApprovalRequest, error) {
	req, err := s.store.FindByID(ctx, requestID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if req.Status != Pending {
		return req, nil
	}
	decisions, err := s.store.FindDecisionsByRequest(ctx, requestID)
	if err != nil {
		return ApprovalRequest{}, err
	}

	if rejectGate, rejected := firstReject(decisions); rejected {
		return s.transitionWithRetry(ctx, requestID, Rejected, fmt.Sprintf("Rejected by %s", rejectGate))
	}

	if !allGatesSatisfied(req.Required, decisions) {
		return req, nil
	}

	updated, err := s.transitionWithRetry(ctx, requestID, Approved, "")
	if err != nil {
		return ApprovalRequest{}, err
	}
	if err := s.cascade(ctx, updated); err != nil {
		return ApprovalRequest{}, err
	}
	return updated, nil
}

// cascade implements the on-approval cascade engine: reassigns
// the service's owning team, bulk-rewrites denormalized team ids on the
// service's instances and drift events, then rejects competing requests for
// a different target team and approves duplicate requests for the same one.
func (s *Service) cascade(ctx context.Context, approved ApprovalRequest) error {
	if err := s.owner.ReassignOwner(ctx, approved.TargetServiceID, approved.TargetTeamID); err != nil {
		return err
	}
	if _, err := s.instances.ReassignTeam(ctx, approved.TargetServiceID, approved.TargetTeamID); err != nil {
		return err
	}
	if _, err := s.driftEvents.ReassignTeam(ctx, approved.TargetServiceID, approved.TargetTeamID); err != nil {
		return err
	}

	others, err := s.store.FindPendingByServiceID(ctx, approved.TargetServiceID, approved.ID)
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.TargetTeamID != approved.TargetTeamID {
			reason := fmt.Sprintf("Ownership cascade: service now owned by %s", approved.TargetTeamID)
			if _, err := s.transitionWithRetry(ctx, other.ID, Rejected, reason); err != nil {
				return err
			}
			telemetry.ApprovalCascadeTotal.WithLabelValues("rejected").Inc()
			continue
		}
		if _, err := s.transitionWithRetry(ctx, other.ID, Approved, "Cascade approval: same target team"); err != nil {
			return err
		}
		telemetry.ApprovalCascadeTotal.WithLabelValues("approved").Inc()
	}
	return nil
}

// transitionWithRetry reads the current version and attempts the CAS
// transition, retrying up to maxRetries times on a version conflict before
// failing with Conflict. A request no longer PENDING
// (already resolved by a concurrent cascade) is returned as-is.
func (s *Service) transitionWithRetry(ctx context.Context, id string, newStatus Status, reason string) (ApprovalRequest, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		req, err := s.store.FindByID(ctx, id)
		if err != nil {
			return ApprovalRequest{}, err
		}
		if req.Status != Pending {
			return req, nil
		}
		updated, err := s.store.UpdateStatusCAS(ctx, id, req.Version, newStatus, reason)
		if err == nil {
			return updated, nil
		}
		if !apierr.Is(err, apierr.Conflict) {
			return ApprovalRequest{}, err
		}
		lastErr = err
	}
	return ApprovalRequest{}, apierr.Wrap(apierr.Conflict, "approval.transitionWithRetry", "approval.version_conflict", "too many concurrent version conflicts", lastErr)
}

// firstReject returns the gate name of the first REJECT decision found, if
// any.
func firstReject(decisions []ApprovalDecision) (string, bool) {
	for _, d := range decisions {
		if d.Decision == Reject {
			return d.Gate, true
		}
	}
	return "", false
}

// allGatesSatisfied reports whether every gate in required has at least
// MinApprovals distinct actors voting APPROVE.
func allGatesSatisfied(required []Gate, decisions []ApprovalDecision) bool {
	approvers := make(map[string]map[ids.UserID]bool, len(required))
	for _, d := range decisions {
		if d.Decision != Approve {
			continue
		}
		if approvers[d.Gate] == nil {
			approvers[d.Gate] = make(map[ids.UserID]bool)
		}
		approvers[d.Gate][d.ActorUserID] = true
	}
	for _, g := range required {
		if len(approvers[g.Name]) < g.MinApprovals {
			return false
		}
	}
	return true
}

// Get returns a single approval request.
func (s *Service) Get(ctx context.Context, id string) (ApprovalRequest, error) {
	return s.store.FindByID(ctx, id)
}

// List returns approval requests matching crit, paginated.
func (s *Service) List(ctx context.Context, crit criteria.Criteria) (criteria.Page[ApprovalRequest], error) {
	return s.store.FindAll(ctx, crit)
}
