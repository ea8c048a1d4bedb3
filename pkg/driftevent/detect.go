package driftevent

import (
	"context"
	"fmt"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/telemetry"
	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/ids"
)

// Repository is the narrow capability interface Service depends on.
type Repository interface {
	Create(ctx context.Context, e DriftEvent) (DriftEvent, error)
	FindUnresolvedByInstance(ctx context.Context, instanceID ids.InstanceID) ([]DriftEvent, error)
	ResolveMany(ctx context.Context, ids []string, resolvedBy string, resolvedAt time.Time) (int64, error)
	UpdateStatus(ctx context.Context, id string, from []Status, to Status) (DriftEvent, error)
	SetNotes(ctx context.Context, id string, notes string) error
	FindByID(ctx context.Context, id string) (DriftEvent, error)
	FindAll(ctx context.Context, crit criteria.Criteria) (criteria.Page[DriftEvent], error)
	BulkUpdateTeamIDByServiceID(ctx context.Context, serviceID ids.ServiceID, newTeamID ids.TeamID) (int64, error)
}

// Service encapsulates DriftEvent detection and resolution rules.
type Service struct {
	store  Repository
	policy SeverityPolicy
}

// NewService creates a Service backed by store, classifying severity with
// policy.
func NewService(store Repository, policy SeverityPolicy) *Service {
	return &Service{store: store, policy: policy}
}

// RecordParams describes a heartbeat's transition into drift.
type RecordParams struct {
	ServiceID    ids.ServiceID
	ServiceName  string
	InstanceID   ids.InstanceID
	Environment  string
	ExpectedHash string
	AppliedHash  string
	DetectedBy   string
	DetectedAt   time.Time
	TeamID       *ids.TeamID
}

// RecordTransitionIntoDrift creates a new drift event at the
// policy-assigned severity for a heartbeat that just transitioned an
// instance into drift.
func (s *Service) RecordTransitionIntoDrift(ctx context.Context, p RecordParams) (DriftEvent, error) {
	severity := s.policy.Classify(p.Environment)
	created, err := s.store.Create(ctx, DriftEvent{
		ServiceID:    p.ServiceID,
		ServiceName:  p.ServiceName,
		InstanceID:   p.InstanceID,
		Environment:  p.Environment,
		ExpectedHash: p.ExpectedHash,
		AppliedHash:  p.AppliedHash,
		DiffSummary:  fmt.Sprintf("expected %s, applied %s", p.ExpectedHash, p.AppliedHash),
		Severity:     severity,
		DetectedBy:   p.DetectedBy,
		DetectedAt:   p.DetectedAt,
		TeamID:       p.TeamID,
	})
	if err != nil {
		return DriftEvent{}, err
	}
	telemetry.DriftEventsDetectedTotal.WithLabelValues(string(severity)).Inc()
	return created, nil
}

// ReassignTeam rewrites the denormalized team id on every drift event of a
// service, used by the approval cascade engine when service ownership
// changes.
func (s *Service) ReassignTeam(ctx context.Context, serviceID ids.ServiceID, newTeamID ids.TeamID) (int64, error) {
	return s.store.BulkUpdateTeamIDByServiceID(ctx, serviceID, newTeamID)
}

// ResolveTransitionOutOfDrift marks every unresolved event for instanceID as
// RESOLVED with resolvedBy = "system".
func (s *Service) ResolveTransitionOutOfDrift(ctx context.Context, instanceID ids.InstanceID, resolvedAt time.Time) (int64, error) {
	open, err := s.store.FindUnresolvedByInstance(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}
	eventIDs := make([]string, len(open))
	for i, e := range open {
		eventIDs[i] = e.ID
	}
	n, err := s.store.ResolveMany(ctx, eventIDs, ResolvedBySystem, resolvedAt)
	if err != nil {
		return 0, err
	}
	telemetry.DriftEventsResolvedTotal.Add(float64(n))
	return n, nil
}

// Acknowledge transitions a DETECTED event to ACKNOWLEDGED.
func (s *Service) Acknowledge(ctx context.Context, id string) (DriftEvent, error) {
	return s.store.UpdateStatus(ctx, id, []Status{Detected}, Acknowledged)
}

// StartResolving transitions a DETECTED or ACKNOWLEDGED event to RESOLVING.
func (s *Service) StartResolving(ctx context.Context, id string) (DriftEvent, error) {
	return s.store.UpdateStatus(ctx, id, []Status{Detected, Acknowledged}, Resolving)
}

// Ignore transitions a DETECTED or ACKNOWLEDGED event to IGNORED.
func (s *Service) Ignore(ctx context.Context, id string) (DriftEvent, error) {
	return s.store.UpdateStatus(ctx, id, []Status{Detected, Acknowledged}, Ignored)
}

// Resolve marks one event RESOLVED on behalf of an operator. resolvedBy must
// name the actor; a RESOLVED or IGNORED event yields Conflict.
func (s *Service) Resolve(ctx context.Context, id string, resolvedBy string, resolvedAt time.Time) (DriftEvent, error) {
	if resolvedBy == "" {
		return DriftEvent{}, apierr.New(apierr.InvalidArgument, "driftevent.Resolve", "driftevent.missing_resolved_by", "resolvedBy is required")
	}
	n, err := s.store.ResolveMany(ctx, []string{id}, resolvedBy, resolvedAt)
	if err != nil {
		return DriftEvent{}, err
	}
	if n == 0 {
		return DriftEvent{}, apierr.New(apierr.Conflict, "driftevent.Resolve", "driftevent.bad_transition", "event is not in a resolvable state")
	}
	return s.store.FindByID(ctx, id)
}

// SetNotes replaces an event's notes, the one field that stays mutable
// after resolution.
func (s *Service) SetNotes(ctx context.Context, id string, notes string) error {
	return s.store.SetNotes(ctx, id, notes)
}

// Get returns a single drift event.
func (s *Service) Get(ctx context.Context, id string) (DriftEvent, error) {
	return s.store.FindByID(ctx, id)
}

// List returns drift events matching crit, paginated.
func (s *Service) List(ctx context.Context, crit criteria.Criteria) (criteria.Page[DriftEvent], error) {
	return s.store.FindAll(ctx, crit)
}
