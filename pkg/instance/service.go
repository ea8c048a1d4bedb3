package instance

import (
	"context"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/ids"
)

// Repository is the narrow capability interface Service depends on. *Store implements it against
// Postgres; tests substitute an in-memory fake.
type Repository interface {
	FindByID(ctx context.Context, id ids.InstanceID) (ServiceInstance, error)
	FindByIDs(ctx context.Context, instanceIDs []ids.InstanceID) ([]ServiceInstance, error)
	Upsert(ctx context.Context, inst ServiceInstance) (ServiceInstance, error)
	MarkUnknown(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeAbsentBefore(ctx context.Context, cutoff time.Time) (int64, error)
	BulkUpdateTeamIDByServiceID(ctx context.Context, serviceID ids.ServiceID, newTeamID ids.TeamID) (int64, error)
	FindAll(ctx context.Context, crit criteria.Criteria) (criteria.Page[ServiceInstance], error)
}

// ServiceGuard is the subset of pkg/service.Service's API that Service needs
// to reject instance upserts for retired services, without importing the
// whole package and creating a cycle risk as both grow.
type ServiceGuard interface {
	AssertNotRetired(ctx context.Context, id ids.ServiceID) error
}

// Service encapsulates ServiceInstance business rules.
type Service struct {
	store    Repository
	services ServiceGuard
}

// NewService creates a Service backed by store, guarding against retired-
// service upserts via services.
func NewService(store Repository, services ServiceGuard) *Service {
	return &Service{store: store, services: services}
}

// HeartbeatParams carries one heartbeat's reported fields, already resolved
// to a serviceId. The heartbeat pipeline computes no hashes: ConfigHash is
// the reported value, and ExpectedHash is copied from the stored instance
// record (empty for an instance seen for the first time).
type HeartbeatParams struct {
	InstanceID   ids.InstanceID
	ServiceID    ids.ServiceID
	TeamID       *ids.TeamID
	Host         string
	Port         int
	Environment  string
	Version      string
	ExpectedHash string
	ConfigHash   string
	ReceivedAt   time.Time
}

// Transition describes the drift-state change a heartbeat produced, for the
// pipeline's persist stage to act on.
type Transition struct {
	Next       ServiceInstance
	IntoDrift  bool
	OutOfDrift bool
}

// NextState computes the target ServiceInstance for a heartbeat, given the
// prior record (nil if this is the instance's first heartbeat). It is a pure
// function: no I/O, no store access, fully unit-testable.
func NextState(prior *ServiceInstance, p HeartbeatParams) Transition {
	next := ServiceInstance{
		ID:           p.InstanceID,
		ServiceID:    p.ServiceID,
		TeamID:       p.TeamID,
		Host:         p.Host,
		Port:         p.Port,
		Environment:  p.Environment,
		Version:      p.Version,
		ExpectedHash: p.ExpectedHash,
		ConfigHash:   p.ConfigHash,
		LastSeenAt:   p.ReceivedAt,
	}

	var wasDrift bool
	if prior == nil {
		next.CreatedAt = p.ReceivedAt
		next.LastAppliedHash = p.ConfigHash
	} else {
		next.CreatedAt = prior.CreatedAt
		next.LastAppliedHash = prior.ConfigHash
		wasDrift = prior.HasDrift
	}

	next.HasDrift = ComputeHasDrift(next.ExpectedHash, next.ConfigHash)
	switch {
	case next.HasDrift:
		next.Status = Drift
	default:
		next.Status = Healthy
	}

	intoDrift := next.HasDrift && !wasDrift
	outOfDrift := wasDrift && !next.HasDrift
	if intoDrift {
		next.DriftDetectedAt = &p.ReceivedAt
	} else if prior != nil {
		next.DriftDetectedAt = prior.DriftDetectedAt
	}
	if outOfDrift {
		next.DriftDetectedAt = nil
	}

	return Transition{Next: next, IntoDrift: intoDrift, OutOfDrift: outOfDrift}
}

// ApplyHeartbeat loads the prior instance (if any) and applies the
// heartbeat. Single-report entry point; the heartbeat pipeline uses
// ApplyHeartbeatWithPrior with its bulk-loaded records instead.
func (s *Service) ApplyHeartbeat(ctx context.Context, p HeartbeatParams) (Transition, error) {
	if err := p.InstanceID.Validate(); err != nil {
		return Transition{}, err
	}
	prior, err := s.store.FindByID(ctx, p.InstanceID)
	var priorPtr *ServiceInstance
	if err == nil {
		priorPtr = &prior
	} else if !apierr.Is(err, apierr.NotFound) {
		return Transition{}, err
	}
	return s.ApplyHeartbeatWithPrior(ctx, p, priorPtr)
}

// ApplyHeartbeatWithPrior computes the next state against an
// already-loaded prior record (nil if this is the instance's first
// heartbeat), rejects heartbeats for a RETIRED service, persists the
// result, and returns the Transition so the caller can decide whether to
// record or resolve a DriftEvent. The pipeline calls this with records from
// its bulk instance loader, so a batch costs one load, not one per report.
func (s *Service) ApplyHeartbeatWithPrior(ctx context.Context, p HeartbeatParams, prior *ServiceInstance) (Transition, error) {
	if err := p.InstanceID.Validate(); err != nil {
		return Transition{}, err
	}
	if err := s.services.AssertNotRetired(ctx, p.ServiceID); err != nil {
		return Transition{}, err
	}

	if prior != nil && p.ReceivedAt.Before(prior.LastSeenAt) {
		// A later-arrived but older-timestamped heartbeat is dropped:
		// lastSeenAt is monotonic.
		return Transition{Next: *prior}, nil
	}

	transition := NextState(prior, p)
	saved, err := s.store.Upsert(ctx, transition.Next)
	if err != nil {
		return Transition{}, err
	}
	transition.Next = saved
	return transition, nil
}

// Get returns a single instance.
func (s *Service) Get(ctx context.Context, id ids.InstanceID) (ServiceInstance, error) {
	return s.store.FindByID(ctx, id)
}

// LoadMany bulk-resolves instances by ID for the heartbeat pipeline's
// instance-loader stage.
func (s *Service) LoadMany(ctx context.Context, instanceIDs []ids.InstanceID) ([]ServiceInstance, error) {
	return s.store.FindByIDs(ctx, instanceIDs)
}

// List returns instances matching crit, paginated.
func (s *Service) List(ctx context.Context, crit criteria.Criteria) (criteria.Page[ServiceInstance], error) {
	return s.store.FindAll(ctx, crit)
}

// SweepUnknown marks instances not seen within staleness as UNKNOWN,
// returning the number transitioned. Driven by the staleness sweeper on a
// fixed interval.
func (s *Service) SweepUnknown(ctx context.Context, staleness time.Duration, now time.Time) (int64, error) {
	if staleness <= 0 {
		return 0, apierr.New(apierr.InvalidArgument, "instance.SweepUnknown", "instance.bad_staleness", "staleness duration must be positive")
	}
	cutoff := now.Add(-staleness)
	return s.store.MarkUnknown(ctx, cutoff)
}

// PurgeAbsent deletes instances that have been absent longer than ttl,
// returning the number removed.
func (s *Service) PurgeAbsent(ctx context.Context, ttl time.Duration, now time.Time) (int64, error) {
	if ttl <= 0 {
		return 0, apierr.New(apierr.InvalidArgument, "instance.PurgeAbsent", "instance.bad_purge_ttl", "purge TTL must be positive")
	}
	return s.store.PurgeAbsentBefore(ctx, now.Add(-ttl))
}

// ReassignTeam rewrites the denormalized TeamID on every instance of a
// service. Used by the approval cascade engine.
func (s *Service) ReassignTeam(ctx context.Context, serviceID ids.ServiceID, newTeamID ids.TeamID) (int64, error) {
	return s.store.BulkUpdateTeamIDByServiceID(ctx, serviceID, newTeamID)
}
