package share

import (
	"context"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/pkg/ids"
)

// Repository is the narrow capability interface Service depends on.
type Repository interface {
	FindActiveByServiceID(ctx context.Context, serviceID ids.ServiceID, now time.Time) ([]ServiceShare, error)
	FindActiveByGrantee(ctx context.Context, granteeType GranteeType, granteeID string, now time.Time) ([]ServiceShare, error)
	Create(ctx context.Context, sh ServiceShare) (ServiceShare, error)
	Revoke(ctx context.Context, id string) error
	RevokeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ServiceGuard is the subset of pkg/service.Service's API Service needs to
// reject shares on a retired service.
type ServiceGuard interface {
	AssertNotRetired(ctx context.Context, id ids.ServiceID) error
}

// Service encapsulates ServiceShare business rules.
type Service struct {
	store    Repository
	services ServiceGuard
	now      func() time.Time
}

// NewService creates a Service backed by store, guarding against shares on
// retired services.
func NewService(store Repository, services ServiceGuard) *Service {
	return &Service{store: store, services: services, now: time.Now}
}

// GrantParams describes a new share.
type GrantParams struct {
	ResourceLevel ResourceLevel
	ServiceID     ids.ServiceID
	InstanceID    *ids.InstanceID
	GranteeType   GranteeType
	GranteeID     string
	Permissions   []Permission
	Environments  []string
	GrantedBy     ids.UserID
	ExpiresAt     *time.Time
}

// Grant creates a new active share, rejecting the request if an active
// share already exists for the same {serviceId, granteeType, granteeId,
// environments} tuple, if any permission requested is
// not shareable (MANAGE_SHARES/RESOLVE_DRIFT are owner-only), or if the
// service is RETIRED.
func (s *Service) Grant(ctx context.Context, p GrantParams) (ServiceShare, error) {
	if len(p.Permissions) == 0 {
		return ServiceShare{}, apierr.New(apierr.InvalidArgument, "share.Grant", "share.no_permissions", "a share must grant at least one permission")
	}
	for _, perm := range p.Permissions {
		if !ShareablePermissions[perm] {
			return ServiceShare{}, apierr.New(apierr.InvalidArgument, "share.Grant", "share.unshareable_permission", "permission "+string(perm)+" cannot be granted via a share")
		}
	}

	if err := s.services.AssertNotRetired(ctx, p.ServiceID); err != nil {
		return ServiceShare{}, err
	}

	now := s.now()
	candidate := ServiceShare{
		ResourceLevel: p.ResourceLevel,
		ServiceID:     p.ServiceID,
		InstanceID:    p.InstanceID,
		GranteeType:   p.GranteeType,
		GranteeID:     p.GranteeID,
		Permissions:   p.Permissions,
		Environments:  p.Environments,
		GrantedBy:     p.GrantedBy,
		GrantedAt:     now,
		ExpiresAt:     p.ExpiresAt,
	}

	active, err := s.store.FindActiveByServiceID(ctx, p.ServiceID, now)
	if err != nil {
		return ServiceShare{}, err
	}
	for _, existing := range active {
		if existing.SameGrant(candidate) {
			return ServiceShare{}, apierr.New(apierr.Conflict, "share.Grant", "share.already_active", "an active share already exists for this service, grantee, and environment set")
		}
	}

	return s.store.Create(ctx, candidate)
}

// Revoke invalidates an active share.
func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.store.Revoke(ctx, id)
}

// ActiveForService returns all currently active shares for a service, used
// by the authorization evaluator's share-union step.
func (s *Service) ActiveForService(ctx context.Context, serviceID ids.ServiceID) ([]ServiceShare, error) {
	return s.store.FindActiveByServiceID(ctx, serviceID, s.now())
}

// ActiveForTeam returns all currently active shares granted to a team.
func (s *Service) ActiveForTeam(ctx context.Context, teamID ids.TeamID) ([]ServiceShare, error) {
	return s.store.FindActiveByGrantee(ctx, GranteeTeam, string(teamID), s.now())
}

// ActiveForUser returns all currently active shares granted directly to a
// user.
func (s *Service) ActiveForUser(ctx context.Context, userID ids.UserID) ([]ServiceShare, error) {
	return s.store.FindActiveByGrantee(ctx, GranteeUser, string(userID), s.now())
}

// SweepExpired revokes every share whose expiresAt has passed, returning the
// number transitioned. Driven by the expired-share sweeper on a fixed
// interval.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.store.RevokeExpired(ctx, now)
}
