package service

import (
	"context"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/ids"
)

// Repository is the narrow capability interface Service depends on.
// *Store implements it
// against Postgres; tests can substitute an in-memory fake.
type Repository interface {
	FindByID(ctx context.Context, id ids.ServiceID) (ApplicationService, error)
	FindByDisplayNames(ctx context.Context, names []string) ([]ApplicationService, error)
	Save(ctx context.Context, svc ApplicationService) (ApplicationService, error)
	BulkUpdateTeamIDByServiceID(ctx context.Context, id ids.ServiceID, newTeamID ids.TeamID) (int64, error)
	FindAll(ctx context.Context, crit criteria.Criteria) (criteria.Page[ApplicationService], error)
}

// Service encapsulates ApplicationService business rules.
type Service struct {
	store Repository
}

// NewService creates a Service backed by store.
func NewService(store Repository) *Service {
	return &Service{store: store}
}

// CreateParams describes a new service. OwnerTeamID is nil for an orphan
// service awaiting claim.
type CreateParams struct {
	ID           ids.ServiceID
	DisplayName  string
	OwnerTeamID  *ids.TeamID
	Environments []string
	CreatedBy    ids.UserID
}

// Create registers a new ACTIVE service.
func (s *Service) Create(ctx context.Context, p CreateParams) (ApplicationService, error) {
	if err := p.ID.Validate(); err != nil {
		return ApplicationService{}, err
	}
	if len(p.DisplayName) > MaxDisplayNameLen {
		return ApplicationService{}, apierr.New(apierr.InvalidArgument, "service.Create", "service.display_name_too_long", "display name exceeds 200 characters")
	}
	if len(p.Environments) == 0 {
		return ApplicationService{}, apierr.New(apierr.InvalidArgument, "service.Create", "service.no_environments", "at least one environment is required")
	}

	now := time.Now().UTC()
	return s.store.Save(ctx, ApplicationService{
		ID:           p.ID,
		DisplayName:  p.DisplayName,
		OwnerTeamID:  p.OwnerTeamID,
		Environments: p.Environments,
		Lifecycle:    Active,
		CreatedBy:    p.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// MaxDisplayNameLen is the bound on ApplicationService.DisplayName.
const MaxDisplayNameLen = 200

// Retire transitions a service to RETIRED. A RETIRED service cannot gain new
// instances or shares — enforced at the call sites that
// create instances/shares, not here.
func (s *Service) Retire(ctx context.Context, id ids.ServiceID) (ApplicationService, error) {
	svc, err := s.store.FindByID(ctx, id)
	if err != nil {
		return ApplicationService{}, err
	}
	svc.Lifecycle = Retired
	return s.store.Save(ctx, svc)
}

// AssertNotRetired returns a Conflict error if the service identified by id
// is RETIRED. Used by instance upsert and share-creation call sites.
func (s *Service) AssertNotRetired(ctx context.Context, id ids.ServiceID) error {
	svc, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if svc.IsRetired() {
		return apierr.New(apierr.Conflict, "service.AssertNotRetired", "service.retired", "service is retired and cannot gain new instances or shares")
	}
	return nil
}

// ReassignOwner sets the service's owner team directly, bypassing the
// Version CAS used by Save. Used by the approval cascade engine, which already holds its own optimistic-concurrency guarantee on
// the ApprovalRequest row.
func (s *Service) ReassignOwner(ctx context.Context, id ids.ServiceID, newTeamID ids.TeamID) error {
	_, err := s.store.BulkUpdateTeamIDByServiceID(ctx, id, newTeamID)
	return err
}

// ResolveByDisplayNames bulk-resolves services by displayName, the single
// lookup the heartbeat pipeline's service resolver stage uses.
func (s *Service) ResolveByDisplayNames(ctx context.Context, names []string) ([]ApplicationService, error) {
	return s.store.FindByDisplayNames(ctx, names)
}

// Get returns a single service.
func (s *Service) Get(ctx context.Context, id ids.ServiceID) (ApplicationService, error) {
	return s.store.FindByID(ctx, id)
}

// List returns services visible under crit's authorization scope.
func (s *Service) List(ctx context.Context, crit criteria.Criteria) (criteria.Page[ApplicationService], error) {
	return s.store.FindAll(ctx, crit)
}
