package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/pgdb"
	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/criteria/pgquery"
	"github.com/oakfield/driftctl/pkg/ids"
)

// Store provides Postgres-backed operations for ApplicationService.
type Store struct {
	dbtx pgdb.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(dbtx pgdb.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const serviceColumns = `id, display_name, owner_team_id, environments, lifecycle, version, created_by, created_at, updated_at`

func scanService(row pgx.Row) (ApplicationService, error) {
	var s ApplicationService
	var ownerTeamID *string
	err := row.Scan(
		&s.ID, &s.DisplayName, &ownerTeamID, &s.Environments, &s.Lifecycle,
		&s.Version, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return ApplicationService{}, err
	}
	if ownerTeamID != nil {
		t := ids.TeamID(*ownerTeamID)
		s.OwnerTeamID = &t
	}
	return s, nil
}

// FindByID returns a single service by ID.
func (s *Store) FindByID(ctx context.Context, id ids.ServiceID) (ApplicationService, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+serviceColumns+` FROM application_services WHERE id = $1`, string(id))
	svc, err := scanService(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ApplicationService{}, apierr.Wrap(apierr.NotFound, "service.FindByID", "service.not_found", "service not found", err)
		}
		return ApplicationService{}, apierr.Wrap(apierr.BackendUnavailable, "service.FindByID", "service.query_failed", "querying service", err)
	}
	return svc, nil
}

// FindByDisplayNames bulk-loads services whose displayName is in names, the
// single lookup the heartbeat pipeline's service resolver makes per batch.
func (s *Store) FindByDisplayNames(ctx context.Context, names []string) ([]ApplicationService, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.dbtx.Query(ctx, `SELECT `+serviceColumns+` FROM application_services WHERE display_name = ANY($1)`, names)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnavailable, "service.FindByDisplayNames", "service.query_failed", "querying services by display name", err)
	}
	defer rows.Close()

	var out []ApplicationService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service row: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// Save inserts or updates a service, enforcing optimistic concurrency on
// Version when the row already exists.
func (s *Store) Save(ctx context.Context, svc ApplicationService) (ApplicationService, error) {
	var ownerTeamID *string
	if svc.OwnerTeamID != nil {
		v := string(*svc.OwnerTeamID)
		ownerTeamID = &v
	}

	now := time.Now().UTC()
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO application_services (id, display_name, owner_team_id, environments, lifecycle, version, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			owner_team_id = EXCLUDED.owner_team_id,
			environments = EXCLUDED.environments,
			lifecycle = EXCLUDED.lifecycle,
			version = application_services.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE application_services.version = $8
		RETURNING `+serviceColumns,
		string(svc.ID), svc.DisplayName, ownerTeamID, svc.Environments, svc.Lifecycle,
		svc.CreatedBy, now, svc.Version,
	)
	saved, err := scanService(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ApplicationService{}, apierr.New(apierr.Conflict, "service.Save", "service.version_conflict", "service was modified concurrently")
		}
		return ApplicationService{}, apierr.Wrap(apierr.BackendUnavailable, "service.Save", "service.save_failed", "saving service", err)
	}
	return saved, nil
}

// BulkUpdateTeamIDByServiceID sets owner_team_id for a single service,
// returning the number of rows affected (0 or 1). Used by the approval
// cascade engine.
func (s *Store) BulkUpdateTeamIDByServiceID(ctx context.Context, id ids.ServiceID, newTeamID ids.TeamID) (int64, error) {
	tag, err := s.dbtx.Exec(ctx, `UPDATE application_services SET owner_team_id = $1, updated_at = now() WHERE id = $2`,
		string(newTeamID), string(id))
	if err != nil {
		return 0, apierr.Wrap(apierr.BackendUnavailable, "service.BulkUpdateTeamIDByServiceID", "service.update_failed", "updating owner team", err)
	}
	return tag.RowsAffected(), nil
}

// FindAll returns services matching crit, paginated.
func (s *Store) FindAll(ctx context.Context, crit criteria.Criteria) (criteria.Page[ApplicationService], error) {
	built, err := pgquery.Build(crit, "id")
	if err != nil {
		return criteria.Page[ApplicationService]{}, apierr.Wrap(apierr.InvalidArgument, "service.FindAll", "service.bad_criteria", "building query", err)
	}

	countRow := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM application_services `+built.Where, built.Args...)
	var total int
	if err := countRow.Scan(&total); err != nil {
		return criteria.Page[ApplicationService]{}, apierr.Wrap(apierr.BackendUnavailable, "service.FindAll", "service.count_failed", "counting services", err)
	}

	query := fmt.Sprintf("SELECT %s FROM application_services %s %s %s", serviceColumns, built.Where, built.Order, built.Limit)
	rows, err := s.dbtx.Query(ctx, query, built.Args...)
	if err != nil {
		return criteria.Page[ApplicationService]{}, apierr.Wrap(apierr.BackendUnavailable, "service.FindAll", "service.query_failed", "querying services", err)
	}
	defer rows.Close()

	var items []ApplicationService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return criteria.Page[ApplicationService]{}, fmt.Errorf("scanning service row: %w", err)
		}
		items = append(items, svc)
	}
	if err := rows.Err(); err != nil {
		return criteria.Page[ApplicationService]{}, err
	}

	return criteria.NewPage(items, crit.Paging, total), nil
}
