package instance

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

// Store provides Postgres-backed operations for ServiceInstance.
type Store struct {
	dbtx pgdb.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(dbtx pgdb.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const instanceColumns = `id, service_id, team_id, host, port, environment, version, expected_hash, config_hash, last_applied_hash, status, last_seen_at, has_drift, drift_detected_at, created_at, updated_at`

func scanInstance(row pgx.Row) (ServiceInstance, error) {
	var inst ServiceInstance
	var teamID *string
	err := row.Scan(
		&inst.ID, &inst.ServiceID, &teamID, &inst.Host, &inst.Port, &inst.Environment, &inst.Version,
		&inst.ExpectedHash, &inst.ConfigHash, &inst.LastAppliedHash, &inst.Status, &inst.LastSeenAt,
		&inst.HasDrift, &inst.DriftDetectedAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return ServiceInstance{}, err
	}
	if teamID != nil {
		t := ids.TeamID(*teamID)
		inst.TeamID = &t
	}
	return inst, nil
}

// FindByID returns a single instance by ID.
func (s *Store) FindByID(ctx context.Context, id ids.InstanceID) (ServiceInstance, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM service_instances WHERE id = $1`, string(id))
	inst, err := scanInstance(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ServiceInstance{}, apierr.Wrap(apierr.NotFound, "instance.FindByID", "instance.not_found", "instance not found", err)
		}
		return ServiceInstance{}, apierr.Wrap(apierr.BackendUnavailable, "instance.FindByID", "instance.query_failed", "querying instance", err)
	}
	return inst, nil
}

// FindByIDs bulk-loads instances, preserving no particular order. Used by
// the heartbeat pipeline's instance-loader stage to resolve an
// entire batch in one round trip.
func (s *Store) FindByIDs(ctx context.Context, instanceIDs []ids.InstanceID) ([]ServiceInstance, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	raw := make([]string, len(instanceIDs))
	for i, id := range instanceIDs {
		raw[i] = string(id)
	}
	rows, err := s.dbtx.Query(ctx, `SELECT `+instanceColumns+` FROM service_instances WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnavailable, "instance.FindByIDs", "instance.query_failed", "querying instances", err)
	}
	defer rows.Close()

	var out []ServiceInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Upsert inserts a new instance or refreshes its heartbeat-derived fields
// for an existing one, keyed by ID.
// The WHERE guard enforces monotonic lastSeenAt: a later-arrived but
// older-timestamped heartbeat is silently dropped.
func (s *Store) Upsert(ctx context.Context, inst ServiceInstance) (ServiceInstance, error) {
	var teamID *string
	if inst.TeamID != nil {
		v := string(*inst.TeamID)
		teamID = &v
	}
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO service_instances (id, service_id, team_id, host, port, environment, version, expected_hash, config_hash, last_applied_hash, status, last_seen_at, has_drift, drift_detected_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (id) DO UPDATE SET
			team_id = EXCLUDED.team_id,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			environment = EXCLUDED.environment,
			version = EXCLUDED.version,
			expected_hash = EXCLUDED.expected_hash,
			config_hash = EXCLUDED.config_hash,
			last_applied_hash = EXCLUDED.last_applied_hash,
			status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at,
			has_drift = EXCLUDED.has_drift,
			drift_detected_at = EXCLUDED.drift_detected_at,
			updated_at = EXCLUDED.last_seen_at
		WHERE service_instances.last_seen_at <= EXCLUDED.last_seen_at
		RETURNING `+instanceColumns,
		string(inst.ID), string(inst.ServiceID), teamID, inst.Host, inst.Port, inst.Environment, inst.Version,
		inst.ExpectedHash, inst.ConfigHash, inst.LastAppliedHash, inst.Status, inst.LastSeenAt,
		inst.HasDrift, inst.DriftDetectedAt, inst.CreatedAt,
	)
	saved, err := scanInstance(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return s.FindByID(ctx, inst.ID)
		}
		return ServiceInstance{}, apierr.Wrap(apierr.BackendUnavailable, "instance.Upsert", "instance.upsert_failed", "upserting instance", err)
	}
	return saved, nil
}

// MarkUnknown transitions every instance last seen before cutoff to UNKNOWN,
// returning the number of rows affected. Driven by the staleness sweeper.
func (s *Store) MarkUnknown(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE service_instances SET status = $1, updated_at = now()
		WHERE status != $1 AND last_seen_at < $2`,
		Unknown, cutoff)
	if err != nil {
		return 0, apierr.Wrap(apierr.BackendUnavailable, "instance.MarkUnknown", "instance.sweep_failed", "marking stale instances", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeAbsentBefore hard-deletes every instance whose last_seen_at is older
// than cutoff, returning the number of rows removed. Instances are only ever
// purged this way — a service keeps its retired instances until they age out.
func (s *Store) PurgeAbsentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM service_instances WHERE last_seen_at < $1`, cutoff)
	if err != nil {
		return 0, apierr.Wrap(apierr.BackendUnavailable, "instance.PurgeAbsentBefore", "instance.purge_failed", "purging absent instances", err)
	}
	return tag.RowsAffected(), nil
}

// BulkUpdateTeamIDByServiceID sets team_id on every instance of a service,
// returning the number of rows affected. Used by the approval cascade
// engine.
func (s *Store) BulkUpdateTeamIDByServiceID(ctx context.Context, serviceID ids.ServiceID, newTeamID ids.TeamID) (int64, error) {
	tag, err := s.dbtx.Exec(ctx, `UPDATE service_instances SET team_id = $1, updated_at = now() WHERE service_id = $2`,
		string(newTeamID), string(serviceID))
	if err != nil {
		return 0, apierr.Wrap(apierr.BackendUnavailable, "instance.BulkUpdateTeamIDByServiceID", "instance.update_failed", "updating denormalized team id", err)
	}
	return tag.RowsAffected(), nil
}

// FindAll returns instances matching crit, paginated.
func (s *Store) FindAll(ctx context.Context, crit criteria.Criteria) (criteria.Page[ServiceInstance], error) {
	built, err := pgquery.Build(crit, "service_id")
	if err != nil {
		return criteria.Page[ServiceInstance]{}, apierr.Wrap(apierr.InvalidArgument, "instance.FindAll", "instance.bad_criteria", "building query", err)
	}

	countRow := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM service_instances `+built.Where, built.Args...)
	var total int
	if err := countRow.Scan(&total); err != nil {
		return criteria.Page[ServiceInstance]{}, apierr.Wrap(apierr.BackendUnavailable, "instance.FindAll", "instance.count_failed", "counting instances", err)
	}

	query := fmt.Sprintf("SELECT %s FROM service_instances %s %s %s", instanceColumns, built.Where, built.Order, built.Limit)
	rows, err := s.dbtx.Query(ctx, query, built.Args...)
	if err != nil {
		return criteria.Page[ServiceInstance]{}, apierr.Wrap(apierr.BackendUnavailable, "instance.FindAll", "instance.query_failed", "querying instances", err)
	}
	defer rows.Close()

	var items []ServiceInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return criteria.Page[ServiceInstance]{}, fmt.Errorf("scanning instance row: %w", err)
		}
		items = append(items, inst)
	}
	if err := rows.Err(); err != nil {
		return criteria.Page[ServiceInstance]{}, err
	}

	return criteria.NewPage(items, crit.Paging, total), nil
}
