package driftevent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/pgdb"
	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/criteria/pgquery"
	"github.com/oakfield/driftctl/pkg/ids"
)

// Store provides Postgres-backed operations for DriftEvent.
type Store struct {
	dbtx pgdb.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(dbtx pgdb.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const driftEventColumns = `id, service_id, service_name, instance_id, environment, expected_hash, applied_hash, diff_summary, notes, severity, status, team_id, detected_by, resolved_by, detected_at, resolved_at, created_at, updated_at`

func unresolvedStatusStrings() []string {
	out := make([]string, len(UnresolvedStatuses))
	for i, s := range UnresolvedStatuses {
		out[i] = string(s)
	}
	return out
}

func scanDriftEvent(row pgx.Row) (DriftEvent, error) {
	var e DriftEvent
	var teamID *string
	var resolvedBy *string
	err := row.Scan(
		&e.ID, &e.ServiceID, &e.ServiceName, &e.InstanceID, &e.Environment, &e.ExpectedHash, &e.AppliedHash,
		&e.DiffSummary, &e.Notes, &e.Severity, &e.Status, &teamID, &e.DetectedBy, &resolvedBy,
		&e.DetectedAt, &e.ResolvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return DriftEvent{}, err
	}
	if teamID != nil {
		t := ids.TeamID(*teamID)
		e.TeamID = &t
	}
	if resolvedBy != nil {
		e.ResolvedBy = *resolvedBy
	}
	return e, nil
}

// Create inserts a new DETECTED drift event. The insert is idempotent by
// {serviceName, instanceId, detectedAt} with detectedAt truncated to the
// millisecond: a duplicate insert returns the already-stored event.
func (s *Store) Create(ctx context.Context, e DriftEvent) (DriftEvent, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var teamID *string
	if e.TeamID != nil {
		v := string(*e.TeamID)
		teamID = &v
	}
	detectedAt := e.DetectedAt.Truncate(time.Millisecond)
	now := time.Now().UTC()
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO drift_events (id, service_id, service_name, instance_id, environment, expected_hash, applied_hash, diff_summary, notes, severity, status, team_id, detected_by, resolved_by, detected_at, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', $9, $10, $11, $12, NULL, $13, NULL, $14, $14)
		ON CONFLICT (service_name, instance_id, detected_at) DO NOTHING
		RETURNING `+driftEventColumns,
		e.ID, string(e.ServiceID), e.ServiceName, string(e.InstanceID), e.Environment, e.ExpectedHash, e.AppliedHash,
		e.DiffSummary, e.Severity, Detected, teamID, e.DetectedBy, detectedAt, now,
	)
	saved, err := scanDriftEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return s.findByDedupKey(ctx, e.ServiceName, e.InstanceID, detectedAt)
		}
		return DriftEvent{}, apierr.Wrap(apierr.BackendUnavailable, "driftevent.Create", "driftevent.create_failed", "creating drift event", err)
	}
	return saved, nil
}

func (s *Store) findByDedupKey(ctx context.Context, serviceName string, instanceID ids.InstanceID, detectedAt time.Time) (DriftEvent, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+driftEventColumns+` FROM drift_events WHERE service_name = $1 AND instance_id = $2 AND detected_at = $3`,
		serviceName, string(instanceID), detectedAt)
	e, err := scanDriftEvent(row)
	if err != nil {
		return DriftEvent{}, apierr.Wrap(apierr.BackendUnavailable, "driftevent.Create", "driftevent.dedup_lookup_failed", "loading deduplicated drift event", err)
	}
	return e, nil
}

// BulkUpdateTeamIDByServiceID rewrites the denormalized team id on every
// drift event of a service, returning the number of rows affected. Used by
// the approval cascade engine.
func (s *Store) BulkUpdateTeamIDByServiceID(ctx context.Context, serviceID ids.ServiceID, newTeamID ids.TeamID) (int64, error) {
	tag, err := s.dbtx.Exec(ctx, `UPDATE drift_events SET team_id = $1, updated_at = now() WHERE service_id = $2`,
		string(newTeamID), string(serviceID))
	if err != nil {
		return 0, apierr.Wrap(apierr.BackendUnavailable, "driftevent.BulkUpdateTeamIDByServiceID", "driftevent.update_failed", "updating denormalized team id", err)
	}
	return tag.RowsAffected(), nil
}

// FindUnresolvedByInstance returns every event for an instance still in an
// unresolved state, the set the pipeline's auto-resolution operates on.
func (s *Store) FindUnresolvedByInstance(ctx context.Context, instanceID ids.InstanceID) ([]DriftEvent, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+driftEventColumns+` FROM drift_events WHERE instance_id = $1 AND status = ANY($2)`,
		string(instanceID), unresolvedStatusStrings())
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnavailable, "driftevent.FindUnresolvedByInstance", "driftevent.query_failed", "querying unresolved drift events", err)
	}
	defer rows.Close()

	var out []DriftEvent
	for rows.Next() {
		e, err := scanDriftEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning drift event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveMany marks the given events RESOLVED as of resolvedAt with the
// given resolvedBy actor, returning the number of rows affected. Events
// already resolved or ignored are left untouched.
func (s *Store) ResolveMany(ctx context.Context, ids []string, resolvedBy string, resolvedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE drift_events SET status = $1, resolved_by = $2, resolved_at = $3, updated_at = $3
		WHERE id = ANY($4) AND status = ANY($5)`,
		Resolved, resolvedBy, resolvedAt, ids, unresolvedStatusStrings())
	if err != nil {
		return 0, apierr.Wrap(apierr.BackendUnavailable, "driftevent.ResolveMany", "driftevent.resolve_failed", "resolving drift events", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateStatus transitions an event from one of the given states to
// newStatus, returning the updated event. A row in any other state yields
// Conflict.
func (s *Store) UpdateStatus(ctx context.Context, id string, from []Status, to Status) (DriftEvent, error) {
	fromStrings := make([]string, len(from))
	for i, st := range from {
		fromStrings[i] = string(st)
	}
	row := s.dbtx.QueryRow(ctx, `
		UPDATE drift_events SET status = $1, updated_at = now()
		WHERE id = $2 AND status = ANY($3)
		RETURNING `+driftEventColumns,
		to, id, fromStrings)
	e, err := scanDriftEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return DriftEvent{}, apierr.New(apierr.Conflict, "driftevent.UpdateStatus", "driftevent.bad_transition",
				fmt.Sprintf("event is not in a state that allows transition to %s", to))
		}
		return DriftEvent{}, apierr.Wrap(apierr.BackendUnavailable, "driftevent.UpdateStatus", "driftevent.update_failed", "updating drift event status", err)
	}
	return e, nil
}

// SetNotes replaces the free-form notes on an event. Notes stay mutable in
// every state, including RESOLVED.
func (s *Store) SetNotes(ctx context.Context, id string, notes string) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE drift_events SET notes = $1, updated_at = now() WHERE id = $2`, notes, id)
	if err != nil {
		return apierr.Wrap(apierr.BackendUnavailable, "driftevent.SetNotes", "driftevent.update_failed", "updating drift event notes", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "driftevent.SetNotes", "driftevent.not_found", "drift event not found")
	}
	return nil
}

// FindByID returns a single drift event by ID.
func (s *Store) FindByID(ctx context.Context, id string) (DriftEvent, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+driftEventColumns+` FROM drift_events WHERE id = $1`, id)
	e, err := scanDriftEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return DriftEvent{}, apierr.Wrap(apierr.NotFound, "driftevent.FindByID", "driftevent.not_found", "drift event not found", err)
		}
		return DriftEvent{}, apierr.Wrap(apierr.BackendUnavailable, "driftevent.FindByID", "driftevent.query_failed", "querying drift event", err)
	}
	return e, nil
}

// FindAll returns drift events matching crit, paginated.
func (s *Store) FindAll(ctx context.Context, crit criteria.Criteria) (criteria.Page[DriftEvent], error) {
	built, err := pgquery.Build(crit, "service_id")
	if err != nil {
		return criteria.Page[DriftEvent]{}, apierr.Wrap(apierr.InvalidArgument, "driftevent.FindAll", "driftevent.bad_criteria", "building query", err)
	}

	countRow := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM drift_events `+built.Where, built.Args...)
	var total int
	if err := countRow.Scan(&total); err != nil {
		return criteria.Page[DriftEvent]{}, apierr.Wrap(apierr.BackendUnavailable, "driftevent.FindAll", "driftevent.count_failed", "counting drift events", err)
	}

	query := fmt.Sprintf("SELECT %s FROM drift_events %s %s %s", driftEventColumns, built.Where, built.Order, built.Limit)
	rows, err := s.dbtx.Query(ctx, query, built.Args...)
	if err != nil {
		return criteria.Page[DriftEvent]{}, apierr.Wrap(apierr.BackendUnavailable, "driftevent.FindAll", "driftevent.query_failed", "querying drift events", err)
	}
	defer rows.Close()

	var items []DriftEvent
	for rows.Next() {
		e, err := scanDriftEvent(rows)
		if err != nil {
			return criteria.Page[DriftEvent]{}, fmt.Errorf("scanning drift event row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return criteria.Page[DriftEvent]{}, err
	}

	return criteria.NewPage(items, crit.Paging, total), nil
}
