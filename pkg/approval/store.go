package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/pgdb"
	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/criteria/pgquery"
	"github.com/oakfield/driftctl/pkg/ids"
)

// Store provides Postgres-backed operations for ApprovalRequest and
// ApprovalDecision.
type Store struct {
	dbtx pgdb.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(dbtx pgdb.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const requestColumns = `id, target_service_id, target_team_id, requester_user_id, requester_team_id, required, status, reason, version, created_at, updated_at`

func scanRequest(row pgx.Row) (ApprovalRequest, error) {
	var r ApprovalRequest
	var required []byte
	err := row.Scan(
		&r.ID, &r.TargetServiceID, &r.TargetTeamID, &r.RequesterUserID, &r.RequesterTeamID,
		&required, &r.Status, &r.Reason, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if len(required) > 0 {
		if err := json.Unmarshal(required, &r.Required); err != nil {
			return ApprovalRequest{}, fmt.Errorf("decoding required gates: %w", err)
		}
	}
	return r, nil
}

// Create inserts a new PENDING approval request at version 1.
func (s *Store) Create(ctx context.Context, r ApprovalRequest) (ApprovalRequest, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	required, err := json.Marshal(r.Required)
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("encoding required gates: %w", err)
	}
	now := time.Now().UTC()
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO approval_requests (id, target_service_id, target_team_id, requester_user_id, requester_team_id, required, status, reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)
		RETURNING `+requestColumns,
		r.ID, string(r.TargetServiceID), string(r.TargetTeamID), string(r.RequesterUserID), string(r.RequesterTeamID),
		required, r.Status, r.Reason, now,
	)
	saved, err := scanRequest(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ApprovalRequest{}, apierr.New(apierr.Conflict, "approval.Create", "approval.duplicate_pending", "a pending request already exists for this requester and service")
		}
		return ApprovalRequest{}, apierr.Wrap(apierr.BackendUnavailable, "approval.Create", "approval.create_failed", "creating approval request", err)
	}
	return saved, nil
}

// FindByID returns a single approval request by ID.
func (s *Store) FindByID(ctx context.Context, id string) (ApprovalRequest, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ApprovalRequest{}, apierr.Wrap(apierr.NotFound, "approval.FindByID", "approval.not_found", "approval request not found", err)
		}
		return ApprovalRequest{}, apierr.Wrap(apierr.BackendUnavailable, "approval.FindByID", "approval.query_failed", "querying approval request", err)
	}
	return r, nil
}

// FindPendingByRequesterAndService returns the PENDING request for
// {requesterUserId, serviceId}, if one exists — the uniqueness invariant
// check for create.
func (s *Store) FindPendingByRequesterAndService(ctx context.Context, requesterUserID ids.UserID, serviceID ids.ServiceID) (ApprovalRequest, bool, error) {
	row := s.dbtx.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE requester_user_id = $1 AND target_service_id = $2 AND status = $3`,
		string(requesterUserID), string(serviceID), Pending)
	r, err := scanRequest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ApprovalRequest{}, false, nil
		}
		return ApprovalRequest{}, false, apierr.Wrap(apierr.BackendUnavailable, "approval.FindPendingByRequesterAndService", "approval.query_failed", "querying pending approval request", err)
	}
	return r, true, nil
}

// FindPendingByServiceID returns every other PENDING request for serviceID,
// excluding excludeID — the set the cascade engine transitions.
func (s *Store) FindPendingByServiceID(ctx context.Context, serviceID ids.ServiceID, excludeID string) ([]ApprovalRequest, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE target_service_id = $1 AND status = $2 AND id != $3`,
		string(serviceID), Pending, excludeID)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnavailable, "approval.FindPendingByServiceID", "approval.query_failed", "querying pending approval requests", err)
	}
	defer rows.Close()

	var out []ApprovalRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval request row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateStatusCAS transitions a request to newStatus, conditioned on
// version == expectedVersion. A version mismatch
// (no row updated, and a current row still exists) returns Conflict.
func (s *Store) UpdateStatusCAS(ctx context.Context, id string, expectedVersion int64, newStatus Status, reason string) (ApprovalRequest, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE approval_requests SET status = $1, reason = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5
		RETURNING `+requestColumns,
		newStatus, reason, time.Now().UTC(), id, expectedVersion,
	)
	updated, err := scanRequest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ApprovalRequest{}, apierr.New(apierr.Conflict, "approval.UpdateStatusCAS", "approval.version_conflict", "approval request was modified concurrently")
		}
		return ApprovalRequest{}, apierr.Wrap(apierr.BackendUnavailable, "approval.UpdateStatusCAS", "approval.update_failed", "updating approval request", err)
	}
	return updated, nil
}

// FindAll returns approval requests matching crit, paginated.
func (s *Store) FindAll(ctx context.Context, crit criteria.Criteria) (criteria.Page[ApprovalRequest], error) {
	built, err := pgquery.BuildWith(crit, "target_service_id", map[string]string{
		"service_id": "target_service_id",
		"team_id":    "target_team_id",
		"status":     "status",
	})
	if err != nil {
		return criteria.Page[ApprovalRequest]{}, apierr.Wrap(apierr.InvalidArgument, "approval.FindAll", "approval.bad_criteria", "building query", err)
	}

	countRow := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM approval_requests `+built.Where, built.Args...)
	var total int
	if err := countRow.Scan(&total); err != nil {
		return criteria.Page[ApprovalRequest]{}, apierr.Wrap(apierr.BackendUnavailable, "approval.FindAll", "approval.count_failed", "counting approval requests", err)
	}

	query := fmt.Sprintf("SELECT %s FROM approval_requests %s %s %s", requestColumns, built.Where, built.Order, built.Limit)
	rows, err := s.dbtx.Query(ctx, query, built.Args...)
	if err != nil {
		return criteria.Page[ApprovalRequest]{}, apierr.Wrap(apierr.BackendUnavailable, "approval.FindAll", "approval.query_failed", "querying approval requests", err)
	}
	defer rows.Close()

	var items []ApprovalRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return criteria.Page[ApprovalRequest]{}, fmt.Errorf("scanning approval request row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return criteria.Page[ApprovalRequest]{}, err
	}

	return criteria.NewPage(items, crit.Paging, total), nil
}

const decisionColumns = `id, request_id, gate, decision, actor_user_id, actor_team_id, created_at`

func scanDecision(row pgx.Row) (ApprovalDecision, error) {
	var d ApprovalDecision
	err := row.Scan(&d.ID, &d.RequestID, &d.Gate, &d.Decision, &d.ActorUserID, &d.ActorTeamID, &d.CreatedAt)
	return d, err
}

// CreateDecision inserts a single vote.
func (s *Store) CreateDecision(ctx context.Context, d ApprovalDecision) (ApprovalDecision, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO approval_decisions (id, request_id, gate, decision, actor_user_id, actor_team_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+decisionColumns,
		d.ID, d.RequestID, d.Gate, d.Decision, string(d.ActorUserID), string(d.ActorTeamID), d.CreatedAt,
	)
	saved, err := scanDecision(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ApprovalDecision{}, apierr.New(apierr.Conflict, "approval.CreateDecision", "approval.already_voted", "actor has already voted on this gate")
		}
		return ApprovalDecision{}, apierr.Wrap(apierr.BackendUnavailable, "approval.CreateDecision", "approval.decision_create_failed", "recording decision", err)
	}
	return saved, nil
}

// FindDecisionsByRequest returns every decision recorded for requestID, in
// the order they were cast.
func (s *Store) FindDecisionsByRequest(ctx context.Context, requestID string) ([]ApprovalDecision, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+decisionColumns+` FROM approval_decisions WHERE request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnavailable, "approval.FindDecisionsByRequest", "approval.query_failed", "querying decisions", err)
	}
	defer rows.Close()

	var out []ApprovalDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval decision row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// HasDecision reports whether actorUserID has already voted on gate for
// requestID.
func (s *Store) HasDecision(ctx context.Context, requestID, gate string, actorUserID ids.UserID) (bool, error) {
	row := s.dbtx.QueryRow(ctx, `
		SELECT count(*) FROM approval_decisions WHERE request_id = $1 AND gate = $2 AND actor_user_id = $3`,
		requestID, gate, string(actorUserID))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, apierr.Wrap(apierr.BackendUnavailable, "approval.HasDecision", "approval.query_failed", "checking existing decision", err)
	}
	return n > 0, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the database-level backstop for the
// PENDING-per-{requester,service} and per-{request,gate,actor} invariants.
// Caught as a fallback for the race the application-level checks in
// Service cannot fully close.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
