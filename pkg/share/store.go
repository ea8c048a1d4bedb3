package share

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/pgdb"
	"github.com/oakfield/driftctl/pkg/ids"
)

// Store provides Postgres-backed operations for ServiceShare.
type Store struct {
	dbtx pgdb.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(dbtx pgdb.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const shareColumns = `id, resource_level, service_id, instance_id, grantee_type, grantee_id, permissions, environments, granted_by, granted_at, expires_at, revoked, created_at, updated_at`

func scanShare(row pgx.Row) (ServiceShare, error) {
	var s ServiceShare
	var instanceID *string
	var permissions, environments []string
	err := row.Scan(
		&s.ID, &s.ResourceLevel, &s.ServiceID, &instanceID, &s.GranteeType, &s.GranteeID,
		&permissions, &environments, &s.GrantedBy, &s.GrantedAt, &s.ExpiresAt, &s.Revoked,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return ServiceShare{}, err
	}
	if instanceID != nil {
		id := ids.InstanceID(*instanceID)
		s.InstanceID = &id
	}
	s.Permissions = make([]Permission, len(permissions))
	for i, p := range permissions {
		s.Permissions[i] = Permission(p)
	}
	s.Environments = environments
	return s, nil
}

// FindActiveByServiceID returns all non-expired, non-revoked shares for a
// service, used both to check the uniqueness invariant and to compute the
// authorization evaluator's share union.
func (s *Store) FindActiveByServiceID(ctx context.Context, serviceID ids.ServiceID, now time.Time) ([]ServiceShare, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+shareColumns+` FROM service_shares
		WHERE service_id = $1 AND revoked = false AND (expires_at IS NULL OR expires_at > $2)`,
		string(serviceID), now)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnavailable, "share.FindActiveByServiceID", "share.query_failed", "querying shares", err)
	}
	defer rows.Close()

	var out []ServiceShare
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning share row: %w", err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// FindActiveByGrantee returns all non-expired, non-revoked shares granted to
// a team or user, used by the authorization evaluator to compute a user's
// effective service set from their team memberships.
func (s *Store) FindActiveByGrantee(ctx context.Context, granteeType GranteeType, granteeID string, now time.Time) ([]ServiceShare, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+shareColumns+` FROM service_shares
		WHERE grantee_type = $1 AND grantee_id = $2 AND revoked = false AND (expires_at IS NULL OR expires_at > $3)`,
		granteeType, granteeID, now)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnavailable, "share.FindActiveByGrantee", "share.query_failed", "querying shares", err)
	}
	defer rows.Close()

	var out []ServiceShare
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning share row: %w", err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// Create inserts a new share.
func (s *Store) Create(ctx context.Context, sh ServiceShare) (ServiceShare, error) {
	if sh.ID == "" {
		sh.ID = uuid.NewString()
	}
	var instanceID *string
	if sh.InstanceID != nil {
		v := string(*sh.InstanceID)
		instanceID = &v
	}
	permissions := make([]string, len(sh.Permissions))
	for i, p := range sh.Permissions {
		permissions[i] = string(p)
	}

	now := time.Now().UTC()
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO service_shares (id, resource_level, service_id, instance_id, grantee_type, grantee_id, permissions, environments, granted_by, granted_at, expires_at, revoked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, $12, $12)
		RETURNING `+shareColumns,
		sh.ID, sh.ResourceLevel, string(sh.ServiceID), instanceID, sh.GranteeType, sh.GranteeID,
		permissions, sh.Environments, string(sh.GrantedBy), sh.GrantedAt, sh.ExpiresAt, now,
	)
	saved, err := scanShare(row)
	if err != nil {
		return ServiceShare{}, apierr.Wrap(apierr.BackendUnavailable, "share.Create", "share.create_failed", "creating share", err)
	}
	return saved, nil
}

// Revoke marks a share revoked.
func (s *Store) Revoke(ctx context.Context, id string) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE service_shares SET revoked = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return apierr.Wrap(apierr.BackendUnavailable, "share.Revoke", "share.revoke_failed", "revoking share", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "share.Revoke", "share.not_found", "share not found")
	}
	return nil
}

// RevokeExpired revokes every non-revoked share whose expiresAt has passed,
// returning the number of rows affected. Driven by the expired-share
// sweeper.
func (s *Store) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE service_shares SET revoked = true, updated_at = now()
		WHERE revoked = false AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, apierr.Wrap(apierr.BackendUnavailable, "share.RevokeExpired", "share.sweep_failed", "revoking expired shares", err)
	}
	return tag.RowsAffected(), nil
}
