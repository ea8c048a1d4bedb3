package share

import (
	"context"
	"testing"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/pkg/ids"
)

type fakeRepo struct {
	byID map[string]ServiceShare
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[string]ServiceShare)}
}

func (f *fakeRepo) FindActiveByServiceID(_ context.Context, serviceID ids.ServiceID, now time.Time) ([]ServiceShare, error) {
	var out []ServiceShare
	for _, sh := range f.byID {
		if sh.ServiceID == serviceID && sh.IsActive(now) {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (f *fakeRepo) FindActiveByGrantee(_ context.Context, granteeType GranteeType, granteeID string, now time.Time) ([]ServiceShare, error) {
	var out []ServiceShare
	for _, sh := range f.byID {
		if sh.GranteeType == granteeType && sh.GranteeID == granteeID && sh.IsActive(now) {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (f *fakeRepo) Create(_ context.Context, sh ServiceShare) (ServiceShare, error) {
	if sh.ID == "" {
		sh.ID = "generated"
	}
	f.byID[sh.ID] = sh
	return sh, nil
}

func (f *fakeRepo) Revoke(_ context.Context, id string) error {
	sh, ok := f.byID[id]
	if !ok {
		return apierr.New(apierr.NotFound, "fake.Revoke", "not_found", "not found")
	}
	sh.Revoked = true
	f.byID[id] = sh
	return nil
}

func (f *fakeRepo) RevokeExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, sh := range f.byID {
		if !sh.Revoked && sh.ExpiresAt != nil && !sh.ExpiresAt.After(now) {
			sh.Revoked = true
			f.byID[id] = sh
			n++
		}
	}
	return n, nil
}

type fakeGuard struct {
	retired map[ids.ServiceID]bool
}

func (g *fakeGuard) AssertNotRetired(_ context.Context, id ids.ServiceID) error {
	if g.retired[id] {
		return apierr.New(apierr.Conflict, "fake.AssertNotRetired", "service.retired", "service is retired")
	}
	return nil
}

func TestGrant_RejectsRetiredService(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeGuard{retired: map[ids.ServiceID]bool{"svc-a": true}})
	_, err := svc.Grant(context.Background(), GrantParams{
		ServiceID: "svc-a", GranteeType: GranteeTeam, GranteeID: "team-x", Permissions: []Permission{ViewService},
	})
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestGrant_RejectsEmptyPermissions(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeGuard{retired: map[ids.ServiceID]bool{}})
	_, err := svc.Grant(context.Background(), GrantParams{ServiceID: "svc-a", GranteeType: GranteeTeam, GranteeID: "team-x"})
	if !apierr.Is(err, apierr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestGrant_RejectsUnshareablePermission(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeGuard{retired: map[ids.ServiceID]bool{}})
	_, err := svc.Grant(context.Background(), GrantParams{
		ServiceID: "svc-a", GranteeType: GranteeTeam, GranteeID: "team-x", Permissions: []Permission{"MANAGE_SHARES"},
	})
	if !apierr.Is(err, apierr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestGrant_RejectsDuplicateActiveShare(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeGuard{retired: map[ids.ServiceID]bool{}})
	ctx := context.Background()

	params := GrantParams{ServiceID: "svc-a", GranteeType: GranteeTeam, GranteeID: "team-x", Permissions: []Permission{ViewService}}
	if _, err := svc.Grant(ctx, params); err != nil {
		t.Fatalf("first Grant() error = %v", err)
	}

	_, err := svc.Grant(ctx, params)
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("expected Conflict on duplicate active share, got %v", err)
	}
}

func TestGrant_DifferentEnvironmentsAreNotDuplicates(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeGuard{retired: map[ids.ServiceID]bool{}})
	ctx := context.Background()

	if _, err := svc.Grant(ctx, GrantParams{
		ServiceID: "svc-a", GranteeType: GranteeTeam, GranteeID: "team-x",
		Permissions: []Permission{ViewService}, Environments: []string{"staging"},
	}); err != nil {
		t.Fatalf("first Grant() error = %v", err)
	}

	if _, err := svc.Grant(ctx, GrantParams{
		ServiceID: "svc-a", GranteeType: GranteeTeam, GranteeID: "team-x",
		Permissions: []Permission{ViewService}, Environments: []string{"production"},
	}); err != nil {
		t.Fatalf("second Grant() with a different environment filter should succeed, error = %v", err)
	}
}

func TestGrant_AllowsSecondShareAfterRevoke(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeGuard{retired: map[ids.ServiceID]bool{}})
	ctx := context.Background()

	params := GrantParams{ServiceID: "svc-a", GranteeType: GranteeTeam, GranteeID: "team-x", Permissions: []Permission{ViewService}}
	first, err := svc.Grant(ctx, params)
	if err != nil {
		t.Fatalf("first Grant() error = %v", err)
	}
	if err := svc.Revoke(ctx, first.ID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	if _, err := svc.Grant(ctx, params); err != nil {
		t.Fatalf("second Grant() after revoke error = %v", err)
	}
}

func TestGrant_ExpiredShareDoesNotBlockNewGrant(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeGuard{retired: map[ids.ServiceID]bool{}})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	if _, err := svc.Grant(ctx, GrantParams{
		ServiceID: "svc-a", GranteeType: GranteeTeam, GranteeID: "team-x",
		Permissions: []Permission{ViewService}, ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("first Grant() error = %v", err)
	}

	if _, err := svc.Grant(ctx, GrantParams{
		ServiceID: "svc-a", GranteeType: GranteeTeam, GranteeID: "team-x", Permissions: []Permission{ViewService},
	}); err != nil {
		t.Fatalf("second Grant() after expiry error = %v", err)
	}
}

func TestSweepExpired_RevokesPastExpiry(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, &fakeGuard{retired: map[ids.ServiceID]bool{}})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	granted, err := svc.Grant(ctx, GrantParams{
		ServiceID: "svc-a", GranteeType: GranteeTeam, GranteeID: "team-x",
		Permissions: []Permission{ViewService}, ExpiresAt: &past,
	})
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	// Grant succeeds even for an already-past expiry (audit trail is kept);
	// the sweeper is what flips Revoked.
	n, err := svc.SweepExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 share revoked, got %d", n)
	}
	if !repo.byID[granted.ID].Revoked {
		t.Fatal("expected share to be marked revoked")
	}
}
