package authz

import (
	"context"
	"testing"
	"time"

	"github.com/oakfield/driftctl/pkg/ids"
	"github.com/oakfield/driftctl/pkg/share"
)

type fakeShareSource struct {
	byService map[ids.ServiceID][]share.ServiceShare
	byTeam    map[ids.TeamID][]share.ServiceShare
	byUser    map[ids.UserID][]share.ServiceShare
}

func newFakeShareSource() *fakeShareSource {
	return &fakeShareSource{
		byService: make(map[ids.ServiceID][]share.ServiceShare),
		byTeam:    make(map[ids.TeamID][]share.ServiceShare),
		byUser:    make(map[ids.UserID][]share.ServiceShare),
	}
}

func (f *fakeShareSource) ActiveForService(_ context.Context, serviceID ids.ServiceID) ([]share.ServiceShare, error) {
	return f.byService[serviceID], nil
}

func (f *fakeShareSource) ActiveForTeam(_ context.Context, teamID ids.TeamID) ([]share.ServiceShare, error) {
	return f.byTeam[teamID], nil
}

func (f *fakeShareSource) ActiveForUser(_ context.Context, userID ids.UserID) ([]share.ServiceShare, error) {
	return f.byUser[userID], nil
}

func (f *fakeShareSource) add(sh share.ServiceShare) {
	f.byService[sh.ServiceID] = append(f.byService[sh.ServiceID], sh)
	if sh.GranteeType == share.GranteeTeam {
		f.byTeam[ids.TeamID(sh.GranteeID)] = append(f.byTeam[ids.TeamID(sh.GranteeID)], sh)
	} else {
		f.byUser[ids.UserID(sh.GranteeID)] = append(f.byUser[ids.UserID(sh.GranteeID)], sh)
	}
}

func TestDecide_SysAdminAlwaysAllowed(t *testing.T) {
	e := NewEvaluator(newFakeShareSource())
	actor := Actor{UserID: "u1", Roles: []string{RoleSysAdmin}}
	resource := Resource{ServiceID: "svc-a"}

	allowed, err := e.Decide(context.Background(), actor, resource, ManageShares)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !allowed {
		t.Fatal("expected SYS_ADMIN to be allowed any action")
	}
}

func TestDecide_OwnerByCreatedBy(t *testing.T) {
	e := NewEvaluator(newFakeShareSource())
	actor := Actor{UserID: "u1"}
	resource := Resource{ServiceID: "svc-a", CreatedBy: "u1"}

	allowed, err := e.Decide(context.Background(), actor, resource, share.EditService)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !allowed {
		t.Fatal("expected creator to be allowed an owner-bundle permission")
	}
}

func TestDecide_OwnerByTeamMembership(t *testing.T) {
	e := NewEvaluator(newFakeShareSource())
	teamID := ids.TeamID("team-a")
	actor := Actor{UserID: "u1", TeamIDs: []ids.TeamID{teamID}}
	resource := Resource{ServiceID: "svc-a", OwnerTeamID: &teamID}

	allowed, err := e.Decide(context.Background(), actor, resource, share.RestartInstance)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !allowed {
		t.Fatal("expected owning-team member to be allowed an owner-bundle permission")
	}
}

func TestDecide_OwnerGrantedOwnerOnlyPermission(t *testing.T) {
	e := NewEvaluator(newFakeShareSource())
	teamID := ids.TeamID("team-a")
	actor := Actor{UserID: "u1", TeamIDs: []ids.TeamID{teamID}}
	resource := Resource{ServiceID: "svc-a", OwnerTeamID: &teamID}

	allowed, err := e.Decide(context.Background(), actor, resource, ManageShares)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !allowed {
		t.Fatal("expected owner-bundle to grant the owner-only MANAGE_SHARES permission")
	}
}

func TestDecide_NonOwnerDeniedOwnerOnlyPermission(t *testing.T) {
	sources := newFakeShareSource()
	sources.add(share.ServiceShare{
		ServiceID: "svc-a", GranteeType: share.GranteeTeam, GranteeID: "team-x",
		Permissions: []share.Permission{share.ViewService},
	})
	e := NewEvaluator(sources)
	teamID := ids.TeamID("team-a")
	actor := Actor{UserID: "u1", TeamIDs: []ids.TeamID{"team-x"}}
	resource := Resource{ServiceID: "svc-a", OwnerTeamID: &teamID}

	allowed, err := e.Decide(context.Background(), actor, resource, ManageShares)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if allowed {
		t.Fatal("expected a non-owner share grantee to be denied an owner-only permission")
	}
}

func TestDecide_ShareGrantsPermission(t *testing.T) {
	sources := newFakeShareSource()
	sources.add(share.ServiceShare{
		ServiceID:   "svc-a",
		GranteeType: share.GranteeTeam,
		GranteeID:   "team-x",
		Permissions: []share.Permission{share.ViewService},
	})
	e := NewEvaluator(sources)
	actor := Actor{UserID: "u1", TeamIDs: []ids.TeamID{"team-x"}}
	resource := Resource{ServiceID: "svc-a"}

	allowed, err := e.Decide(context.Background(), actor, resource, share.ViewService)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !allowed {
		t.Fatal("expected team share to grant VIEW_SERVICE")
	}

	denied, err := e.Decide(context.Background(), actor, resource, share.EditService)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if denied {
		t.Fatal("expected share to not grant EDIT_SERVICE")
	}
}

func TestDecide_ShareEnvironmentFilterRespected(t *testing.T) {
	sources := newFakeShareSource()
	sources.add(share.ServiceShare{
		ServiceID:    "svc-a",
		GranteeType:  share.GranteeTeam,
		GranteeID:    "team-x",
		Permissions:  []share.Permission{share.ViewService},
		Environments: []string{"staging"},
	})
	e := NewEvaluator(sources)
	actor := Actor{UserID: "u1", TeamIDs: []ids.TeamID{"team-x"}}

	allowedStaging, err := e.Decide(context.Background(), actor, Resource{ServiceID: "svc-a", Environment: "staging"}, share.ViewService)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !allowedStaging {
		t.Fatal("expected share to match its own environment")
	}

	allowedProd, err := e.Decide(context.Background(), actor, Resource{ServiceID: "svc-a", Environment: "production"}, share.ViewService)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if allowedProd {
		t.Fatal("expected share to not match an unlisted environment")
	}
}

func TestDecide_ExpiredShareIgnored(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	sources := newFakeShareSource()
	sources.add(share.ServiceShare{
		ServiceID:   "svc-a",
		GranteeType: share.GranteeTeam,
		GranteeID:   "team-x",
		Permissions: []share.Permission{share.ViewService},
		ExpiresAt:   &past,
	})
	e := NewEvaluator(sources)
	actor := Actor{UserID: "u1", TeamIDs: []ids.TeamID{"team-x"}}

	allowed, err := e.Decide(context.Background(), actor, Resource{ServiceID: "svc-a"}, share.ViewService)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if allowed {
		t.Fatal("expected expired share to not grant access")
	}
}

func TestDecide_DefaultDeny(t *testing.T) {
	e := NewEvaluator(newFakeShareSource())
	actor := Actor{UserID: "u1"}
	resource := Resource{ServiceID: "svc-a"}

	allowed, err := e.Decide(context.Background(), actor, resource, share.ViewService)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if allowed {
		t.Fatal("expected default deny with no role, ownership, or share")
	}
}

func TestEffectivePermissions_UnionsSharesAcrossTeams(t *testing.T) {
	sources := newFakeShareSource()
	sources.add(share.ServiceShare{
		ServiceID: "svc-a", GranteeType: share.GranteeTeam, GranteeID: "team-x",
		Permissions: []share.Permission{share.ViewService},
	})
	sources.add(share.ServiceShare{
		ServiceID: "svc-a", GranteeType: share.GranteeUser, GranteeID: "u1",
		Permissions: []share.Permission{share.ViewDrift},
	})
	e := NewEvaluator(sources)
	actor := Actor{UserID: "u1", TeamIDs: []ids.TeamID{"team-x"}}

	perms, err := e.EffectivePermissions(context.Background(), actor, Resource{ServiceID: "svc-a"})
	if err != nil {
		t.Fatalf("EffectivePermissions() error = %v", err)
	}
	if !perms[share.ViewService] || !perms[share.ViewDrift] {
		t.Fatalf("expected union of team and user share permissions, got %+v", perms)
	}
}

func TestAugmentScope_SysAdminUnrestricted(t *testing.T) {
	e := NewEvaluator(newFakeShareSource())
	actor := Actor{UserID: "u1", Roles: []string{RoleSysAdmin}}

	scope, err := e.AugmentScope(context.Background(), actor, nil)
	if err != nil {
		t.Fatalf("AugmentScope() error = %v", err)
	}
	if !scope.Unrestricted {
		t.Fatal("expected SYS_ADMIN scope to be unrestricted")
	}
}

func TestAugmentScope_OwnedUnionShared(t *testing.T) {
	sources := newFakeShareSource()
	sources.add(share.ServiceShare{
		ServiceID: "svc-shared", GranteeType: share.GranteeTeam, GranteeID: "team-x",
		Permissions: []share.Permission{share.ViewService},
	})
	e := NewEvaluator(sources)
	actor := Actor{UserID: "u1", TeamIDs: []ids.TeamID{"team-x"}}

	scope, err := e.AugmentScope(context.Background(), actor, []ids.ServiceID{"svc-owned"})
	if err != nil {
		t.Fatalf("AugmentScope() error = %v", err)
	}
	if scope.Unrestricted {
		t.Fatal("expected a restricted scope for a non-admin")
	}

	want := map[string]bool{"svc-owned": true, "svc-shared": true}
	if len(scope.ServiceIDs) != len(want) {
		t.Fatalf("expected %d service ids, got %v", len(want), scope.ServiceIDs)
	}
	for _, id := range scope.ServiceIDs {
		if !want[id] {
			t.Fatalf("unexpected service id %q in scope", id)
		}
	}
}
