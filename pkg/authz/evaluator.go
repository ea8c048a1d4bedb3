// Package authz implements the authorization evaluator: a
// decision-rule chain resolving whether an actor may perform an action on a
// resource, plus the effective-permissions and list-filtering APIs built on
// top of it.
package authz

import (
	"context"
	"time"

	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/ids"
	"github.com/oakfield/driftctl/pkg/share"
)

// RoleSysAdmin is the role that bypasses the decision chain entirely.
const RoleSysAdmin = "SYS_ADMIN"

// OwnerBundle is the permission set granted to a resource's creator or
// owning team — a strict superset of the permissions a
// ServiceShare may grant.
var OwnerBundle = map[share.Permission]bool{
	share.ViewService:     true,
	share.ViewInstance:    true,
	share.ViewDrift:       true,
	share.EditService:     true,
	share.EditInstance:    true,
	share.RestartInstance: true,
	ManageShares:          true,
	ResolveDrift:          true,
}

// ManageShares and ResolveDrift are owner-only permissions: they never
// appear in a ServiceShare (share.ShareablePermissions excludes them) and
// so live in this package rather than pkg/share.
const (
	ManageShares share.Permission = "MANAGE_SHARES"
	ResolveDrift share.Permission = "RESOLVE_DRIFT"
)

// Actor is the subject of an authorization decision: a user, their team
// memberships, and their roles.
type Actor struct {
	UserID  ids.UserID
	TeamIDs []ids.TeamID
	Roles   []string
}

// HasRole reports whether role is among a.Roles.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) isTeamMember(teamID ids.TeamID) bool {
	for _, t := range a.TeamIDs {
		if t == teamID {
			return true
		}
	}
	return false
}

// Resource describes the thing a decision is requested against.
type Resource struct {
	ServiceID   ids.ServiceID
	CreatedBy   ids.UserID
	OwnerTeamID *ids.TeamID
	Environment string
}

// ShareLister is the narrow capability Evaluator needs from pkg/share:
// the active shares for a single service.
type ShareLister interface {
	ActiveForService(ctx context.Context, serviceID ids.ServiceID) ([]share.ServiceShare, error)
}

// Evaluator resolves Decide/EffectivePermissions/AugmentScope against an
// ordered rule chain: SYS_ADMIN, then ownership, then shares, then deny.
type Evaluator struct {
	shares ShareLister
}

// NewEvaluator creates an Evaluator backed by shares.
func NewEvaluator(shares ShareLister) *Evaluator {
	return &Evaluator{shares: shares}
}

// Decide resolves whether actor may perform permission on resource,
// applying the rule chain in order; the first matching rule wins.
func (e *Evaluator) Decide(ctx context.Context, actor Actor, resource Resource, permission share.Permission) (bool, error) {
	if actor.HasRole(RoleSysAdmin) {
		return true, nil
	}

	if isOwner(actor, resource) {
		return OwnerBundle[permission], nil
	}

	granted, err := e.shareUnion(ctx, actor, resource)
	if err != nil {
		return false, err
	}
	return granted[permission], nil
}

// EffectivePermissions returns the union of (owner-bundle if owner/creator)
// and (every matching share's permissions) for actor against resource.
func (e *Evaluator) EffectivePermissions(ctx context.Context, actor Actor, resource Resource) (map[share.Permission]bool, error) {
	if actor.HasRole(RoleSysAdmin) {
		all := make(map[share.Permission]bool, len(OwnerBundle))
		for p := range OwnerBundle {
			all[p] = true
		}
		return all, nil
	}

	if isOwner(actor, resource) {
		out := make(map[share.Permission]bool, len(OwnerBundle))
		for p, ok := range OwnerBundle {
			if ok {
				out[p] = true
			}
		}
		return out, nil
	}

	return e.shareUnion(ctx, actor, resource)
}

func (e *Evaluator) shareUnion(ctx context.Context, actor Actor, resource Resource) (map[share.Permission]bool, error) {
	shares, err := e.shares.ActiveForService(ctx, resource.ServiceID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	granted := make(map[share.Permission]bool)
	for _, sh := range shares {
		if !sh.IsActive(now) {
			continue
		}
		if !sh.MatchesGrantee(actor.TeamIDs, actor.UserID) {
			continue
		}
		if !sh.MatchesEnvironment(resource.Environment) {
			continue
		}
		for _, p := range sh.Permissions {
			granted[p] = true
		}
	}
	return granted, nil
}

func isOwner(actor Actor, resource Resource) bool {
	if resource.CreatedBy != "" && actor.UserID == resource.CreatedBy {
		return true
	}
	if resource.OwnerTeamID != nil && actor.isTeamMember(*resource.OwnerTeamID) {
		return true
	}
	return false
}

// AugmentScope computes the criteria.AuthScope for actor listing services or
// drift events: SYS_ADMINs are unrestricted; everyone else is scoped to
// owned services union shared services.
func (e *Evaluator) AugmentScope(ctx context.Context, actor Actor, ownedServiceIDs []ids.ServiceID) (criteria.AuthScope, error) {
	if actor.HasRole(RoleSysAdmin) {
		return criteria.AuthScope{Unrestricted: true}, nil
	}

	visible := make(map[ids.ServiceID]bool, len(ownedServiceIDs))
	for _, id := range ownedServiceIDs {
		visible[id] = true
	}

	sharesByTeam, err := e.sharesForActor(ctx, actor)
	if err != nil {
		return criteria.AuthScope{}, err
	}
	for _, sh := range sharesByTeam {
		visible[sh.ServiceID] = true
	}

	ids := make([]string, 0, len(visible))
	for id := range visible {
		ids = append(ids, string(id))
	}
	return criteria.AuthScope{ServiceIDs: ids}, nil
}

// ActorShareSource is the narrow capability AugmentScope needs to enumerate
// every share touching actor, across all of their team memberships and
// their own user grants.
type ActorShareSource interface {
	ActiveForTeam(ctx context.Context, teamID ids.TeamID) ([]share.ServiceShare, error)
	ActiveForUser(ctx context.Context, userID ids.UserID) ([]share.ServiceShare, error)
}

func (e *Evaluator) sharesForActor(ctx context.Context, actor Actor) ([]share.ServiceShare, error) {
	source, ok := e.shares.(ActorShareSource)
	if !ok {
		return nil, nil
	}

	var out []share.ServiceShare
	for _, teamID := range actor.TeamIDs {
		shares, err := source.ActiveForTeam(ctx, teamID)
		if err != nil {
			return nil, err
		}
		out = append(out, shares...)
	}
	userShares, err := source.ActiveForUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	return append(out, userShares...), nil
}
