package approval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/ids"
)

type fakeRepo struct {
	requests  map[string]ApprovalRequest
	decisions map[string][]ApprovalDecision
	nextID    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{requests: make(map[string]ApprovalRequest), decisions: make(map[string][]ApprovalDecision)}
}

func (f *fakeRepo) Create(_ context.Context, r ApprovalRequest) (ApprovalRequest, error) {
	f.nextID++
	if r.ID == "" {
		r.ID = string(rune('a' + f.nextID))
	}
	r.Version = 1
	f.requests[r.ID] = r
	return r, nil
}

func (f *fakeRepo) FindByID(_ context.Context, id string) (ApprovalRequest, error) {
	r, ok := f.requests[id]
	if !ok {
		return ApprovalRequest{}, errNotFound
	}
	return r, nil
}

func (f *fakeRepo) FindPendingByRequesterAndService(_ context.Context, requesterUserID ids.UserID, serviceID ids.ServiceID) (ApprovalRequest, bool, error) {
	for _, r := range f.requests {
		if r.RequesterUserID == requesterUserID && r.TargetServiceID == serviceID && r.Status == Pending {
			return r, true, nil
		}
	}
	return ApprovalRequest{}, false, nil
}

func (f *fakeRepo) FindPendingByServiceID(_ context.Context, serviceID ids.ServiceID, excludeID string) ([]ApprovalRequest, error) {
	var out []ApprovalRequest
	for _, r := range f.requests {
		if r.TargetServiceID == serviceID && r.Status == Pending && r.ID != excludeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateStatusCAS(_ context.Context, id string, expectedVersion int64, newStatus Status, reason string) (ApprovalRequest, error) {
	r, ok := f.requests[id]
	if !ok || r.Version != expectedVersion {
		return ApprovalRequest{}, errConflict
	}
	r.Status = newStatus
	r.Reason = reason
	r.Version++
	f.requests[id] = r
	return r, nil
}

func (f *fakeRepo) FindAll(_ context.Context, _ criteria.Criteria) (criteria.Page[ApprovalRequest], error) {
	var items []ApprovalRequest
	for _, r := range f.requests {
		items = append(items, r)
	}
	return criteria.NewPage(items, criteria.Paging{}, len(items)), nil
}

func (f *fakeRepo) CreateDecision(_ context.Context, d ApprovalDecision) (ApprovalDecision, error) {
	f.decisions[d.RequestID] = append(f.decisions[d.RequestID], d)
	return d, nil
}

func (f *fakeRepo) FindDecisionsByRequest(_ context.Context, requestID string) ([]ApprovalDecision, error) {
	return f.decisions[requestID], nil
}

func (f *fakeRepo) HasDecision(_ context.Context, requestID, gate string, actorUserID ids.UserID) (bool, error) {
	for _, d := range f.decisions[requestID] {
		if d.Gate == gate && d.ActorUserID == actorUserID {
			return true, nil
		}
	}
	return false, nil
}

type fakeServiceGuard struct{ retired map[ids.ServiceID]bool }

func (g *fakeServiceGuard) AssertNotRetired(_ context.Context, id ids.ServiceID) error {
	if g.retired[id] {
		return errConflict
	}
	return nil
}

type fakeOwnerReassigner struct{ owners map[ids.ServiceID]ids.TeamID }

func (f *fakeOwnerReassigner) ReassignOwner(_ context.Context, id ids.ServiceID, newTeamID ids.TeamID) error {
	if f.owners == nil {
		f.owners = make(map[ids.ServiceID]ids.TeamID)
	}
	f.owners[id] = newTeamID
	return nil
}

type fakeTeamReassigner struct {
	calls map[ids.ServiceID]ids.TeamID
}

func (f *fakeTeamReassigner) ReassignTeam(_ context.Context, serviceID ids.ServiceID, newTeamID ids.TeamID) (int64, error) {
	if f.calls == nil {
		f.calls = make(map[ids.ServiceID]ids.TeamID)
	}
	f.calls[serviceID] = newTeamID
	return 1, nil
}

var (
	errNotFound = errors.New("fake: not found")
	errConflict = errors.New("fake: version conflict")
)

func newHarness() (*Service, *fakeRepo) {
	repo := newFakeRepo()
	svc := NewService(repo, &fakeServiceGuard{}, &fakeOwnerReassigner{}, &fakeTeamReassigner{}, &fakeTeamReassigner{}, 5)
	return svc, repo
}

func TestCreate_RejectsEmptyGates(t *testing.T) {
	svc, _ := newHarness()
	_, err := svc.Create(context.Background(), CreateParams{ServiceID: "svc-a", TargetTeamID: "team-1", RequesterUserID: "user-1"})
	if err == nil {
		t.Fatal("expected error for empty required gates")
	}
}

func TestCreate_RejectsDuplicatePending(t *testing.T) {
	svc, _ := newHarness()
	ctx := context.Background()
	params := CreateParams{ServiceID: "svc-a", TargetTeamID: "team-1", RequesterUserID: "user-1", Required: []Gate{{Name: "g1", MinApprovals: 1}}}
	if _, err := svc.Create(ctx, params); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if _, err := svc.Create(ctx, params); err == nil {
		t.Fatal("expected Conflict on duplicate pending request")
	}
}

func TestSubmitDecision_FirstRejectWins(t *testing.T) {
	svc, repo := newHarness()
	ctx := context.Background()
	req, err := svc.Create(ctx, CreateParams{
		ServiceID:       "svc-x",
		TargetTeamID:    "team-1",
		RequesterUserID: "user-1",
		Required:        []Gate{{Name: "g1", MinApprovals: 1}, {Name: "g2", MinApprovals: 2}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := svc.SubmitDecision(ctx, DecisionParams{RequestID: req.ID, Gate: "g1", ActorUserID: "userA", Decision: Approve}); err != nil {
		t.Fatalf("SubmitDecision(g1 approve) error = %v", err)
	}
	if _, err := svc.SubmitDecision(ctx, DecisionParams{RequestID: req.ID, Gate: "g2", ActorUserID: "userB", Decision: Approve}); err != nil {
		t.Fatalf("SubmitDecision(g2 approve) error = %v", err)
	}
	final, err := svc.SubmitDecision(ctx, DecisionParams{RequestID: req.ID, Gate: "g1", ActorUserID: "userC", Decision: Reject})
	if err != nil {
		t.Fatalf("SubmitDecision(g1 reject) error = %v", err)
	}
	if final.Status != Rejected {
		t.Fatalf("expected REJECTED, got %v", final.Status)
	}
	if !strings.Contains(final.Reason, "g1") {
		t.Fatalf("expected reason to reference g1, got %q", final.Reason)
	}

	stored := repo.requests[req.ID]
	if stored.Status != Rejected {
		t.Fatalf("expected persisted status REJECTED, got %v", stored.Status)
	}
}

func TestSubmitDecision_RejectsDoubleVoteOnSameGate(t *testing.T) {
	svc, _ := newHarness()
	ctx := context.Background()
	req, err := svc.Create(ctx, CreateParams{
		ServiceID:       "svc-x",
		TargetTeamID:    "team-1",
		RequesterUserID: "user-1",
		Required:        []Gate{{Name: "g1", MinApprovals: 1}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.SubmitDecision(ctx, DecisionParams{RequestID: req.ID, Gate: "g1", ActorUserID: "userA", Decision: Approve}); err != nil {
		t.Fatalf("first SubmitDecision() error = %v", err)
	}
	if _, err := svc.SubmitDecision(ctx, DecisionParams{RequestID: req.ID, Gate: "g1", ActorUserID: "userA", Decision: Approve}); err == nil {
		t.Fatal("expected error on double vote by same actor on same gate")
	}
}

func TestCascade_CompletionRejectsDifferentTargetApprovesSameTarget(t *testing.T) {
	svc, repo := newHarness()
	ctx := context.Background()

	ra, err := svc.Create(ctx, CreateParams{ServiceID: "svc-x", TargetTeamID: "t1", RequesterUserID: "user-a", Required: []Gate{{Name: "g1", MinApprovals: 1}}})
	if err != nil {
		t.Fatalf("Create(r-a) error = %v", err)
	}
	rb, err := svc.Create(ctx, CreateParams{ServiceID: "svc-x", TargetTeamID: "t1", RequesterUserID: "user-b", Required: []Gate{{Name: "g1", MinApprovals: 1}}})
	if err != nil {
		t.Fatalf("Create(r-b) error = %v", err)
	}
	rc, err := svc.Create(ctx, CreateParams{ServiceID: "svc-x", TargetTeamID: "t2", RequesterUserID: "user-c", Required: []Gate{{Name: "g1", MinApprovals: 1}}})
	if err != nil {
		t.Fatalf("Create(r-c) error = %v", err)
	}

	final, err := svc.SubmitDecision(ctx, DecisionParams{RequestID: ra.ID, Gate: "g1", ActorUserID: "approver", Decision: Approve})
	if err != nil {
		t.Fatalf("SubmitDecision() error = %v", err)
	}
	if final.Status != Approved {
		t.Fatalf("expected r-a APPROVED, got %v", final.Status)
	}

	if got := repo.requests[rb.ID].Status; got != Approved {
		t.Fatalf("expected r-b cascaded to APPROVED (same target team), got %v", got)
	}
	if got := repo.requests[rc.ID].Status; got != Rejected {
		t.Fatalf("expected r-c cascaded to REJECTED (different target team), got %v", got)
	}
	if !strings.Contains(repo.requests[rc.ID].Reason, "t1") {
		t.Fatalf("expected r-c's rejection reason to reference the new owner, got %q", repo.requests[rc.ID].Reason)
	}
}

func TestCancel_OnlyPendingCanBeCancelled(t *testing.T) {
	svc, _ := newHarness()
	ctx := context.Background()
	req, err := svc.Create(ctx, CreateParams{ServiceID: "svc-x", TargetTeamID: "t1", RequesterUserID: "user-a", Required: []Gate{{Name: "g1", MinApprovals: 1}}})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cancelled, err := svc.Cancel(ctx, req.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != Cancelled {
		t.Fatalf("expected CANCELLED, got %v", cancelled.Status)
	}
	if _, err := svc.Cancel(ctx, req.ID); err == nil {
		t.Fatal("expected error cancelling an already-terminal request")
	}
}
