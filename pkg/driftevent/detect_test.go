package driftevent

import (
	"context"
	"testing"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/ids"
)

type fakeRepo struct {
	events map[string]DriftEvent
	nextID int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{events: make(map[string]DriftEvent)}
}

func (f *fakeRepo) Create(_ context.Context, e DriftEvent) (DriftEvent, error) {
	f.nextID++
	e.ID = string(rune('a' + f.nextID))
	e.Status = Detected
	f.events[e.ID] = e
	return e, nil
}

func (f *fakeRepo) FindUnresolvedByInstance(_ context.Context, instanceID ids.InstanceID) ([]DriftEvent, error) {
	var out []DriftEvent
	for _, e := range f.events {
		if e.InstanceID == instanceID && IsUnresolved(e.Status) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRepo) ResolveMany(_ context.Context, ids []string, resolvedBy string, resolvedAt time.Time) (int64, error) {
	var n int64
	for _, id := range ids {
		e, ok := f.events[id]
		if !ok || !IsUnresolved(e.Status) {
			continue
		}
		e.Status = Resolved
		e.ResolvedBy = resolvedBy
		e.ResolvedAt = &resolvedAt
		f.events[id] = e
		n++
	}
	return n, nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, id string, from []Status, to Status) (DriftEvent, error) {
	e, ok := f.events[id]
	if !ok {
		return DriftEvent{}, apierr.New(apierr.Conflict, "fake.UpdateStatus", "driftevent.bad_transition", "bad transition")
	}
	for _, st := range from {
		if e.Status == st {
			e.Status = to
			f.events[id] = e
			return e, nil
		}
	}
	return DriftEvent{}, apierr.New(apierr.Conflict, "fake.UpdateStatus", "driftevent.bad_transition", "bad transition")
}

func (f *fakeRepo) SetNotes(_ context.Context, id string, notes string) error {
	e, ok := f.events[id]
	if !ok {
		return apierr.New(apierr.NotFound, "fake.SetNotes", "driftevent.not_found", "not found")
	}
	e.Notes = notes
	f.events[id] = e
	return nil
}

func (f *fakeRepo) FindByID(_ context.Context, id string) (DriftEvent, error) {
	return f.events[id], nil
}

func (f *fakeRepo) FindAll(_ context.Context, _ criteria.Criteria) (criteria.Page[DriftEvent], error) {
	var items []DriftEvent
	for _, e := range f.events {
		items = append(items, e)
	}
	return criteria.NewPage(items, criteria.Paging{}, len(items)), nil
}

func (f *fakeRepo) BulkUpdateTeamIDByServiceID(_ context.Context, serviceID ids.ServiceID, newTeamID ids.TeamID) (int64, error) {
	var n int64
	for id, e := range f.events {
		if e.ServiceID == serviceID {
			e.TeamID = &newTeamID
			f.events[id] = e
			n++
		}
	}
	return n, nil
}

func TestRecordTransitionIntoDrift_UsesPolicySeverity(t *testing.T) {
	svc := NewService(newFakeRepo(), NewProductionEnvPolicy([]string{"production"}, []string{"staging"}))
	evt, err := svc.RecordTransitionIntoDrift(context.Background(), RecordParams{
		ServiceID:    "svc-a-id",
		ServiceName:  "svc-a",
		InstanceID:   "inst-1",
		Environment:  "production",
		ExpectedHash: "abc",
		AppliedHash:  "def",
	})
	if err != nil {
		t.Fatalf("RecordTransitionIntoDrift() error = %v", err)
	}
	if evt.Severity != SeverityCritical {
		t.Fatalf("expected CRITICAL severity in production, got %v", evt.Severity)
	}
	if evt.Status != Detected {
		t.Fatalf("expected DETECTED status, got %v", evt.Status)
	}
	if evt.ServiceName != "svc-a" {
		t.Fatalf("expected serviceName carried onto the event, got %q", evt.ServiceName)
	}
}

func TestRecordTransitionIntoDrift_StagingIsHigh(t *testing.T) {
	svc := NewService(newFakeRepo(), NewProductionEnvPolicy([]string{"production"}, []string{"staging"}))
	evt, err := svc.RecordTransitionIntoDrift(context.Background(), RecordParams{
		InstanceID:  "inst-1",
		Environment: "staging",
	})
	if err != nil {
		t.Fatalf("RecordTransitionIntoDrift() error = %v", err)
	}
	if evt.Severity != SeverityHigh {
		t.Fatalf("expected HIGH severity in staging, got %v", evt.Severity)
	}
}

func TestRecordTransitionIntoDrift_OtherEnvironmentIsMedium(t *testing.T) {
	svc := NewService(newFakeRepo(), NewProductionEnvPolicy([]string{"production"}, []string{"staging"}))
	evt, err := svc.RecordTransitionIntoDrift(context.Background(), RecordParams{
		InstanceID:  "inst-1",
		Environment: "dev",
	})
	if err != nil {
		t.Fatalf("RecordTransitionIntoDrift() error = %v", err)
	}
	if evt.Severity != SeverityMedium {
		t.Fatalf("expected MEDIUM severity outside production/staging, got %v", evt.Severity)
	}
}

func TestResolveTransitionOutOfDrift_ResolvesAllUnresolvedForInstance(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, NewProductionEnvPolicy(nil, nil))
	ctx := context.Background()

	if _, err := svc.RecordTransitionIntoDrift(ctx, RecordParams{InstanceID: "inst-1"}); err != nil {
		t.Fatalf("RecordTransitionIntoDrift() error = %v", err)
	}
	if _, err := svc.RecordTransitionIntoDrift(ctx, RecordParams{InstanceID: "inst-1"}); err != nil {
		t.Fatalf("RecordTransitionIntoDrift() error = %v", err)
	}
	if _, err := svc.RecordTransitionIntoDrift(ctx, RecordParams{InstanceID: "inst-2"}); err != nil {
		t.Fatalf("RecordTransitionIntoDrift() error = %v", err)
	}

	n, err := svc.ResolveTransitionOutOfDrift(ctx, "inst-1", time.Now())
	if err != nil {
		t.Fatalf("ResolveTransitionOutOfDrift() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events resolved for inst-1, got %d", n)
	}

	for _, e := range repo.events {
		if e.InstanceID == "inst-1" {
			if e.Status != Resolved || e.ResolvedBy != ResolvedBySystem {
				t.Fatalf("expected inst-1 event resolved by system, got status=%v resolvedBy=%q", e.Status, e.ResolvedBy)
			}
		} else if e.Status != Detected {
			t.Fatalf("expected inst-2 event to remain DETECTED, got %v", e.Status)
		}
	}
}

func TestResolveTransitionOutOfDrift_NoOpenEventsIsNoop(t *testing.T) {
	svc := NewService(newFakeRepo(), NewProductionEnvPolicy(nil, nil))
	n, err := svc.ResolveTransitionOutOfDrift(context.Background(), "inst-1", time.Now())
	if err != nil {
		t.Fatalf("ResolveTransitionOutOfDrift() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 events resolved, got %d", n)
	}
}

func TestAcknowledgeThenResolve_WalksTheLifecycle(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, NewProductionEnvPolicy(nil, nil))
	ctx := context.Background()

	evt, err := svc.RecordTransitionIntoDrift(ctx, RecordParams{InstanceID: "inst-1"})
	if err != nil {
		t.Fatalf("RecordTransitionIntoDrift() error = %v", err)
	}

	acked, err := svc.Acknowledge(ctx, evt.ID)
	if err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if acked.Status != Acknowledged {
		t.Fatalf("expected ACKNOWLEDGED, got %v", acked.Status)
	}

	resolving, err := svc.StartResolving(ctx, evt.ID)
	if err != nil {
		t.Fatalf("StartResolving() error = %v", err)
	}
	if resolving.Status != Resolving {
		t.Fatalf("expected RESOLVING, got %v", resolving.Status)
	}

	resolved, err := svc.Resolve(ctx, evt.ID, "user-1", time.Now())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.Status != Resolved || resolved.ResolvedBy != "user-1" || resolved.ResolvedAt == nil {
		t.Fatalf("expected RESOLVED with resolvedBy/resolvedAt set, got %+v", resolved)
	}
}

func TestResolve_ResolvedEventIsConflict(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, NewProductionEnvPolicy(nil, nil))
	ctx := context.Background()

	evt, err := svc.RecordTransitionIntoDrift(ctx, RecordParams{InstanceID: "inst-1"})
	if err != nil {
		t.Fatalf("RecordTransitionIntoDrift() error = %v", err)
	}
	if _, err := svc.Resolve(ctx, evt.ID, "user-1", time.Now()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if _, err := svc.Resolve(ctx, evt.ID, "user-2", time.Now()); !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("expected Conflict resolving an already-resolved event, got %v", err)
	}
}

func TestResolve_RequiresResolvedBy(t *testing.T) {
	svc := NewService(newFakeRepo(), NewProductionEnvPolicy(nil, nil))
	if _, err := svc.Resolve(context.Background(), "x", "", time.Now()); !apierr.Is(err, apierr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument for empty resolvedBy, got %v", err)
	}
}

func TestIgnore_FromDetected(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, NewProductionEnvPolicy(nil, nil))
	ctx := context.Background()

	evt, err := svc.RecordTransitionIntoDrift(ctx, RecordParams{InstanceID: "inst-1"})
	if err != nil {
		t.Fatalf("RecordTransitionIntoDrift() error = %v", err)
	}
	ignored, err := svc.Ignore(ctx, evt.ID)
	if err != nil {
		t.Fatalf("Ignore() error = %v", err)
	}
	if ignored.Status != Ignored {
		t.Fatalf("expected IGNORED, got %v", ignored.Status)
	}

	// Auto-resolution must leave ignored events alone.
	n, err := svc.ResolveTransitionOutOfDrift(ctx, "inst-1", time.Now())
	if err != nil {
		t.Fatalf("ResolveTransitionOutOfDrift() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("expected ignored event to stay ignored, got %d resolved", n)
	}
}

func TestSetNotes_MutableAfterResolution(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, NewProductionEnvPolicy(nil, nil))
	ctx := context.Background()

	evt, err := svc.RecordTransitionIntoDrift(ctx, RecordParams{InstanceID: "inst-1"})
	if err != nil {
		t.Fatalf("RecordTransitionIntoDrift() error = %v", err)
	}
	if _, err := svc.Resolve(ctx, evt.ID, "user-1", time.Now()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if err := svc.SetNotes(ctx, evt.ID, "root cause: stale deploy"); err != nil {
		t.Fatalf("SetNotes() error = %v", err)
	}
	got, err := svc.Get(ctx, evt.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Notes != "root cause: stale deploy" {
		t.Fatalf("expected notes updated on a resolved event, got %q", got.Notes)
	}
}
