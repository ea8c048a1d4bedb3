package service

import (
	"context"
	"testing"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/pkg/criteria"
	"github.com/oakfield/driftctl/pkg/ids"
)

type fakeRepo struct {
	byID map[ids.ServiceID]ApplicationService
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[ids.ServiceID]ApplicationService)}
}

func (f *fakeRepo) FindByID(_ context.Context, id ids.ServiceID) (ApplicationService, error) {
	svc, ok := f.byID[id]
	if !ok {
		return ApplicationService{}, apierr.New(apierr.NotFound, "fake.FindByID", "not_found", "not found")
	}
	return svc, nil
}

func (f *fakeRepo) FindByDisplayNames(_ context.Context, names []string) ([]ApplicationService, error) {
	var out []ApplicationService
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for _, svc := range f.byID {
		if set[svc.DisplayName] {
			out = append(out, svc)
		}
	}
	return out, nil
}

func (f *fakeRepo) Save(_ context.Context, svc ApplicationService) (ApplicationService, error) {
	f.byID[svc.ID] = svc
	return svc, nil
}

func (f *fakeRepo) BulkUpdateTeamIDByServiceID(_ context.Context, id ids.ServiceID, newTeamID ids.TeamID) (int64, error) {
	svc, ok := f.byID[id]
	if !ok {
		return 0, nil
	}
	svc.OwnerTeamID = &newTeamID
	f.byID[id] = svc
	return 1, nil
}

func (f *fakeRepo) FindAll(_ context.Context, _ criteria.Criteria) (criteria.Page[ApplicationService], error) {
	var items []ApplicationService
	for _, svc := range f.byID {
		items = append(items, svc)
	}
	return criteria.NewPage(items, criteria.Paging{}, len(items)), nil
}

func TestCreate_RejectsEmptyID(t *testing.T) {
	svc := NewService(newFakeRepo())
	_, err := svc.Create(context.Background(), CreateParams{
		ID:           "",
		DisplayName:  "svc-a",
		Environments: []string{"prod"},
	})
	if !apierr.Is(err, apierr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestCreate_RejectsNoEnvironments(t *testing.T) {
	svc := NewService(newFakeRepo())
	_, err := svc.Create(context.Background(), CreateParams{
		ID:          "svc-a",
		DisplayName: "svc-a",
	})
	if !apierr.Is(err, apierr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestCreate_Success(t *testing.T) {
	svc := NewService(newFakeRepo())
	created, err := svc.Create(context.Background(), CreateParams{
		ID:           "svc-a",
		DisplayName:  "svc-a",
		Environments: []string{"prod"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.Lifecycle != Active {
		t.Fatalf("expected ACTIVE lifecycle, got %v", created.Lifecycle)
	}
}

func TestRetire_ThenAssertNotRetiredFails(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateParams{ID: "svc-a", DisplayName: "svc-a", Environments: []string{"prod"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.Retire(ctx, "svc-a"); err != nil {
		t.Fatalf("Retire() error = %v", err)
	}

	err := svc.AssertNotRetired(ctx, "svc-a")
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("expected Conflict for a retired service, got %v", err)
	}
}
