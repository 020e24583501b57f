package branches

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository/memory"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewService(store, store.Branches(), store.Orders(), nil), store
}

func TestCreateProjectCreatesMain(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	project, main, err := svc.CreateProject(ctx, "Metro Line 4")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if !main.IsMain || main.Name != domain.MainBranchName {
		t.Fatalf("project creation must yield the main branch, got %+v", main)
	}
	if main.ProjectID != project.ID {
		t.Fatal("main branch must belong to the created project")
	}

	resolved, err := svc.Main(ctx, project.ID)
	if err != nil {
		t.Fatalf("Main: %v", err)
	}
	if resolved.ID != main.ID {
		t.Fatal("Main must resolve the branch created with the project")
	}
}

func TestCreateProjectRequiresName(t *testing.T) {
	svc, _ := newService(t)
	_, _, err := svc.CreateProject(context.Background(), "   ")
	var invalid *domain.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError for blank name, got %v", err)
	}
}

func TestCreateBranchDuplicateNameCaseInsensitive(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	project, _, err := svc.CreateProject(ctx, "Metro Line 4")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := svc.CreateBranch(ctx, project.ID, "Feature-1"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	_, err = svc.CreateBranch(ctx, project.ID, "feature-1")
	var duplicate *domain.DuplicateNameError
	if !errors.As(err, &duplicate) {
		t.Fatalf("expected DuplicateNameError for case-insensitive collision, got %v", err)
	}
}

func TestCreateBranchUnknownProject(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.CreateBranch(context.Background(), uuid.New(), "feature-1")
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestDeleteMainBranchProtected(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, main, err := svc.CreateProject(ctx, "Metro Line 4")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	err = svc.DeleteBranch(ctx, main.ID)
	var protected *domain.MainBranchProtectedError
	if !errors.As(err, &protected) {
		t.Fatalf("expected MainBranchProtectedError, got %v", err)
	}
}

func TestDeleteBranchIsSoft(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	project, _, err := svc.CreateProject(ctx, "Metro Line 4")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	branch, err := svc.CreateBranch(ctx, project.ID, "feature-1")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	if err := svc.DeleteBranch(ctx, branch.ID); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}

	discarded, err := store.Branches().GetByID(ctx, branch.ID)
	if err != nil {
		t.Fatalf("discarded branch must remain loadable: %v", err)
	}
	if discarded.Status != domain.BranchStatusDiscarded {
		t.Fatalf("expected discarded status, got %s", discarded.Status)
	}

	// Deleting again is invalid, not a repeat soft delete.
	err = svc.DeleteBranch(ctx, branch.ID)
	var invalid *domain.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError for terminal branch, got %v", err)
	}
}

func TestDeleteBranchBlockedByActiveChangeOrder(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	project, _, err := svc.CreateProject(ctx, "Metro Line 4")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	branch, err := svc.CreateBranch(ctx, project.ID, "feature-1")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if _, err := store.Orders().Create(ctx, domain.NewChangeOrder(project.ID, branch.ID, 1, "Scope change", "")); err != nil {
		t.Fatalf("create change order: %v", err)
	}

	err = svc.DeleteBranch(ctx, branch.ID)
	var invalid *domain.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError while a change order is active, got %v", err)
	}

	active, err := store.Branches().GetByID(ctx, branch.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if active.Status != domain.BranchStatusActive {
		t.Fatal("branch must stay active when the delete is refused")
	}
}

func TestResolveByName(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	project, _, err := svc.CreateProject(ctx, "Metro Line 4")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	branch, err := svc.CreateBranch(ctx, project.ID, "feature-1")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	resolved, err := svc.Resolve(ctx, project.ID, "FEATURE-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.ID != branch.ID {
		t.Fatal("Resolve must match names case-insensitively")
	}
}

func TestListIncludesMain(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	project, main, err := svc.CreateProject(ctx, "Metro Line 4")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := svc.CreateBranch(ctx, project.ID, "feature-1"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	list, err := svc.List(ctx, project.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected main plus one branch, got %d", len(list))
	}
	if list[0].ID != main.ID {
		t.Fatal("main must list first as the oldest branch")
	}
}
