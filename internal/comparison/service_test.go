package comparison

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository"
	"github.com/costline/costline/internal/repository/memory"
	"github.com/costline/costline/internal/versioning"
)

type fixture struct {
	service  *Service
	versions *versioning.Service
	project  domain.Project
	main     domain.Branch
	branch   domain.Branch
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	project, err := store.Branches().CreateProject(ctx, domain.NewProject("Refinery Upgrade"))
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	main, err := store.Branches().Create(ctx, domain.NewMainBranch(project.ID))
	if err != nil {
		t.Fatalf("create main: %v", err)
	}
	branch, err := store.Branches().Create(ctx, domain.NewBranch(project.ID, "feature-1"))
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}

	return fixture{
		service:  NewService(store.Versions(), store.Branches(), nil),
		versions: versioning.NewService(store.Versions(), store.Branches(), nil),
		project:  project,
		main:     main,
		branch:   branch,
	}
}

func (f fixture) write(t *testing.T, branchID, entityID uuid.UUID, expected int64, payload map[string]any) domain.Version {
	t.Helper()
	v, err := f.versions.Write(context.Background(), versioning.WriteRequest{
		EntityID:         entityID,
		EntityType:       "cost_element",
		BranchID:         branchID,
		Payload:          payload,
		ExpectedRevision: expected,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	return v
}

func TestCompareUntouchedBranchIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 1000.0})

	result, err := f.service.Compare(context.Background(), f.project.ID, f.branch.ID, uuid.Nil)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !result.Empty() {
		t.Fatalf("branch with no writes must compare empty, got %+v", result.Items)
	}
}

func TestCompareAgainstMainByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existing := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 1000.0})
	f.write(t, f.branch.ID, existing.EntityID, 0, map[string]any{"budget": 1400.0})
	f.write(t, f.branch.ID, uuid.Nil, 0, map[string]any{"budget": 200.0})

	result, err := f.service.Compare(ctx, f.project.ID, f.branch.ID, uuid.Nil)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if result.BaseBranchID != f.main.ID {
		t.Fatal("zero base branch must default to main")
	}
	if result.Summary.Creates != 1 || result.Summary.Updates != 1 {
		t.Fatalf("expected one create and one update, got %+v", result.Summary)
	}
	if result.Summary.TotalBudgetChange != 600.0 {
		t.Fatalf("expected total budget change 600, got %f", result.Summary.TotalBudgetChange)
	}
}

func TestCompareBranchAgainstBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.service.branches.Create(ctx, domain.NewBranch(f.project.ID, "feature-2"))
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}

	shared := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 100.0})
	f.write(t, other.ID, shared.EntityID, 0, map[string]any{"budget": 150.0})
	f.write(t, f.branch.ID, shared.EntityID, 0, map[string]any{"budget": 175.0})

	result, err := f.service.Compare(ctx, f.project.ID, f.branch.ID, other.ID)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(result.Items) != 1 || result.Items[0].Kind != domain.ChangeKindUpdate {
		t.Fatalf("expected one update against the other branch, got %+v", result.Items)
	}
	// The base branch's own overlay (150) is the comparison floor, not main.
	deltas := result.Items[0].FinancialDeltas
	if len(deltas) != 1 || deltas[0].Delta != 25.0 {
		t.Fatalf("expected budget delta 25 against feature-2, got %+v", deltas)
	}
}

func TestCompareBranchOutsideProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Compare(context.Background(), uuid.New(), f.branch.ID, uuid.Nil)
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for foreign project, got %v", err)
	}
}

func TestCompareIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.write(t, f.branch.ID, uuid.Nil, 0, map[string]any{"budget": 10.0})

	for i := 0; i < 3; i++ {
		if _, err := f.service.Compare(ctx, f.project.ID, f.branch.ID, uuid.Nil); err != nil {
			t.Fatalf("Compare: %v", err)
		}
	}

	history, err := f.versions.History(ctx, v.EntityID, f.branch.ID, historyAll())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("comparison must not write versions, got %d revisions", len(history))
	}
}

func historyAll() repository.HistoryFilter {
	return repository.HistoryFilter{IncludeDeleted: true}
}
