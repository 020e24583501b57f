package versioning

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository"
	"github.com/costline/costline/internal/repository/memory"
)

type fixture struct {
	store   *memory.Store
	service *Service
	project domain.Project
	main    domain.Branch
	branch  domain.Branch
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	project, err := store.Branches().CreateProject(ctx, domain.NewProject("Harbor Expansion"))
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
		store:   store,
		service: NewService(store.Versions(), store.Branches(), nil),
		project: project,
		main:    main,
		branch:  branch,
	}
}

func (f fixture) write(t *testing.T, branchID uuid.UUID, entityID uuid.UUID, expected int64, payload map[string]any) domain.Version {
	t.Helper()
	v, err := f.service.Write(context.Background(), WriteRequest{
		EntityID:         entityID,
		EntityType:       "cost_element",
		BranchID:         branchID,
		Payload:          payload,
		ExpectedRevision: expected,
	})
	if err != nil {
		t.Fatalf("write on branch %s: %v", branchID, err)
	}
	return v
}

func TestWriteAssignsEntityIdentity(t *testing.T) {
	f := newFixture(t)
	v := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 100.0})
	if v.EntityID == uuid.Nil {
		t.Fatal("zero entity ID must create a new identity")
	}
	if v.Revision != 1 {
		t.Fatalf("first revision must be 1, got %d", v.Revision)
	}
}

func TestCopyOnWriteRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	onMain := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 1000.0})

	// The branch never touched the entity; it resolves to main's version.
	current, err := f.service.CurrentOn(ctx, f.branch.ID)
	if err != nil {
		t.Fatalf("CurrentOn: %v", err)
	}
	got, ok := current[onMain.EntityID]
	if !ok {
		t.Fatal("branch must see main's entity through copy-on-write")
	}
	if got.ID != onMain.ID {
		t.Fatal("untouched entity must resolve to the identical main version")
	}

	// A branch write overlays main without touching it.
	onBranch := f.write(t, f.branch.ID, onMain.EntityID, 0, map[string]any{"budget": 1500.0})

	current, err = f.service.CurrentOn(ctx, f.branch.ID)
	if err != nil {
		t.Fatalf("CurrentOn: %v", err)
	}
	if current[onMain.EntityID].ID != onBranch.ID {
		t.Fatal("branch write must shadow main's version on the branch")
	}

	mainCurrent, err := f.service.CurrentOn(ctx, f.main.ID)
	if err != nil {
		t.Fatalf("CurrentOn main: %v", err)
	}
	if mainCurrent[onMain.EntityID].ID != onMain.ID {
		t.Fatal("branch write must not leak into main")
	}
}

func TestWriteStaleRevisionConflicts(t *testing.T) {
	f := newFixture(t)

	v := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 100.0})
	f.write(t, f.main.ID, v.EntityID, 1, map[string]any{"budget": 200.0})

	_, err := f.service.Write(context.Background(), WriteRequest{
		EntityID:         v.EntityID,
		EntityType:       "cost_element",
		BranchID:         f.main.ID,
		Payload:          map[string]any{"budget": 300.0},
		ExpectedRevision: 1,
	})
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for stale revision, got %v", err)
	}
	if conflict.CurrentRevision != 2 {
		t.Fatalf("conflict must report current revision 2, got %d", conflict.CurrentRevision)
	}
}

func TestConcurrentWritesSameToken(t *testing.T) {
	f := newFixture(t)
	v := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 100.0})

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.Write(context.Background(), WriteRequest{
				EntityID:         v.EntityID,
				EntityType:       "cost_element",
				BranchID:         f.main.ID,
				Payload:          map[string]any{"budget": float64(i)},
				ExpectedRevision: 1,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("losers must fail with ConflictError, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one concurrent writer must win, got %d", succeeded)
	}
}

func TestWriteOnInactiveBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Branches().UpdateStatus(ctx, f.branch.ID, domain.BranchStatusMerged); err != nil {
		t.Fatalf("update status: %v", err)
	}

	_, err := f.service.Write(ctx, WriteRequest{
		EntityType: "cost_element",
		BranchID:   f.branch.ID,
		Payload:    map[string]any{"budget": 1.0},
	})
	var invalid *domain.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError on merged branch, got %v", err)
	}
}

func TestTombstoneHidesEntityButKeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 100.0})
	tombstone, err := f.service.Tombstone(ctx, v.EntityID, f.main.ID)
	if err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	if !tombstone.Deleted || tombstone.Revision != 2 {
		t.Fatalf("tombstone must be a deleted revision 2, got %+v", tombstone)
	}

	current, err := f.service.CurrentOn(ctx, f.main.ID)
	if err != nil {
		t.Fatalf("CurrentOn: %v", err)
	}
	if _, ok := current[v.EntityID]; ok {
		t.Fatal("tombstoned entity must be absent from current reads")
	}

	history, err := f.service.History(ctx, v.EntityID, f.main.ID, historyAll())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history must keep both revisions, got %d", len(history))
	}
}

func TestTombstoneFallsBackToMain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 100.0})

	// The branch never touched the entity; deletion targets the version
	// visible through copy-on-write.
	tombstone, err := f.service.Tombstone(ctx, v.EntityID, f.branch.ID)
	if err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	if tombstone.BranchID != f.branch.ID || tombstone.Revision != 1 {
		t.Fatalf("branch tombstone must start the branch's own revision line, got %+v", tombstone)
	}

	branchCurrent, err := f.service.CurrentOn(ctx, f.branch.ID)
	if err != nil {
		t.Fatalf("CurrentOn branch: %v", err)
	}
	if _, ok := branchCurrent[v.EntityID]; ok {
		t.Fatal("entity must be hidden on the branch after tombstoning")
	}

	mainCurrent, err := f.service.CurrentOn(ctx, f.main.ID)
	if err != nil {
		t.Fatalf("CurrentOn main: %v", err)
	}
	if _, ok := mainCurrent[v.EntityID]; !ok {
		t.Fatal("main must still see the entity")
	}
}

func TestTombstoneUnknownEntity(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Tombstone(context.Background(), uuid.New(), f.branch.ID)
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestMergeAppliesBranchChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existing := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 1000.0})
	f.write(t, f.branch.ID, existing.EntityID, 0, map[string]any{"budget": 1500.0})
	created := f.write(t, f.branch.ID, uuid.Nil, 0, map[string]any{"budget": 300.0})

	merged, err := f.service.MergeInto(ctx, f.branch.ID, f.main.ID)
	if err != nil {
		t.Fatalf("MergeInto: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged entities, got %d", len(merged))
	}

	mainCurrent, err := f.service.CurrentOn(ctx, f.main.ID)
	if err != nil {
		t.Fatalf("CurrentOn: %v", err)
	}
	if got := mainCurrent[existing.EntityID].Payload["budget"]; got != 1500.0 {
		t.Fatalf("merged update must land on main, got %v", got)
	}
	if mainCurrent[existing.EntityID].Revision != 2 {
		t.Fatalf("merge must append a new main revision, got %d", mainCurrent[existing.EntityID].Revision)
	}
	if _, ok := mainCurrent[created.EntityID]; !ok {
		t.Fatal("entity created on the branch must appear on main after merge")
	}
}

func TestMergeTombstone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 100.0})
	if _, err := f.service.Tombstone(ctx, v.EntityID, f.branch.ID); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}

	if _, err := f.service.MergeInto(ctx, f.branch.ID, f.main.ID); err != nil {
		t.Fatalf("MergeInto: %v", err)
	}

	mainCurrent, err := f.service.CurrentOn(ctx, f.main.ID)
	if err != nil {
		t.Fatalf("CurrentOn: %v", err)
	}
	if _, ok := mainCurrent[v.EntityID]; ok {
		t.Fatal("merged tombstone must remove the entity from main")
	}
}

func TestMergeConflictWhenMainMovedOn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 100.0})
	f.write(t, f.branch.ID, v.EntityID, 0, map[string]any{"budget": 200.0})
	// Main advances past the branch's divergence point with a different value.
	f.write(t, f.main.ID, v.EntityID, 1, map[string]any{"budget": 300.0})

	_, err := f.service.MergeInto(ctx, f.branch.ID, f.main.ID)
	var conflict *domain.MergeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected MergeConflictError, got %v", err)
	}
	if len(conflict.EntityIDs) != 1 || conflict.EntityIDs[0] != v.EntityID {
		t.Fatalf("conflict must name the entity, got %+v", conflict.EntityIDs)
	}

	// The failed merge must not have appended anything.
	mainCurrent, err := f.service.CurrentOn(ctx, f.main.ID)
	if err != nil {
		t.Fatalf("CurrentOn: %v", err)
	}
	if got := mainCurrent[v.EntityID].Payload["budget"]; got != 300.0 {
		t.Fatalf("main must be untouched after a conflicting merge, got %v", got)
	}
}

func TestMergeIdenticalValuesIsClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 100.0})
	f.write(t, f.branch.ID, v.EntityID, 0, map[string]any{"budget": 250.0})
	// Main independently lands the same value; no information is lost.
	f.write(t, f.main.ID, v.EntityID, 1, map[string]any{"budget": 250.0})

	if _, err := f.service.MergeInto(ctx, f.branch.ID, f.main.ID); err != nil {
		t.Fatalf("identical values must merge cleanly, got %v", err)
	}
}

func TestHistoryFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.write(t, f.main.ID, uuid.Nil, 0, map[string]any{"budget": 1.0})
	f.write(t, f.main.ID, v.EntityID, 1, map[string]any{"budget": 2.0})
	f.write(t, f.main.ID, v.EntityID, 2, map[string]any{"budget": 3.0})

	filter := historyAll()
	filter.MaxRevision = 2
	history, err := f.service.History(ctx, v.EntityID, f.main.ID, filter)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("max revision filter must cap history, got %d entries", len(history))
	}
	if history[0].Revision != 1 || history[1].Revision != 2 {
		t.Fatal("history must be ordered oldest first")
	}
}

func historyAll() repository.HistoryFilter {
	return repository.HistoryFilter{IncludeDeleted: true}
}
