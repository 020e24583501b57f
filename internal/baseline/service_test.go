package baseline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository/memory"
	"github.com/costline/costline/internal/versioning"
)

func newFixture(t *testing.T) (*Service, *versioning.Service, domain.Project, domain.Branch) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	project, err := store.Branches().CreateProject(ctx, domain.NewProject("Bridge Rehab"))
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	main, err := store.Branches().Create(ctx, domain.NewMainBranch(project.ID))
	if err != nil {
		t.Fatalf("create main: %v", err)
	}

	versionSvc := versioning.NewService(store.Versions(), store.Branches(), nil)
	return NewService(store.Snapshots(), store.Branches(), versionSvc, nil), versionSvc, project, main
}

func TestCaptureRecordsMainCurrent(t *testing.T) {
	svc, versions, project, main := newFixture(t)
	ctx := context.Background()

	v1, err := versions.Write(ctx, versioning.WriteRequest{
		EntityType: "cost_element",
		BranchID:   main.ID,
		Payload:    map[string]any{"budget": 100.0},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	tombstoned, err := versions.Write(ctx, versioning.WriteRequest{
		EntityType: "cost_element",
		BranchID:   main.ID,
		Payload:    map[string]any{"budget": 50.0},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := versions.Tombstone(ctx, tombstoned.EntityID, main.ID); err != nil {
		t.Fatalf("tombstone: %v", err)
	}

	changeOrderID := uuid.New()
	snapshot, err := svc.Capture(ctx, project.ID, changeOrderID)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(snapshot.CapturedEntities) != 1 {
		t.Fatalf("snapshot must exclude tombstoned entities, got %d", len(snapshot.CapturedEntities))
	}
	if snapshot.CapturedEntities[v1.EntityID] != v1.ID {
		t.Fatal("snapshot must pin the exact version visible on main")
	}
}

func TestCaptureExactlyOnce(t *testing.T) {
	svc, _, project, _ := newFixture(t)
	ctx := context.Background()

	changeOrderID := uuid.New()
	if _, err := svc.Capture(ctx, project.ID, changeOrderID); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	_, err := svc.Capture(ctx, project.ID, changeOrderID)
	var already *domain.AlreadyCapturedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyCapturedError on repeated capture, got %v", err)
	}
}

func TestSnapshotIsImmutableAfterLaterWrites(t *testing.T) {
	svc, versions, project, main := newFixture(t)
	ctx := context.Background()

	v, err := versions.Write(ctx, versioning.WriteRequest{
		EntityType: "cost_element",
		BranchID:   main.ID,
		Payload:    map[string]any{"budget": 100.0},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	changeOrderID := uuid.New()
	snapshot, err := svc.Capture(ctx, project.ID, changeOrderID)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if _, err := versions.Write(ctx, versioning.WriteRequest{
		EntityID:         v.EntityID,
		EntityType:       "cost_element",
		BranchID:         main.ID,
		Payload:          map[string]any{"budget": 999.0},
		ExpectedRevision: 1,
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	reloaded, err := svc.Get(ctx, changeOrderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.CapturedEntities[v.EntityID] != snapshot.CapturedEntities[v.EntityID] {
		t.Fatal("snapshot must keep pointing at the version captured at execute time")
	}
}

func TestListByProject(t *testing.T) {
	svc, _, project, _ := newFixture(t)
	ctx := context.Background()

	first, err := svc.Capture(ctx, project.ID, uuid.New())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	second, err := svc.Capture(ctx, project.ID, uuid.New())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	list, err := svc.List(ctx, project.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatal("snapshots must list oldest first")
	}
}
