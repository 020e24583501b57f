package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func comparisonFixture() (projectID, branchID, baseBranchID uuid.UUID) {
	return uuid.New(), uuid.New(), uuid.New()
}

func versionOn(entityID, branchID uuid.UUID, revision int64, payload map[string]any) Version {
	return Version{
		ID:         uuid.New(),
		EntityID:   entityID,
		EntityType: "cost_element",
		BranchID:   branchID,
		Payload:    payload,
		Revision:   revision,
	}
}

func tombstoneOn(entityID, branchID uuid.UUID, revision int64) Version {
	v := versionOn(entityID, branchID, revision, nil)
	v.Deleted = true
	return v
}

func TestBuildComparisonClassification(t *testing.T) {
	projectID, branchID, baseID := comparisonFixture()

	created := uuid.New()
	updated := uuid.New()
	deleted := uuid.New()
	unchanged := uuid.New()

	base := map[uuid.UUID]Version{
		updated:   versionOn(updated, baseID, 3, map[string]any{"budget": 1000.0}),
		deleted:   versionOn(deleted, baseID, 1, map[string]any{"budget": 250.0}),
		unchanged: versionOn(unchanged, baseID, 2, map[string]any{"budget": 50.0}),
	}
	branch := map[uuid.UUID]Version{
		created:   versionOn(created, branchID, 1, map[string]any{"budget": 500.0}),
		updated:   versionOn(updated, branchID, 1, map[string]any{"budget": 1200.0}),
		deleted:   tombstoneOn(deleted, branchID, 1),
		unchanged: versionOn(unchanged, branchID, 1, map[string]any{"budget": 50.0}),
	}

	result, err := BuildComparison(projectID, branchID, baseID, base, branch)
	if err != nil {
		t.Fatalf("BuildComparison failed: %v", err)
	}

	if got := len(result.Items); got != 3 {
		t.Fatalf("expected 3 change items (unchanged omitted), got %d", got)
	}
	kinds := map[uuid.UUID]ChangeKind{}
	for _, item := range result.Items {
		kinds[item.EntityID] = item.Kind
	}
	if kinds[created] != ChangeKindCreate {
		t.Errorf("expected create for new entity, got %s", kinds[created])
	}
	if kinds[updated] != ChangeKindUpdate {
		t.Errorf("expected update for modified entity, got %s", kinds[updated])
	}
	if kinds[deleted] != ChangeKindDelete {
		t.Errorf("expected delete for tombstoned entity, got %s", kinds[deleted])
	}
	if _, ok := kinds[unchanged]; ok {
		t.Error("unchanged entity must be omitted from the comparison")
	}

	if result.Summary.Creates != 1 || result.Summary.Updates != 1 || result.Summary.Deletes != 1 {
		t.Fatalf("unexpected summary counts: %+v", result.Summary)
	}
	// +500 (create) +200 (update) -250 (delete)
	if result.Summary.TotalBudgetChange != 450.0 {
		t.Fatalf("expected total budget change 450, got %f", result.Summary.TotalBudgetChange)
	}
}

func TestBuildComparisonDeletionWins(t *testing.T) {
	projectID, branchID, baseID := comparisonFixture()
	entityID := uuid.New()

	base := map[uuid.UUID]Version{
		entityID: versionOn(entityID, baseID, 1, map[string]any{"budget": 100.0}),
	}
	// The branch updated the entity at revision 1 and tombstoned it at
	// revision 2; only the latest branch revision classifies.
	branch := map[uuid.UUID]Version{
		entityID: tombstoneOn(entityID, branchID, 2),
	}

	result, err := BuildComparison(projectID, branchID, baseID, base, branch)
	if err != nil {
		t.Fatalf("BuildComparison failed: %v", err)
	}
	if len(result.Items) != 1 || result.Items[0].Kind != ChangeKindDelete {
		t.Fatalf("expected a single delete, got %+v", result.Items)
	}
}

func TestBuildComparisonCreatedThenDeletedOnBranch(t *testing.T) {
	projectID, branchID, baseID := comparisonFixture()
	entityID := uuid.New()

	branch := map[uuid.UUID]Version{
		entityID: tombstoneOn(entityID, branchID, 2),
	}

	result, err := BuildComparison(projectID, branchID, baseID, map[uuid.UUID]Version{}, branch)
	if err != nil {
		t.Fatalf("BuildComparison failed: %v", err)
	}
	if !result.Empty() {
		t.Fatalf("entity created and removed on the branch must not appear, got %+v", result.Items)
	}
}

func TestBuildComparisonDeterministicOrder(t *testing.T) {
	projectID, branchID, baseID := comparisonFixture()

	branch := map[uuid.UUID]Version{}
	for i := 0; i < 20; i++ {
		entityID := uuid.New()
		branch[entityID] = versionOn(entityID, branchID, 1, map[string]any{"budget": float64(i)})
	}

	first, err := BuildComparison(projectID, branchID, baseID, map[uuid.UUID]Version{}, branch)
	if err != nil {
		t.Fatalf("BuildComparison failed: %v", err)
	}
	second, err := BuildComparison(projectID, branchID, baseID, map[uuid.UUID]Version{}, branch)
	if err != nil {
		t.Fatalf("BuildComparison failed: %v", err)
	}

	for i := range first.Items {
		if first.Items[i].EntityID != second.Items[i].EntityID {
			t.Fatal("comparison item order must be deterministic across runs")
		}
		if i > 0 && first.Items[i-1].EntityID.String() > first.Items[i].EntityID.String() {
			t.Fatal("comparison items must be sorted by entity ID")
		}
	}
}

func TestBuildComparisonUpdateFieldChanges(t *testing.T) {
	projectID, branchID, baseID := comparisonFixture()
	entityID := uuid.New()

	base := map[uuid.UUID]Version{
		entityID: versionOn(entityID, baseID, 1, map[string]any{
			"name":               "Concrete works",
			"budget":             1000.0,
			"revenue_allocation": 1100.0,
		}),
	}
	branch := map[uuid.UUID]Version{
		entityID: versionOn(entityID, branchID, 1, map[string]any{
			"name":               "Concrete works",
			"budget":             1500.0,
			"revenue_allocation": 1600.0,
		}),
	}

	result, err := BuildComparison(projectID, branchID, baseID, base, branch)
	if err != nil {
		t.Fatalf("BuildComparison failed: %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("expected one change item, got %d", len(result.Items))
	}
	item := result.Items[0]
	if len(item.FieldChanges) != 2 {
		t.Fatalf("expected changes for budget and revenue_allocation only, got %+v", item.FieldChanges)
	}
	for _, change := range item.FieldChanges {
		if change.Field == "name" {
			t.Fatal("unchanged field must not appear in field changes")
		}
	}
	if result.Summary.TotalBudgetChange != 500.0 {
		t.Fatalf("expected budget delta 500, got %f", result.Summary.TotalBudgetChange)
	}
	if result.Summary.TotalRevenueChange != 500.0 {
		t.Fatalf("expected revenue delta 500, got %f", result.Summary.TotalRevenueChange)
	}
	if !strings.Contains(item.Diff, "budget") {
		t.Fatalf("expected unified diff to mention budget, got %q", item.Diff)
	}
}
