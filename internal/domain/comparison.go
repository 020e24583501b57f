package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ChangeKind classifies one entity's difference between two branches.
type ChangeKind string

const (
	ChangeKindCreate ChangeKind = "create"
	ChangeKindUpdate ChangeKind = "update"
	ChangeKindDelete ChangeKind = "delete"
)

// Financial payload fields for which comparison items carry numeric deltas.
const (
	FieldBudget            = "budget"
	FieldRevenueAllocation = "revenue_allocation"
)

// FinancialFields lists the designated numeric fields summed into the
// comparison summary.
var FinancialFields = []string{FieldBudget, FieldRevenueAllocation}

// FinancialDelta is a numeric change for one designated financial field.
type FinancialDelta struct {
	Field string  `json:"field"`
	From  float64 `json:"from"`
	To    float64 `json:"to"`
	Delta float64 `json:"delta"`
}

// ChangeItem is one entity's categorized difference, with field-level deltas.
type ChangeItem struct {
	EntityID        uuid.UUID        `json:"entity_id"`
	EntityType      string           `json:"entity_type"`
	Kind            ChangeKind       `json:"kind"`
	BranchRevision  int64            `json:"branch_revision"`
	BaseRevision    int64            `json:"base_revision,omitempty"`
	FieldChanges    []FieldChange    `json:"field_changes,omitempty"`
	FinancialDeltas []FinancialDelta `json:"financial_deltas,omitempty"`
	Diff            string           `json:"diff,omitempty"`
}

// ComparisonSummary aggregates a comparison result.
type ComparisonSummary struct {
	Creates            int     `json:"creates"`
	Updates            int     `json:"updates"`
	Deletes            int     `json:"deletes"`
	TotalBudgetChange  float64 `json:"total_budget_change"`
	TotalRevenueChange float64 `json:"total_revenue_change"`
}

// ComparisonResult is the structural and financial diff of a branch against a
// base branch. Unchanged entities are omitted.
type ComparisonResult struct {
	ProjectID    uuid.UUID         `json:"project_id"`
	BranchID     uuid.UUID         `json:"branch_id"`
	BaseBranchID uuid.UUID         `json:"base_branch_id"`
	Items        []ChangeItem      `json:"items"`
	Summary      ComparisonSummary `json:"summary"`
	ComparedAt   time.Time         `json:"compared_at"`
}

// Empty reports whether no entity differs between the two branches.
func (r ComparisonResult) Empty() bool {
	return len(r.Items) == 0
}

// BuildComparison classifies every entity touched on the branch against the
// base branch's visible set. baseCurrent maps entity IDs to the version
// visible on the base branch (copy-on-write already resolved).
// branchTouched maps entity IDs to the latest revision actually written on
// the branch, tombstones included; only the latest revision participates, so
// an entity updated and later tombstoned on the branch classifies as a
// delete.
func BuildComparison(
	projectID, branchID, baseBranchID uuid.UUID,
	baseCurrent map[uuid.UUID]Version,
	branchTouched map[uuid.UUID]Version,
) (ComparisonResult, error) {
	result := ComparisonResult{
		ProjectID:    projectID,
		BranchID:     branchID,
		BaseBranchID: baseBranchID,
		Items:        make([]ChangeItem, 0, len(branchTouched)),
		ComparedAt:   time.Now(),
	}

	entityIDs := make([]uuid.UUID, 0, len(branchTouched))
	for entityID := range branchTouched {
		entityIDs = append(entityIDs, entityID)
	}
	sort.Slice(entityIDs, func(i, j int) bool {
		return entityIDs[i].String() < entityIDs[j].String()
	})

	for _, entityID := range entityIDs {
		branchVersion := branchTouched[entityID]
		baseVersion, onBase := baseCurrent[entityID]

		item := ChangeItem{
			EntityID:       entityID,
			EntityType:     branchVersion.EntityType,
			BranchRevision: branchVersion.Revision,
		}
		if onBase {
			item.BaseRevision = baseVersion.Revision
		}

		switch {
		case branchVersion.Deleted && !onBase:
			// Created and removed on the branch, or tombstoning something
			// the base never saw. Nothing would change on merge.
			continue
		case branchVersion.Deleted:
			item.Kind = ChangeKindDelete
			item.FinancialDeltas = financialDeltas(baseVersion.Payload, nil)
			diff, err := BuildPayloadDiff("base", baseVersion.Payload, "branch", nil)
			if err != nil {
				return ComparisonResult{}, err
			}
			item.Diff = diff
		case !onBase:
			item.Kind = ChangeKindCreate
			item.FinancialDeltas = financialDeltas(nil, branchVersion.Payload)
			diff, err := BuildPayloadDiff("base", nil, "branch", branchVersion.Payload)
			if err != nil {
				return ComparisonResult{}, err
			}
			item.Diff = diff
		default:
			if PayloadEqual(baseVersion.Payload, branchVersion.Payload) {
				continue
			}
			item.Kind = ChangeKindUpdate
			changes, err := ComputeFieldChanges(baseVersion.Payload, branchVersion.Payload)
			if err != nil {
				return ComparisonResult{}, err
			}
			item.FieldChanges = changes
			item.FinancialDeltas = financialDeltas(baseVersion.Payload, branchVersion.Payload)
			diff, err := BuildPayloadDiff("base", baseVersion.Payload, "branch", branchVersion.Payload)
			if err != nil {
				return ComparisonResult{}, err
			}
			item.Diff = diff
		}

		result.Items = append(result.Items, item)

		switch item.Kind {
		case ChangeKindCreate:
			result.Summary.Creates++
		case ChangeKindUpdate:
			result.Summary.Updates++
		case ChangeKindDelete:
			result.Summary.Deletes++
		}
		for _, delta := range item.FinancialDeltas {
			switch delta.Field {
			case FieldBudget:
				result.Summary.TotalBudgetChange += delta.Delta
			case FieldRevenueAllocation:
				result.Summary.TotalRevenueChange += delta.Delta
			}
		}
	}

	return result, nil
}

func financialDeltas(base, branch map[string]any) []FinancialDelta {
	deltas := make([]FinancialDelta, 0, len(FinancialFields))
	for _, field := range FinancialFields {
		from, hasFrom := numericField(base, field)
		to, hasTo := numericField(branch, field)
		if !hasFrom && !hasTo {
			continue
		}
		deltas = append(deltas, FinancialDelta{
			Field: field,
			From:  from,
			To:    to,
			Delta: to - from,
		})
	}
	if len(deltas) == 0 {
		return nil
	}
	return deltas
}

func numericField(payload map[string]any, field string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	value, ok := payload[field]
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
