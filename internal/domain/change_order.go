package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeOrderState is a workflow state. Executed and cancelled are terminal.
type ChangeOrderState string

const (
	ChangeOrderStateDraft     ChangeOrderState = "draft"
	ChangeOrderStateApproved  ChangeOrderState = "approved"
	ChangeOrderStateExecuted  ChangeOrderState = "executed"
	ChangeOrderStateCancelled ChangeOrderState = "cancelled"
)

// changeOrderTransitions is the closed set of legal state transitions.
var changeOrderTransitions = map[ChangeOrderState][]ChangeOrderState{
	ChangeOrderStateDraft:     {ChangeOrderStateApproved, ChangeOrderStateCancelled},
	ChangeOrderStateApproved:  {ChangeOrderStateExecuted, ChangeOrderStateCancelled},
	ChangeOrderStateExecuted:  {},
	ChangeOrderStateCancelled: {},
}

// ValidateTransition returns an InvalidTransitionError unless from -> to is
// in the transition table.
func ValidateTransition(from, to ChangeOrderState) error {
	for _, allowed := range changeOrderTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// Terminal reports whether the state admits no further transitions.
func (s ChangeOrderState) Terminal() bool {
	return len(changeOrderTransitions[s]) == 0
}

// ChangeOrder binds a non-main branch to an approval workflow. A branch has
// at most one non-terminal change order at a time.
type ChangeOrder struct {
	ID          uuid.UUID        `json:"id"`
	ProjectID   uuid.UUID        `json:"project_id"`
	BranchID    uuid.UUID        `json:"branch_id"`
	Number      string           `json:"number"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	State       ChangeOrderState `json:"state"`
	// LineItems is the branch-vs-main comparison frozen at approval time.
	// It is a cached diff, never re-derived after approval.
	LineItems *ComparisonResult `json:"line_items,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewChangeOrder creates a draft change order with a generated number.
func NewChangeOrder(projectID, branchID uuid.UUID, sequence int64, title, description string) ChangeOrder {
	now := time.Now()
	return ChangeOrder{
		ID:          uuid.New(),
		ProjectID:   projectID,
		BranchID:    branchID,
		Number:      FormatChangeOrderNumber(projectID, sequence),
		Title:       title,
		Description: description,
		State:       ChangeOrderStateDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// FormatChangeOrderNumber renders the human-readable change order number.
// Sequences are monotonic per project and never reused, even after a cancel.
func FormatChangeOrderNumber(projectID uuid.UUID, sequence int64) string {
	return fmt.Sprintf("CO-%s-%03d", projectID, sequence)
}

// Active reports whether the change order still blocks its branch.
func (co ChangeOrder) Active() bool {
	return !co.State.Terminal()
}
