package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// NotFoundError reports an unknown project, branch, entity or change order.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// NewNotFoundError builds a NotFoundError for the given resource kind.
func NewNotFoundError(resource string, id fmt.Stringer) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id.String()}
}

// DuplicateNameError reports a branch name collision within a project.
type DuplicateNameError struct {
	ProjectID uuid.UUID
	Name      string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("branch name %q already exists in project %s", e.Name, e.ProjectID)
}

// ConflictError reports an optimistic write race on a (entity, branch) pair.
// Callers refetch the current version and retry with the refreshed revision.
type ConflictError struct {
	EntityID         uuid.UUID
	BranchID         uuid.UUID
	ExpectedRevision int64
	CurrentRevision  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale write for entity %s on branch %s: expected revision %d, current is %d",
		e.EntityID, e.BranchID, e.ExpectedRevision, e.CurrentRevision)
}

// MergeConflictError reports entities whose target-branch value moved past the
// source branch's divergence point with a different payload.
type MergeConflictError struct {
	FromBranchID uuid.UUID
	IntoBranchID uuid.UUID
	EntityIDs    []uuid.UUID
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge from branch %s into %s conflicts on %d entities",
		e.FromBranchID, e.IntoBranchID, len(e.EntityIDs))
}

// InvalidStateError reports a workflow or registry precondition violation.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return e.Reason
}

// InvalidTransitionError reports an illegal change order state transition.
type InvalidTransitionError struct {
	From ChangeOrderState
	To   ChangeOrderState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("change order cannot move from %s to %s", e.From, e.To)
}

// MainBranchProtectedError reports an attempt to delete a project's main branch.
type MainBranchProtectedError struct {
	BranchID uuid.UUID
}

func (e *MainBranchProtectedError) Error() string {
	return fmt.Sprintf("branch %s is the main branch and cannot be deleted", e.BranchID)
}

// AlreadyCapturedError reports a repeated baseline capture for a change order.
type AlreadyCapturedError struct {
	ChangeOrderID uuid.UUID
}

func (e *AlreadyCapturedError) Error() string {
	return fmt.Sprintf("baseline snapshot already captured for change order %s", e.ChangeOrderID)
}
