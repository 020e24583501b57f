package domain

import (
	"time"

	"github.com/google/uuid"
)

// BranchStatus is a branch lifecycle state. Non-main branches move from
// active to exactly one terminal status; main is always active.
type BranchStatus string

const (
	BranchStatusActive    BranchStatus = "active"
	BranchStatusMerged    BranchStatus = "merged"
	BranchStatusDiscarded BranchStatus = "discarded"
)

// MainBranchName is the reserved name of the branch created with the project.
const MainBranchName = "main"

// Branch is a named, project-scoped line of entity versions. Branches are
// copy-on-write overlays: entities they never touch resolve to main's
// current version.
type Branch struct {
	ID        uuid.UUID    `json:"id"`
	ProjectID uuid.UUID    `json:"project_id"`
	Name      string       `json:"name"`
	IsMain    bool         `json:"is_main"`
	Status    BranchStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewBranch creates an active, non-main branch.
func NewBranch(projectID uuid.UUID, name string) Branch {
	return Branch{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      name,
		Status:    BranchStatusActive,
		CreatedAt: time.Now(),
	}
}

// NewMainBranch creates the main branch for a new project.
func NewMainBranch(projectID uuid.UUID) Branch {
	b := NewBranch(projectID, MainBranchName)
	b.IsMain = true
	return b
}

// Terminal reports whether the branch reached a terminal status.
func (b Branch) Terminal() bool {
	return b.Status == BranchStatusMerged || b.Status == BranchStatusDiscarded
}
