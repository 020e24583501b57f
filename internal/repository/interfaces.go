package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/costline/costline/internal/domain"
)

// Atomic runs fn so that every repository call made with the derived context
// commits or rolls back as one unit. Nested calls join the outer transaction.
type Atomic interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// HistoryFilter narrows audit history queries.
type HistoryFilter struct {
	EntityType     string
	IncludeDeleted bool
	MaxRevision    int64
	Limit          int
}

// VersionRepository stores every revision of every versionable entity.
// Rows are append-only; tombstones mark removal without erasing history.
type VersionRepository interface {
	// Append persists v with revision expectedRevision+1, failing with a
	// ConflictError when the branch's current revision for the entity does
	// not equal expectedRevision. New entities use expectedRevision 0.
	Append(ctx context.Context, v domain.Version, expectedRevision int64) (domain.Version, error)

	// Latest returns the highest revision written on the branch for the
	// entity, tombstones included. NotFoundError when the branch never
	// touched the entity.
	Latest(ctx context.Context, entityID, branchID uuid.UUID) (domain.Version, error)

	// TouchedOn returns, per branch, the latest revision of every entity
	// written on that branch, tombstones included. All branches are read
	// from one consistent snapshot.
	TouchedOn(ctx context.Context, branchIDs ...uuid.UUID) (map[uuid.UUID]map[uuid.UUID]domain.Version, error)

	// History lists a branch's revisions for one entity, oldest first.
	History(ctx context.Context, entityID, branchID uuid.UUID, filter HistoryFilter) ([]domain.Version, error)

	// GetByID loads a single version record.
	GetByID(ctx context.Context, id uuid.UUID) (domain.Version, error)
}

// BranchRepository owns Branch and Project records and is the only writer of
// branch status.
type BranchRepository interface {
	CreateProject(ctx context.Context, project domain.Project) (domain.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (domain.Project, error)

	// Create fails with DuplicateNameError when the name already exists in
	// the project, case-insensitively.
	Create(ctx context.Context, branch domain.Branch) (domain.Branch, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Branch, error)
	GetByName(ctx context.Context, projectID uuid.UUID, name string) (domain.Branch, error)
	Main(ctx context.Context, projectID uuid.UUID) (domain.Branch, error)
	List(ctx context.Context, projectID uuid.UUID) ([]domain.Branch, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.BranchStatus) (domain.Branch, error)
}

// ChangeOrderRepository owns ChangeOrder records and the per-project number
// sequence.
type ChangeOrderRepository interface {
	// NextSequence increments and returns the project's change order
	// sequence. Values are monotonic and never reused.
	NextSequence(ctx context.Context, projectID uuid.UUID) (int64, error)

	// Create fails with InvalidStateError when the branch already has a
	// non-terminal change order.
	Create(ctx context.Context, co domain.ChangeOrder) (domain.ChangeOrder, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error)
	// GetActiveByBranch returns the branch's non-terminal change order, or
	// NotFoundError when there is none.
	GetActiveByBranch(ctx context.Context, branchID uuid.UUID) (domain.ChangeOrder, error)
	List(ctx context.Context, projectID uuid.UUID) ([]domain.ChangeOrder, error)
	Update(ctx context.Context, co domain.ChangeOrder) (domain.ChangeOrder, error)
}

// SnapshotRepository is the only writer of BaselineSnapshot records.
type SnapshotRepository interface {
	// Create fails with AlreadyCapturedError when a snapshot already exists
	// for the change order.
	Create(ctx context.Context, snapshot domain.BaselineSnapshot) (domain.BaselineSnapshot, error)
	GetByChangeOrder(ctx context.Context, changeOrderID uuid.UUID) (domain.BaselineSnapshot, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]domain.BaselineSnapshot, error)
}
