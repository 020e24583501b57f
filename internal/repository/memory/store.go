// Package memory provides an in-memory, transactional implementation of the
// repository interfaces. It backs the package tests and keeps dependencies
// one-way (repositories -> domain).
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository"
)

type versionKey struct {
	entityID uuid.UUID
	branchID uuid.UUID
}

type state struct {
	projects  map[uuid.UUID]domain.Project
	branches  map[uuid.UUID]domain.Branch
	versions  map[versionKey][]domain.Version
	orders    map[uuid.UUID]domain.ChangeOrder
	snapshots map[uuid.UUID]domain.BaselineSnapshot // keyed by change order ID
	sequences map[uuid.UUID]int64
}

func newState() *state {
	return &state{
		projects:  make(map[uuid.UUID]domain.Project),
		branches:  make(map[uuid.UUID]domain.Branch),
		versions:  make(map[versionKey][]domain.Version),
		orders:    make(map[uuid.UUID]domain.ChangeOrder),
		snapshots: make(map[uuid.UUID]domain.BaselineSnapshot),
		sequences: make(map[uuid.UUID]int64),
	}
}

// Version records are immutable once appended, so cloning copies map and
// slice headers without copying payloads.
func (s *state) clone() *state {
	cloned := newState()
	for id, project := range s.projects {
		cloned.projects[id] = project
	}
	for id, branch := range s.branches {
		cloned.branches[id] = branch
	}
	for key, versions := range s.versions {
		copied := make([]domain.Version, len(versions))
		copy(copied, versions)
		cloned.versions[key] = copied
	}
	for id, order := range s.orders {
		cloned.orders[id] = order
	}
	for id, snapshot := range s.snapshots {
		cloned.snapshots[id] = snapshot
	}
	for id, sequence := range s.sequences {
		cloned.sequences[id] = sequence
	}
	return cloned
}

// Store holds all aggregates behind one mutex and exposes per-aggregate
// repository views via Versions, Branches, Orders and Snapshots.
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ repository.Atomic = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// Versions returns the VersionRepository view of the store.
func (s *Store) Versions() repository.VersionRepository { return versionRepo{s} }

// Branches returns the BranchRepository view of the store.
func (s *Store) Branches() repository.BranchRepository { return branchRepo{s} }

// Orders returns the ChangeOrderRepository view of the store.
func (s *Store) Orders() repository.ChangeOrderRepository { return orderRepo{s} }

// Snapshots returns the SnapshotRepository view of the store.
func (s *Store) Snapshots() repository.SnapshotRepository { return snapshotRepo{s} }

type txContextKey struct{}

// lock acquires the store mutex unless ctx is already inside InTx, which
// holds it for the whole transaction.
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txContextKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InTx runs fn with the store exclusively locked; state mutations roll back
// when fn returns an error. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txContextKey{}) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.state.clone()
	if err := fn(context.WithValue(ctx, txContextKey{}, true)); err != nil {
		s.state = backup
		return err
	}
	return nil
}

// ---- VersionRepository ----

type versionRepo struct{ s *Store }

func (r versionRepo) Append(ctx context.Context, v domain.Version, expectedRevision int64) (domain.Version, error) {
	defer r.s.lock(ctx)()

	key := versionKey{entityID: v.EntityID, branchID: v.BranchID}
	current := int64(0)
	if versions := r.s.state.versions[key]; len(versions) > 0 {
		current = versions[len(versions)-1].Revision
	}
	if current != expectedRevision {
		return domain.Version{}, &domain.ConflictError{
			EntityID:         v.EntityID,
			BranchID:         v.BranchID,
			ExpectedRevision: expectedRevision,
			CurrentRevision:  current,
		}
	}

	v.Revision = expectedRevision + 1
	v.Payload = domain.ClonePayload(v.Payload)
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	r.s.state.versions[key] = append(r.s.state.versions[key], v)
	return v, nil
}

func (r versionRepo) Latest(ctx context.Context, entityID, branchID uuid.UUID) (domain.Version, error) {
	defer r.s.lock(ctx)()

	versions := r.s.state.versions[versionKey{entityID: entityID, branchID: branchID}]
	if len(versions) == 0 {
		return domain.Version{}, domain.NewNotFoundError("version", entityID)
	}
	return versions[len(versions)-1], nil
}

func (r versionRepo) TouchedOn(ctx context.Context, branchIDs ...uuid.UUID) (map[uuid.UUID]map[uuid.UUID]domain.Version, error) {
	defer r.s.lock(ctx)()

	result := make(map[uuid.UUID]map[uuid.UUID]domain.Version, len(branchIDs))
	for _, branchID := range branchIDs {
		result[branchID] = make(map[uuid.UUID]domain.Version)
	}
	for key, versions := range r.s.state.versions {
		touched, wanted := result[key.branchID]
		if !wanted || len(versions) == 0 {
			continue
		}
		touched[key.entityID] = versions[len(versions)-1]
	}
	return result, nil
}

func (r versionRepo) History(ctx context.Context, entityID, branchID uuid.UUID, filter repository.HistoryFilter) ([]domain.Version, error) {
	defer r.s.lock(ctx)()

	versions := r.s.state.versions[versionKey{entityID: entityID, branchID: branchID}]
	history := make([]domain.Version, 0, len(versions))
	for _, v := range versions {
		if filter.EntityType != "" && v.EntityType != filter.EntityType {
			continue
		}
		if !filter.IncludeDeleted && v.Deleted {
			continue
		}
		if filter.MaxRevision > 0 && v.Revision > filter.MaxRevision {
			continue
		}
		history = append(history, v)
		if filter.Limit > 0 && len(history) >= filter.Limit {
			break
		}
	}
	return history, nil
}

func (r versionRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.Version, error) {
	defer r.s.lock(ctx)()

	for _, versions := range r.s.state.versions {
		for _, v := range versions {
			if v.ID == id {
				return v, nil
			}
		}
	}
	return domain.Version{}, domain.NewNotFoundError("version", id)
}

// ---- BranchRepository ----

type branchRepo struct{ s *Store }

func (r branchRepo) CreateProject(ctx context.Context, project domain.Project) (domain.Project, error) {
	defer r.s.lock(ctx)()

	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now()
	}
	r.s.state.projects[project.ID] = project
	return project, nil
}

func (r branchRepo) GetProject(ctx context.Context, id uuid.UUID) (domain.Project, error) {
	defer r.s.lock(ctx)()

	project, ok := r.s.state.projects[id]
	if !ok {
		return domain.Project{}, domain.NewNotFoundError("project", id)
	}
	return project, nil
}

func (r branchRepo) Create(ctx context.Context, branch domain.Branch) (domain.Branch, error) {
	defer r.s.lock(ctx)()

	for _, existing := range r.s.state.branches {
		if existing.ProjectID == branch.ProjectID && strings.EqualFold(existing.Name, branch.Name) {
			return domain.Branch{}, &domain.DuplicateNameError{ProjectID: branch.ProjectID, Name: branch.Name}
		}
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now()
	}
	r.s.state.branches[branch.ID] = branch
	return branch, nil
}

func (r branchRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.Branch, error) {
	defer r.s.lock(ctx)()

	branch, ok := r.s.state.branches[id]
	if !ok {
		return domain.Branch{}, domain.NewNotFoundError("branch", id)
	}
	return branch, nil
}

func (r branchRepo) GetByName(ctx context.Context, projectID uuid.UUID, name string) (domain.Branch, error) {
	defer r.s.lock(ctx)()

	for _, branch := range r.s.state.branches {
		if branch.ProjectID == projectID && strings.EqualFold(branch.Name, name) {
			return branch, nil
		}
	}
	return domain.Branch{}, &domain.NotFoundError{Resource: "branch", ID: name}
}

func (r branchRepo) Main(ctx context.Context, projectID uuid.UUID) (domain.Branch, error) {
	defer r.s.lock(ctx)()

	for _, branch := range r.s.state.branches {
		if branch.ProjectID == projectID && branch.IsMain {
			return branch, nil
		}
	}
	return domain.Branch{}, domain.NewNotFoundError("main branch of project", projectID)
}

func (r branchRepo) List(ctx context.Context, projectID uuid.UUID) ([]domain.Branch, error) {
	defer r.s.lock(ctx)()

	branches := make([]domain.Branch, 0)
	for _, branch := range r.s.state.branches {
		if branch.ProjectID == projectID {
			branches = append(branches, branch)
		}
	}
	sort.Slice(branches, func(i, j int) bool {
		return branches[i].CreatedAt.Before(branches[j].CreatedAt)
	})
	return branches, nil
}

func (r branchRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.BranchStatus) (domain.Branch, error) {
	defer r.s.lock(ctx)()

	branch, ok := r.s.state.branches[id]
	if !ok {
		return domain.Branch{}, domain.NewNotFoundError("branch", id)
	}
	branch.Status = status
	r.s.state.branches[id] = branch
	return branch, nil
}

// ---- ChangeOrderRepository ----

type orderRepo struct{ s *Store }

func (r orderRepo) NextSequence(ctx context.Context, projectID uuid.UUID) (int64, error) {
	defer r.s.lock(ctx)()

	r.s.state.sequences[projectID]++
	return r.s.state.sequences[projectID], nil
}

func (r orderRepo) Create(ctx context.Context, co domain.ChangeOrder) (domain.ChangeOrder, error) {
	defer r.s.lock(ctx)()

	for _, existing := range r.s.state.orders {
		if existing.BranchID == co.BranchID && existing.Active() {
			return domain.ChangeOrder{}, &domain.InvalidStateError{
				Reason: fmt.Sprintf("branch %s already has an active change order", co.BranchID),
			}
		}
	}
	now := time.Now()
	if co.CreatedAt.IsZero() {
		co.CreatedAt = now
	}
	co.UpdatedAt = now
	r.s.state.orders[co.ID] = co
	return co, nil
}

func (r orderRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	defer r.s.lock(ctx)()

	co, ok := r.s.state.orders[id]
	if !ok {
		return domain.ChangeOrder{}, domain.NewNotFoundError("change order", id)
	}
	return co, nil
}

func (r orderRepo) GetActiveByBranch(ctx context.Context, branchID uuid.UUID) (domain.ChangeOrder, error) {
	defer r.s.lock(ctx)()

	for _, co := range r.s.state.orders {
		if co.BranchID == branchID && co.Active() {
			return co, nil
		}
	}
	return domain.ChangeOrder{}, domain.NewNotFoundError("active change order for branch", branchID)
}

func (r orderRepo) List(ctx context.Context, projectID uuid.UUID) ([]domain.ChangeOrder, error) {
	defer r.s.lock(ctx)()

	orders := make([]domain.ChangeOrder, 0)
	for _, co := range r.s.state.orders {
		if co.ProjectID == projectID {
			orders = append(orders, co)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (r orderRepo) Update(ctx context.Context, co domain.ChangeOrder) (domain.ChangeOrder, error) {
	defer r.s.lock(ctx)()

	if _, ok := r.s.state.orders[co.ID]; !ok {
		return domain.ChangeOrder{}, domain.NewNotFoundError("change order", co.ID)
	}
	co.UpdatedAt = time.Now()
	r.s.state.orders[co.ID] = co
	return co, nil
}

// ---- SnapshotRepository ----

type snapshotRepo struct{ s *Store }

func (r snapshotRepo) Create(ctx context.Context, snapshot domain.BaselineSnapshot) (domain.BaselineSnapshot, error) {
	defer r.s.lock(ctx)()

	if _, exists := r.s.state.snapshots[snapshot.ChangeOrderID]; exists {
		return domain.BaselineSnapshot{}, &domain.AlreadyCapturedError{ChangeOrderID: snapshot.ChangeOrderID}
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}
	r.s.state.snapshots[snapshot.ChangeOrderID] = snapshot
	return snapshot, nil
}

func (r snapshotRepo) GetByChangeOrder(ctx context.Context, changeOrderID uuid.UUID) (domain.BaselineSnapshot, error) {
	defer r.s.lock(ctx)()

	snapshot, ok := r.s.state.snapshots[changeOrderID]
	if !ok {
		return domain.BaselineSnapshot{}, domain.NewNotFoundError("baseline snapshot for change order", changeOrderID)
	}
	return snapshot, nil
}

func (r snapshotRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]domain.BaselineSnapshot, error) {
	defer r.s.lock(ctx)()

	snapshots := make([]domain.BaselineSnapshot, 0)
	for _, snapshot := range r.s.state.snapshots {
		if snapshot.ProjectID == projectID {
			snapshots = append(snapshots, snapshot)
		}
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}
