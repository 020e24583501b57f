// Package versioning implements the multi-version entity store: append-only
// revisions per (entity, branch), tombstone deletes, copy-on-write reads
// against main, and branch merges.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository"
)

// Service is the version store.
type Service struct {
	versions repository.VersionRepository
	branches repository.BranchRepository
	logger   *zap.Logger
}

// NewService creates a version store service.
func NewService(versions repository.VersionRepository, branches repository.BranchRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{versions: versions, branches: branches, logger: logger}
}

// WriteRequest describes one entity write on a branch. ExpectedRevision is
// the optimistic concurrency token: the branch's current revision for the
// entity, or 0 when the branch has never written it.
type WriteRequest struct {
	EntityID         uuid.UUID
	EntityType       string
	BranchID         uuid.UUID
	Payload          map[string]any
	ExpectedRevision int64
}

// Write appends a new revision for the entity on the branch. A stale
// ExpectedRevision fails with ConflictError; callers refetch and retry.
// A zero EntityID creates a new entity identity.
func (s *Service) Write(ctx context.Context, req WriteRequest) (domain.Version, error) {
	if req.EntityType == "" {
		return domain.Version{}, &domain.InvalidStateError{Reason: "entity type is required"}
	}

	branch, err := s.branches.GetByID(ctx, req.BranchID)
	if err != nil {
		return domain.Version{}, err
	}
	if branch.Status != domain.BranchStatusActive {
		return domain.Version{}, &domain.InvalidStateError{
			Reason: fmt.Sprintf("branch %s is %s and no longer accepts writes", branch.Name, branch.Status),
		}
	}

	entityID := req.EntityID
	if entityID == uuid.Nil {
		entityID = uuid.New()
	}

	v := domain.NewVersion(entityID, req.EntityType, branch.ProjectID, branch.ID, req.Payload)
	v.BaseRevision, err = s.baseRevision(ctx, branch, entityID)
	if err != nil {
		return domain.Version{}, err
	}

	appended, err := s.versions.Append(ctx, v, req.ExpectedRevision)
	if err != nil {
		return domain.Version{}, err
	}

	s.logger.Debug("version written",
		zap.String("entity_id", entityID.String()),
		zap.String("branch", branch.Name),
		zap.Int64("revision", appended.Revision),
	)
	return appended, nil
}

// baseRevision records the main-branch revision a branch write is based on.
// The first branch write snapshots main's current revision; later writes
// carry the original divergence point forward.
func (s *Service) baseRevision(ctx context.Context, branch domain.Branch, entityID uuid.UUID) (int64, error) {
	if branch.IsMain {
		return 0, nil
	}

	prev, err := s.versions.Latest(ctx, entityID, branch.ID)
	if err == nil {
		return prev.BaseRevision, nil
	}
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		return 0, err
	}

	main, err := s.branches.Main(ctx, branch.ProjectID)
	if err != nil {
		return 0, err
	}
	onMain, err := s.versions.Latest(ctx, entityID, main.ID)
	if err == nil {
		return onMain.Revision, nil
	}
	if errors.As(err, &notFound) {
		return 0, nil
	}
	return 0, err
}

// Tombstone appends a deletion marker for the entity on the branch. The
// entity stays queryable through History; it is merely absent from CurrentOn
// from this revision forward.
func (s *Service) Tombstone(ctx context.Context, entityID, branchID uuid.UUID) (domain.Version, error) {
	branch, err := s.branches.GetByID(ctx, branchID)
	if err != nil {
		return domain.Version{}, err
	}
	if branch.Status != domain.BranchStatusActive {
		return domain.Version{}, &domain.InvalidStateError{
			Reason: fmt.Sprintf("branch %s is %s and no longer accepts writes", branch.Name, branch.Status),
		}
	}

	var (
		expectedRevision int64
		baseRevision     int64
		entityType       string
	)

	prev, err := s.versions.Latest(ctx, entityID, branch.ID)
	switch {
	case err == nil:
		if prev.Deleted {
			return domain.Version{}, domain.NewNotFoundError("entity", entityID)
		}
		expectedRevision = prev.Revision
		baseRevision = prev.BaseRevision
		entityType = prev.EntityType
	default:
		var notFound *domain.NotFoundError
		if !errors.As(err, &notFound) {
			return domain.Version{}, err
		}
		if branch.IsMain {
			return domain.Version{}, domain.NewNotFoundError("entity", entityID)
		}
		// Copy-on-write fallback: the branch never touched the entity, so
		// deletion applies to the version visible from main.
		main, err := s.branches.Main(ctx, branch.ProjectID)
		if err != nil {
			return domain.Version{}, err
		}
		onMain, err := s.versions.Latest(ctx, entityID, main.ID)
		if err != nil {
			if errors.As(err, &notFound) {
				return domain.Version{}, domain.NewNotFoundError("entity", entityID)
			}
			return domain.Version{}, err
		}
		if onMain.Deleted {
			return domain.Version{}, domain.NewNotFoundError("entity", entityID)
		}
		baseRevision = onMain.Revision
		entityType = onMain.EntityType
	}

	tombstone := domain.NewTombstone(entityID, entityType, branch.ProjectID, branch.ID)
	tombstone.BaseRevision = baseRevision
	return s.versions.Append(ctx, tombstone, expectedRevision)
}

// CurrentOn returns the latest non-deleted version of every entity visible
// on the branch. Branches are copy-on-write overlays: entities never touched
// on the branch resolve to main's current version. Both branches are read
// from one consistent snapshot.
func (s *Service) CurrentOn(ctx context.Context, branchID uuid.UUID) (map[uuid.UUID]domain.Version, error) {
	branch, err := s.branches.GetByID(ctx, branchID)
	if err != nil {
		return nil, err
	}
	main, err := s.branches.Main(ctx, branch.ProjectID)
	if err != nil {
		return nil, err
	}

	touched, err := s.versions.TouchedOn(ctx, main.ID, branch.ID)
	if err != nil {
		return nil, err
	}

	current := make(map[uuid.UUID]domain.Version)
	for entityID, v := range touched[main.ID] {
		if !v.Deleted {
			current[entityID] = v
		}
	}
	if branch.ID == main.ID {
		return current, nil
	}
	for entityID, v := range touched[branch.ID] {
		if v.Deleted {
			delete(current, entityID)
			continue
		}
		current[entityID] = v
	}
	return current, nil
}

// History lists the revisions recorded for the entity on the branch, oldest
// first. Audit queries keep working after a branch is merged or discarded.
func (s *Service) History(ctx context.Context, entityID, branchID uuid.UUID, filter repository.HistoryFilter) ([]domain.Version, error) {
	if _, err := s.branches.GetByID(ctx, branchID); err != nil {
		return nil, err
	}
	return s.versions.History(ctx, entityID, branchID, filter)
}

// MergeInto appends, for every entity touched on the source branch, a new
// revision on the target branch carrying the source's latest payload or
// tombstone. The merge fails with MergeConflictError when the target moved
// past the source's divergence point with a different value; identical
// target values merge cleanly. Callers wrap MergeInto in a transaction so
// the appended set is all-or-nothing.
func (s *Service) MergeInto(ctx context.Context, fromBranchID, intoBranchID uuid.UUID) (map[uuid.UUID]domain.Version, error) {
	touched, err := s.versions.TouchedOn(ctx, fromBranchID, intoBranchID)
	if err != nil {
		return nil, err
	}
	source := touched[fromBranchID]
	target := touched[intoBranchID]

	entityIDs := make([]uuid.UUID, 0, len(source))
	conflicts := make([]uuid.UUID, 0)
	for entityID, src := range source {
		if tgt, ok := target[entityID]; ok && tgt.Revision > src.BaseRevision {
			if src.Deleted == tgt.Deleted && domain.PayloadEqual(src.Payload, tgt.Payload) {
				// Target already carries the incoming value.
				entityIDs = append(entityIDs, entityID)
				continue
			}
			conflicts = append(conflicts, entityID)
			continue
		}
		entityIDs = append(entityIDs, entityID)
	}
	if len(conflicts) > 0 {
		sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].String() < conflicts[j].String() })
		return nil, &domain.MergeConflictError{
			FromBranchID: fromBranchID,
			IntoBranchID: intoBranchID,
			EntityIDs:    conflicts,
		}
	}

	sort.Slice(entityIDs, func(i, j int) bool { return entityIDs[i].String() < entityIDs[j].String() })

	merged := make(map[uuid.UUID]domain.Version, len(entityIDs))
	for _, entityID := range entityIDs {
		src := source[entityID]
		expectedRevision := int64(0)
		if tgt, ok := target[entityID]; ok {
			expectedRevision = tgt.Revision
		}

		v := domain.NewVersion(entityID, src.EntityType, src.ProjectID, intoBranchID, src.Payload)
		v.Deleted = src.Deleted
		appended, err := s.versions.Append(ctx, v, expectedRevision)
		if err != nil {
			return nil, fmt.Errorf("failed to merge entity %s: %w", entityID, err)
		}
		merged[entityID] = appended
	}

	s.logger.Info("branch merged",
		zap.String("from_branch_id", fromBranchID.String()),
		zap.String("into_branch_id", intoBranchID.String()),
		zap.Int("entities", len(merged)),
	)
	return merged, nil
}
