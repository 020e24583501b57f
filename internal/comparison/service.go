// Package comparison computes the structural and financial diff of a branch
// against a base branch. Comparisons are read-only and operate on one
// consistent snapshot, so they are safe to run repeatedly and concurrently
// with writes.
package comparison

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository"
)

// Service is the comparison engine.
type Service struct {
	versions repository.VersionRepository
	branches repository.BranchRepository
	logger   *zap.Logger
}

// NewService creates a comparison engine.
func NewService(versions repository.VersionRepository, branches repository.BranchRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{versions: versions, branches: branches, logger: logger}
}

// Compare diffs branchID against baseBranchID within the project. A zero
// baseBranchID compares against main. Entities with identical payloads are
// omitted; an entity updated and later tombstoned on the branch classifies
// as a delete.
func (s *Service) Compare(ctx context.Context, projectID, branchID, baseBranchID uuid.UUID) (domain.ComparisonResult, error) {
	branch, err := s.branches.GetByID(ctx, branchID)
	if err != nil {
		return domain.ComparisonResult{}, err
	}
	if branch.ProjectID != projectID {
		return domain.ComparisonResult{}, domain.NewNotFoundError("branch in project", branchID)
	}

	main, err := s.branches.Main(ctx, projectID)
	if err != nil {
		return domain.ComparisonResult{}, err
	}

	base := main
	if baseBranchID != uuid.Nil && baseBranchID != main.ID {
		base, err = s.branches.GetByID(ctx, baseBranchID)
		if err != nil {
			return domain.ComparisonResult{}, err
		}
		if base.ProjectID != projectID {
			return domain.ComparisonResult{}, domain.NewNotFoundError("base branch in project", baseBranchID)
		}
	}

	// One snapshot read covers every branch involved, so the comparison
	// never observes a torn mixture of versions.
	touched, err := s.versions.TouchedOn(ctx, main.ID, base.ID, branch.ID)
	if err != nil {
		return domain.ComparisonResult{}, err
	}

	baseCurrent := make(map[uuid.UUID]domain.Version)
	for entityID, v := range touched[main.ID] {
		if !v.Deleted {
			baseCurrent[entityID] = v
		}
	}
	if base.ID != main.ID {
		// The base branch is itself a copy-on-write overlay over main.
		for entityID, v := range touched[base.ID] {
			if v.Deleted {
				delete(baseCurrent, entityID)
				continue
			}
			baseCurrent[entityID] = v
		}
	}

	result, err := domain.BuildComparison(projectID, branch.ID, base.ID, baseCurrent, touched[branch.ID])
	if err != nil {
		return domain.ComparisonResult{}, err
	}

	s.logger.Debug("comparison computed",
		zap.String("branch", branch.Name),
		zap.String("base", base.Name),
		zap.Int("changes", len(result.Items)),
	)
	return result, nil
}
