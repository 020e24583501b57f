// Package branches implements the branch registry: project-scoped branch
// lifecycle, main-branch protection, and soft deletes that preserve version
// history.
package branches

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository"
)

// Service is the branch registry.
type Service struct {
	atomic   repository.Atomic
	branches repository.BranchRepository
	orders   repository.ChangeOrderRepository
	logger   *zap.Logger
}

// NewService creates a branch registry service.
func NewService(atomic repository.Atomic, branches repository.BranchRepository, orders repository.ChangeOrderRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{atomic: atomic, branches: branches, orders: orders, logger: logger}
}

// CreateProject creates a project together with its main branch. Main is
// created exactly once, at project creation, and is never deletable.
func (s *Service) CreateProject(ctx context.Context, name string) (domain.Project, domain.Branch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Project{}, domain.Branch{}, &domain.InvalidStateError{Reason: "project name is required"}
	}

	var (
		project domain.Project
		main    domain.Branch
	)
	err := s.atomic.InTx(ctx, func(ctx context.Context) error {
		var err error
		project, err = s.branches.CreateProject(ctx, domain.NewProject(name))
		if err != nil {
			return err
		}
		main, err = s.branches.Create(ctx, domain.NewMainBranch(project.ID))
		return err
	})
	if err != nil {
		return domain.Project{}, domain.Branch{}, err
	}

	s.logger.Info("project created",
		zap.String("project_id", project.ID.String()),
		zap.String("name", project.Name),
	)
	return project, main, nil
}

// CreateBranch creates an active branch with no versions of its own; reads
// fall back entirely to main until the branch is written to. Names are
// unique per project, case-insensitively.
func (s *Service) CreateBranch(ctx context.Context, projectID uuid.UUID, name string) (domain.Branch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Branch{}, &domain.InvalidStateError{Reason: "branch name is required"}
	}
	if _, err := s.branches.GetProject(ctx, projectID); err != nil {
		return domain.Branch{}, err
	}

	branch, err := s.branches.Create(ctx, domain.NewBranch(projectID, name))
	if err != nil {
		return domain.Branch{}, err
	}

	s.logger.Info("branch created",
		zap.String("project_id", projectID.String()),
		zap.String("branch", branch.Name),
	)
	return branch, nil
}

// DeleteBranch soft-deletes a branch by marking it discarded. Every version
// recorded on the branch remains in the store for audit and history queries.
// Main cannot be deleted, and a branch with an active change order must have
// that change order cancelled first.
func (s *Service) DeleteBranch(ctx context.Context, branchID uuid.UUID) error {
	branch, err := s.branches.GetByID(ctx, branchID)
	if err != nil {
		return err
	}
	if branch.IsMain {
		return &domain.MainBranchProtectedError{BranchID: branchID}
	}
	if branch.Terminal() {
		return &domain.InvalidStateError{
			Reason: fmt.Sprintf("branch %s is already %s", branch.Name, branch.Status),
		}
	}

	if co, err := s.orders.GetActiveByBranch(ctx, branchID); err == nil {
		return &domain.InvalidStateError{
			Reason: fmt.Sprintf("branch %s has active change order %s; cancel it first", branch.Name, co.Number),
		}
	} else {
		var notFound *domain.NotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	if _, err := s.branches.UpdateStatus(ctx, branchID, domain.BranchStatusDiscarded); err != nil {
		return err
	}

	s.logger.Info("branch discarded",
		zap.String("project_id", branch.ProjectID.String()),
		zap.String("branch", branch.Name),
	)
	return nil
}

// Resolve looks a branch up by name within a project.
func (s *Service) Resolve(ctx context.Context, projectID uuid.UUID, name string) (domain.Branch, error) {
	return s.branches.GetByName(ctx, projectID, name)
}

// Get loads a branch by ID.
func (s *Service) Get(ctx context.Context, branchID uuid.UUID) (domain.Branch, error) {
	return s.branches.GetByID(ctx, branchID)
}

// Main returns the project's main branch.
func (s *Service) Main(ctx context.Context, projectID uuid.UUID) (domain.Branch, error) {
	return s.branches.Main(ctx, projectID)
}

// List returns the project's branches, main included, oldest first.
func (s *Service) List(ctx context.Context, projectID uuid.UUID) ([]domain.Branch, error) {
	if _, err := s.branches.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.branches.List(ctx, projectID)
}
