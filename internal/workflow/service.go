// Package workflow drives change orders through draft, approved, executed and
// cancelled, and performs the execute merge as one atomic unit.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costline/costline/internal/baseline"
	"github.com/costline/costline/internal/comparison"
	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository"
	"github.com/costline/costline/internal/versioning"
)

// Service is the change order workflow engine.
type Service struct {
	atomic    repository.Atomic
	orders    repository.ChangeOrderRepository
	branches  repository.BranchRepository
	store     *versioning.Service
	compare   *comparison.Service
	baselines *baseline.Service
	logger    *zap.Logger
}

// NewService creates a change order workflow service.
func NewService(
	atomic repository.Atomic,
	orders repository.ChangeOrderRepository,
	branches repository.BranchRepository,
	store *versioning.Service,
	compare *comparison.Service,
	baselines *baseline.Service,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		atomic:    atomic,
		orders:    orders,
		branches:  branches,
		store:     store,
		compare:   compare,
		baselines: baselines,
		logger:    logger,
	}
}

// Create opens a draft change order for a non-main active branch. A branch
// carries at most one non-terminal change order; the project sequence
// advances even if the order is later cancelled.
func (s *Service) Create(ctx context.Context, branchID uuid.UUID, title, description string) (domain.ChangeOrder, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.ChangeOrder{}, &domain.InvalidStateError{Reason: "change order title is required"}
	}

	branch, err := s.branches.GetByID(ctx, branchID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if branch.IsMain {
		return domain.ChangeOrder{}, &domain.MainBranchProtectedError{BranchID: branchID}
	}
	if branch.Status != domain.BranchStatusActive {
		return domain.ChangeOrder{}, &domain.InvalidStateError{
			Reason: fmt.Sprintf("branch %s is %s and cannot open a change order", branch.Name, branch.Status),
		}
	}
	if existing, err := s.orders.GetActiveByBranch(ctx, branchID); err == nil {
		return domain.ChangeOrder{}, &domain.InvalidStateError{
			Reason: fmt.Sprintf("branch %s already has active change order %s", branch.Name, existing.Number),
		}
	} else {
		var notFound *domain.NotFoundError
		if !errors.As(err, &notFound) {
			return domain.ChangeOrder{}, err
		}
	}

	var co domain.ChangeOrder
	err = s.atomic.InTx(ctx, func(ctx context.Context) error {
		sequence, err := s.orders.NextSequence(ctx, branch.ProjectID)
		if err != nil {
			return err
		}
		co, err = s.orders.Create(ctx, domain.NewChangeOrder(branch.ProjectID, branchID, sequence, title, description))
		return err
	})
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	s.logger.Info("change order created",
		zap.String("number", co.Number),
		zap.String("branch", branch.Name),
	)
	return co, nil
}

// Approve moves a draft change order to approved and freezes its line items:
// the branch-vs-main comparison computed now is what execution and reporting
// show from here on, regardless of later writes to main.
func (s *Service) Approve(ctx context.Context, changeOrderID uuid.UUID) (domain.ChangeOrder, error) {
	co, err := s.orders.GetByID(ctx, changeOrderID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := domain.ValidateTransition(co.State, domain.ChangeOrderStateApproved); err != nil {
		return domain.ChangeOrder{}, err
	}

	branch, err := s.branches.GetByID(ctx, co.BranchID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if branch.Status != domain.BranchStatusActive {
		return domain.ChangeOrder{}, &domain.InvalidStateError{
			Reason: fmt.Sprintf("branch %s is %s; change order %s cannot be approved", branch.Name, branch.Status, co.Number),
		}
	}

	result, err := s.compare.Compare(ctx, co.ProjectID, co.BranchID, uuid.Nil)
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	co.State = domain.ChangeOrderStateApproved
	co.LineItems = &result
	updated, err := s.orders.Update(ctx, co)
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	s.logger.Info("change order approved",
		zap.String("number", updated.Number),
		zap.Int("line_items", len(result.Items)),
	)
	return updated, nil
}

// Execute merges the branch into main, captures a baseline snapshot of the
// merged result, marks the branch merged and the change order executed. The
// four effects commit or roll back together; in particular a merge conflict
// leaves the change order approved and every branch untouched.
func (s *Service) Execute(ctx context.Context, changeOrderID uuid.UUID) (domain.ChangeOrder, error) {
	co, err := s.orders.GetByID(ctx, changeOrderID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := domain.ValidateTransition(co.State, domain.ChangeOrderStateExecuted); err != nil {
		return domain.ChangeOrder{}, err
	}

	branch, err := s.branches.GetByID(ctx, co.BranchID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	main, err := s.branches.Main(ctx, co.ProjectID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	var executed domain.ChangeOrder
	err = s.atomic.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.MergeInto(ctx, branch.ID, main.ID); err != nil {
			return err
		}
		if _, err := s.baselines.Capture(ctx, co.ProjectID, co.ID); err != nil {
			return err
		}
		if _, err := s.branches.UpdateStatus(ctx, branch.ID, domain.BranchStatusMerged); err != nil {
			return err
		}
		co.State = domain.ChangeOrderStateExecuted
		executed, err = s.orders.Update(ctx, co)
		return err
	})
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	s.logger.Info("change order executed",
		zap.String("number", executed.Number),
		zap.String("branch", branch.Name),
	)
	return executed, nil
}

// Cancel moves a draft or approved change order to cancelled and discards its
// branch. The branch's version history stays queryable.
func (s *Service) Cancel(ctx context.Context, changeOrderID uuid.UUID) (domain.ChangeOrder, error) {
	co, err := s.orders.GetByID(ctx, changeOrderID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := domain.ValidateTransition(co.State, domain.ChangeOrderStateCancelled); err != nil {
		return domain.ChangeOrder{}, err
	}

	var cancelled domain.ChangeOrder
	err = s.atomic.InTx(ctx, func(ctx context.Context) error {
		co.State = domain.ChangeOrderStateCancelled
		cancelled, err = s.orders.Update(ctx, co)
		if err != nil {
			return err
		}
		branch, err := s.branches.GetByID(ctx, co.BranchID)
		if err != nil {
			return err
		}
		if branch.Status == domain.BranchStatusActive {
			if _, err := s.branches.UpdateStatus(ctx, branch.ID, domain.BranchStatusDiscarded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	s.logger.Info("change order cancelled", zap.String("number", cancelled.Number))
	return cancelled, nil
}

// Get loads a change order.
func (s *Service) Get(ctx context.Context, changeOrderID uuid.UUID) (domain.ChangeOrder, error) {
	return s.orders.GetByID(ctx, changeOrderID)
}

// List returns a project's change orders, oldest first.
func (s *Service) List(ctx context.Context, projectID uuid.UUID) ([]domain.ChangeOrder, error) {
	return s.orders.List(ctx, projectID)
}
