// Package baseline captures immutable snapshots of main's entity set at the
// moment a change order executes.
package baseline

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository"
	"github.com/costline/costline/internal/versioning"
)

// Service is the baseline snapshotter.
type Service struct {
	snapshots repository.SnapshotRepository
	branches  repository.BranchRepository
	store     *versioning.Service
	logger    *zap.Logger
}

// NewService creates a baseline snapshotter.
func NewService(snapshots repository.SnapshotRepository, branches repository.BranchRepository, store *versioning.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{snapshots: snapshots, branches: branches, store: store, logger: logger}
}

// Capture records main's current entity set, linked to the triggering change
// order. Capture is exactly-once per change order: a second call fails with
// AlreadyCapturedError.
func (s *Service) Capture(ctx context.Context, projectID, changeOrderID uuid.UUID) (domain.BaselineSnapshot, error) {
	main, err := s.branches.Main(ctx, projectID)
	if err != nil {
		return domain.BaselineSnapshot{}, err
	}
	current, err := s.store.CurrentOn(ctx, main.ID)
	if err != nil {
		return domain.BaselineSnapshot{}, err
	}

	snapshot, err := s.snapshots.Create(ctx, domain.NewBaselineSnapshot(projectID, changeOrderID, current))
	if err != nil {
		return domain.BaselineSnapshot{}, err
	}

	s.logger.Info("baseline captured",
		zap.String("project_id", projectID.String()),
		zap.String("change_order_id", changeOrderID.String()),
		zap.Int("entities", len(snapshot.CapturedEntities)),
	)
	return snapshot, nil
}

// Get returns the snapshot captured for a change order.
func (s *Service) Get(ctx context.Context, changeOrderID uuid.UUID) (domain.BaselineSnapshot, error) {
	return s.snapshots.GetByChangeOrder(ctx, changeOrderID)
}

// List returns a project's snapshots, oldest first.
func (s *Service) List(ctx context.Context, projectID uuid.UUID) ([]domain.BaselineSnapshot, error) {
	return s.snapshots.ListByProject(ctx, projectID)
}
