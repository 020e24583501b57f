package domain

import (
	"time"

	"github.com/google/uuid"
)

// BaselineSnapshot is an immutable copy of every entity's current-on-main
// version at the moment a change order executed. Captured exactly once per
// change order, never mutated afterwards.
type BaselineSnapshot struct {
	ID            uuid.UUID `json:"id"`
	ProjectID     uuid.UUID `json:"project_id"`
	ChangeOrderID uuid.UUID `json:"change_order_id"`
	// CapturedEntities maps entity IDs to the version record visible on
	// main when the snapshot was taken.
	CapturedEntities map[uuid.UUID]uuid.UUID `json:"captured_entities"`
	CreatedAt        time.Time               `json:"created_at"`
}

// NewBaselineSnapshot builds a snapshot from the main branch's current
// entity set.
func NewBaselineSnapshot(projectID, changeOrderID uuid.UUID, current map[uuid.UUID]Version) BaselineSnapshot {
	captured := make(map[uuid.UUID]uuid.UUID, len(current))
	for entityID, version := range current {
		captured[entityID] = version.ID
	}
	return BaselineSnapshot{
		ID:               uuid.New(),
		ProjectID:        projectID,
		ChangeOrderID:    changeOrderID,
		CapturedEntities: captured,
		CreatedAt:        time.Now(),
	}
}
