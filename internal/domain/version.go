package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is an immutable snapshot of one entity's field values at one
// revision on one branch. History is append-only: for a given
// (EntityID, BranchID) revisions are totally ordered and the highest
// non-deleted revision is the version visible on that branch.
type Version struct {
	ID         uuid.UUID      `json:"id"`
	EntityID   uuid.UUID      `json:"entity_id"`
	EntityType string         `json:"entity_type"`
	ProjectID  uuid.UUID      `json:"project_id"`
	BranchID   uuid.UUID      `json:"branch_id"`
	Payload    map[string]any `json:"payload"`
	Revision   int64          `json:"revision"`
	// BaseRevision records the main-branch revision this branch write was
	// based on (0 when the entity did not exist on main). Merges use it to
	// detect that main moved after the branch diverged.
	BaseRevision int64     `json:"base_revision"`
	Deleted      bool      `json:"deleted"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewVersion creates an unpersisted version with a deep-copied payload.
// Revision is assigned by the version repository on append.
func NewVersion(entityID uuid.UUID, entityType string, projectID, branchID uuid.UUID, payload map[string]any) Version {
	return Version{
		ID:         uuid.New(),
		EntityID:   entityID,
		EntityType: entityType,
		ProjectID:  projectID,
		BranchID:   branchID,
		Payload:    ClonePayload(payload),
		CreatedAt:  time.Now(),
	}
}

// NewTombstone creates an unpersisted deletion marker for the entity.
func NewTombstone(entityID uuid.UUID, entityType string, projectID, branchID uuid.UUID) Version {
	v := NewVersion(entityID, entityType, projectID, branchID, nil)
	v.Deleted = true
	return v
}

// PayloadJSON marshals the payload for JSONB storage.
func (v *Version) PayloadJSON() (json.RawMessage, error) {
	if v.Payload == nil {
		v.Payload = make(map[string]any)
	}
	return json.Marshal(v.Payload)
}

// FromJSONPayload decodes a JSONB payload column into a field map.
func FromJSONPayload(payloadJSON json.RawMessage) (map[string]any, error) {
	var payload map[string]any
	err := json.Unmarshal(payloadJSON, &payload)
	return payload, err
}

// ClonePayload returns a copy of the field map so callers cannot mutate a
// stored version through a shared reference. Nested values are shared; all
// write paths marshal through JSON before persisting, which breaks aliasing.
func ClonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
