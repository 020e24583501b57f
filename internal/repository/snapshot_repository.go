package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costline/costline/internal/db"
	"github.com/costline/costline/internal/domain"
)

// snapshotRepository implements SnapshotRepository over Postgres.
type snapshotRepository struct {
	conn *db.Connection
}

// NewSnapshotRepository creates a new baseline snapshot repository.
func NewSnapshotRepository(conn *db.Connection) SnapshotRepository {
	return &snapshotRepository{conn: conn}
}

func (r *snapshotRepository) Create(ctx context.Context, snapshot domain.BaselineSnapshot) (domain.BaselineSnapshot, error) {
	capturedJSON, err := json.Marshal(encodeCaptured(snapshot.CapturedEntities))
	if err != nil {
		return domain.BaselineSnapshot{}, fmt.Errorf("failed to marshal captured entities: %w", err)
	}

	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		INSERT INTO baseline_snapshots (id, project_id, change_order_id, captured_entities, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, project_id, change_order_id, captured_entities, created_at`,
		snapshot.ID, snapshot.ProjectID, snapshot.ChangeOrderID, capturedJSON,
	)

	created, err := scanSnapshot(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.BaselineSnapshot{}, &domain.AlreadyCapturedError{ChangeOrderID: snapshot.ChangeOrderID}
		}
		return domain.BaselineSnapshot{}, fmt.Errorf("failed to create baseline snapshot: %w", err)
	}
	return created, nil
}

func (r *snapshotRepository) GetByChangeOrder(ctx context.Context, changeOrderID uuid.UUID) (domain.BaselineSnapshot, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT id, project_id, change_order_id, captured_entities, created_at
		FROM baseline_snapshots
		WHERE change_order_id = $1`,
		changeOrderID,
	)

	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BaselineSnapshot{}, domain.NewNotFoundError("baseline snapshot for change order", changeOrderID)
		}
		return domain.BaselineSnapshot{}, fmt.Errorf("failed to get baseline snapshot: %w", err)
	}
	return snapshot, nil
}

func (r *snapshotRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]domain.BaselineSnapshot, error) {
	rows, err := r.conn.QuerierFrom(ctx).Query(ctx, `
		SELECT id, project_id, change_order_id, captured_entities, created_at
		FROM baseline_snapshots
		WHERE project_id = $1
		ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list baseline snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]domain.BaselineSnapshot, 0)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan baseline snapshot: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read baseline snapshots: %w", err)
	}
	return snapshots, nil
}

func encodeCaptured(captured map[uuid.UUID]uuid.UUID) map[string]string {
	encoded := make(map[string]string, len(captured))
	for entityID, versionID := range captured {
		encoded[entityID.String()] = versionID.String()
	}
	return encoded
}

func decodeCaptured(encoded map[string]string) (map[uuid.UUID]uuid.UUID, error) {
	captured := make(map[uuid.UUID]uuid.UUID, len(encoded))
	for entityKey, versionValue := range encoded {
		entityID, err := uuid.Parse(entityKey)
		if err != nil {
			return nil, fmt.Errorf("invalid captured entity id %q: %w", entityKey, err)
		}
		versionID, err := uuid.Parse(versionValue)
		if err != nil {
			return nil, fmt.Errorf("invalid captured version id %q: %w", versionValue, err)
		}
		captured[entityID] = versionID
	}
	return captured, nil
}

func scanSnapshot(row pgx.Row) (domain.BaselineSnapshot, error) {
	var (
		snapshot     domain.BaselineSnapshot
		capturedJSON []byte
	)
	err := row.Scan(&snapshot.ID, &snapshot.ProjectID, &snapshot.ChangeOrderID, &capturedJSON, &snapshot.CreatedAt)
	if err != nil {
		return domain.BaselineSnapshot{}, err
	}

	var encoded map[string]string
	if err := json.Unmarshal(capturedJSON, &encoded); err != nil {
		return domain.BaselineSnapshot{}, fmt.Errorf("failed to decode captured entities for snapshot %s: %w", snapshot.ID, err)
	}
	captured, err := decodeCaptured(encoded)
	if err != nil {
		return domain.BaselineSnapshot{}, err
	}
	snapshot.CapturedEntities = captured
	return snapshot, nil
}
