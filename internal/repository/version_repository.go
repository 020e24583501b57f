package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/costline/costline/internal/db"
	"github.com/costline/costline/internal/domain"
)

const uniqueViolationCode = "23505"

// versionRepository implements VersionRepository over Postgres.
type versionRepository struct {
	conn *db.Connection
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(conn *db.Connection) VersionRepository {
	return &versionRepository{conn: conn}
}

func (r *versionRepository) Append(ctx context.Context, v domain.Version, expectedRevision int64) (domain.Version, error) {
	payloadJSON, err := v.PayloadJSON()
	if err != nil {
		return domain.Version{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	q := r.conn.QuerierFrom(ctx)

	// The guarded insert only succeeds when the branch's current revision
	// for the entity still equals the caller's expected revision; the
	// unique (entity_id, branch_id, revision) index backstops races.
	row := q.QueryRow(ctx, `
		INSERT INTO entity_versions
			(id, entity_id, entity_type, project_id, branch_id, payload, revision, base_revision, deleted, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7 + 1, $8, $9, now()
		WHERE (
			SELECT COALESCE(MAX(revision), 0)
			FROM entity_versions
			WHERE entity_id = $2 AND branch_id = $5
		) = $7
		RETURNING id, entity_id, entity_type, project_id, branch_id, payload, revision, base_revision, deleted, created_at`,
		v.ID, v.EntityID, v.EntityType, v.ProjectID, v.BranchID, payloadJSON, expectedRevision, v.BaseRevision, v.Deleted,
	)

	appended, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return domain.Version{}, r.conflictError(ctx, v.EntityID, v.BranchID, expectedRevision)
		}
		return domain.Version{}, fmt.Errorf("failed to append version: %w", err)
	}
	return appended, nil
}

func (r *versionRepository) conflictError(ctx context.Context, entityID, branchID uuid.UUID, expectedRevision int64) error {
	var current int64
	err := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(revision), 0) FROM entity_versions
		WHERE entity_id = $1 AND branch_id = $2`,
		entityID, branchID,
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to resolve current revision: %w", err)
	}
	return &domain.ConflictError{
		EntityID:         entityID,
		BranchID:         branchID,
		ExpectedRevision: expectedRevision,
		CurrentRevision:  current,
	}
}

func (r *versionRepository) Latest(ctx context.Context, entityID, branchID uuid.UUID) (domain.Version, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT id, entity_id, entity_type, project_id, branch_id, payload, revision, base_revision, deleted, created_at
		FROM entity_versions
		WHERE entity_id = $1 AND branch_id = $2
		ORDER BY revision DESC
		LIMIT 1`,
		entityID, branchID,
	)

	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Version{}, domain.NewNotFoundError("version", entityID)
		}
		return domain.Version{}, fmt.Errorf("failed to get latest version: %w", err)
	}
	return v, nil
}

func (r *versionRepository) TouchedOn(ctx context.Context, branchIDs ...uuid.UUID) (map[uuid.UUID]map[uuid.UUID]domain.Version, error) {
	result := make(map[uuid.UUID]map[uuid.UUID]domain.Version, len(branchIDs))
	for _, branchID := range branchIDs {
		result[branchID] = make(map[uuid.UUID]domain.Version)
	}
	if len(branchIDs) == 0 {
		return result, nil
	}

	rows, err := r.conn.QuerierFrom(ctx).Query(ctx, `
		SELECT DISTINCT ON (branch_id, entity_id)
			id, entity_id, entity_type, project_id, branch_id, payload, revision, base_revision, deleted, created_at
		FROM entity_versions
		WHERE branch_id = ANY($1)
		ORDER BY branch_id, entity_id, revision DESC`,
		branchIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query touched entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan touched version: %w", err)
		}
		result[v.BranchID][v.EntityID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read touched versions: %w", err)
	}
	return result, nil
}

func (r *versionRepository) History(ctx context.Context, entityID, branchID uuid.UUID, filter HistoryFilter) ([]domain.Version, error) {
	builder := sq.Select(
		"id", "entity_id", "entity_type", "project_id", "branch_id",
		"payload", "revision", "base_revision", "deleted", "created_at",
	).
		From("entity_versions").
		Where(sq.Eq{"entity_id": entityID, "branch_id": branchID}).
		OrderBy("revision ASC").
		PlaceholderFormat(sq.Dollar)

	if filter.EntityType != "" {
		builder = builder.Where(sq.Eq{"entity_type": filter.EntityType})
	}
	if !filter.IncludeDeleted {
		builder = builder.Where(sq.Eq{"deleted": false})
	}
	if filter.MaxRevision > 0 {
		builder = builder.Where(sq.LtOrEq{"revision": filter.MaxRevision})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build history query: %w", err)
	}

	rows, err := r.conn.QuerierFrom(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	versions := make([]domain.Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return versions, nil
}

func (r *versionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Version, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT id, entity_id, entity_type, project_id, branch_id, payload, revision, base_revision, deleted, created_at
		FROM entity_versions
		WHERE id = $1`,
		id,
	)

	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Version{}, domain.NewNotFoundError("version", id)
		}
		return domain.Version{}, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

func scanVersion(row pgx.Row) (domain.Version, error) {
	var (
		v           domain.Version
		payloadJSON json.RawMessage
		createdAt   time.Time
	)
	err := row.Scan(
		&v.ID, &v.EntityID, &v.EntityType, &v.ProjectID, &v.BranchID,
		&payloadJSON, &v.Revision, &v.BaseRevision, &v.Deleted, &createdAt,
	)
	if err != nil {
		return domain.Version{}, err
	}

	payload, err := domain.FromJSONPayload(payloadJSON)
	if err != nil {
		return domain.Version{}, fmt.Errorf("failed to decode payload for version %s: %w", v.ID, err)
	}
	v.Payload = payload
	v.CreatedAt = createdAt
	return v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
