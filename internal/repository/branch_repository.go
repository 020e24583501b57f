package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costline/costline/internal/db"
	"github.com/costline/costline/internal/domain"
)

// branchRepository implements BranchRepository over Postgres.
type branchRepository struct {
	conn *db.Connection
}

// NewBranchRepository creates a new branch repository.
func NewBranchRepository(conn *db.Connection) BranchRepository {
	return &branchRepository{conn: conn}
}

func (r *branchRepository) CreateProject(ctx context.Context, project domain.Project) (domain.Project, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		INSERT INTO projects (id, name, created_at)
		VALUES ($1, $2, now())
		RETURNING id, name, created_at`,
		project.ID, project.Name,
	)

	var created domain.Project
	if err := row.Scan(&created.ID, &created.Name, &created.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("failed to create project: %w", err)
	}
	return created, nil
}

func (r *branchRepository) GetProject(ctx context.Context, id uuid.UUID) (domain.Project, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT id, name, created_at FROM projects WHERE id = $1`,
		id,
	)

	var project domain.Project
	if err := row.Scan(&project.ID, &project.Name, &project.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Project{}, domain.NewNotFoundError("project", id)
		}
		return domain.Project{}, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

func (r *branchRepository) Create(ctx context.Context, branch domain.Branch) (domain.Branch, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		INSERT INTO branches (id, project_id, name, is_main, status, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, project_id, name, is_main, status, created_at`,
		branch.ID, branch.ProjectID, branch.Name, branch.IsMain, branch.Status,
	)

	created, err := scanBranch(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Branch{}, &domain.DuplicateNameError{ProjectID: branch.ProjectID, Name: branch.Name}
		}
		return domain.Branch{}, fmt.Errorf("failed to create branch: %w", err)
	}
	return created, nil
}

func (r *branchRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Branch, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT id, project_id, name, is_main, status, created_at
		FROM branches WHERE id = $1`,
		id,
	)

	branch, err := scanBranch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Branch{}, domain.NewNotFoundError("branch", id)
		}
		return domain.Branch{}, fmt.Errorf("failed to get branch: %w", err)
	}
	return branch, nil
}

func (r *branchRepository) GetByName(ctx context.Context, projectID uuid.UUID, name string) (domain.Branch, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT id, project_id, name, is_main, status, created_at
		FROM branches
		WHERE project_id = $1 AND lower(name) = lower($2)`,
		projectID, name,
	)

	branch, err := scanBranch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Branch{}, &domain.NotFoundError{Resource: "branch", ID: name}
		}
		return domain.Branch{}, fmt.Errorf("failed to resolve branch: %w", err)
	}
	return branch, nil
}

func (r *branchRepository) Main(ctx context.Context, projectID uuid.UUID) (domain.Branch, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT id, project_id, name, is_main, status, created_at
		FROM branches
		WHERE project_id = $1 AND is_main`,
		projectID,
	)

	branch, err := scanBranch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Branch{}, domain.NewNotFoundError("main branch of project", projectID)
		}
		return domain.Branch{}, fmt.Errorf("failed to get main branch: %w", err)
	}
	return branch, nil
}

func (r *branchRepository) List(ctx context.Context, projectID uuid.UUID) ([]domain.Branch, error) {
	rows, err := r.conn.QuerierFrom(ctx).Query(ctx, `
		SELECT id, project_id, name, is_main, status, created_at
		FROM branches
		WHERE project_id = $1
		ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0)
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		branches = append(branches, branch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read branches: %w", err)
	}
	return branches, nil
}

func (r *branchRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.BranchStatus) (domain.Branch, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		UPDATE branches SET status = $2
		WHERE id = $1
		RETURNING id, project_id, name, is_main, status, created_at`,
		id, status,
	)

	branch, err := scanBranch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Branch{}, domain.NewNotFoundError("branch", id)
		}
		return domain.Branch{}, fmt.Errorf("failed to update branch status: %w", err)
	}
	return branch, nil
}

func scanBranch(row pgx.Row) (domain.Branch, error) {
	var branch domain.Branch
	err := row.Scan(
		&branch.ID, &branch.ProjectID, &branch.Name,
		&branch.IsMain, &branch.Status, &branch.CreatedAt,
	)
	if err != nil {
		return domain.Branch{}, err
	}
	return branch, nil
}
