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

// changeOrderRepository implements ChangeOrderRepository over Postgres.
type changeOrderRepository struct {
	conn *db.Connection
}

// NewChangeOrderRepository creates a new change order repository.
func NewChangeOrderRepository(conn *db.Connection) ChangeOrderRepository {
	return &changeOrderRepository{conn: conn}
}

func (r *changeOrderRepository) NextSequence(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var sequence int64
	err := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		INSERT INTO change_order_sequences (project_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (project_id)
		DO UPDATE SET last_value = change_order_sequences.last_value + 1
		RETURNING last_value`,
		projectID,
	).Scan(&sequence)
	if err != nil {
		return 0, fmt.Errorf("failed to advance change order sequence: %w", err)
	}
	return sequence, nil
}

func (r *changeOrderRepository) Create(ctx context.Context, co domain.ChangeOrder) (domain.ChangeOrder, error) {
	lineItemsJSON, err := marshalLineItems(co.LineItems)
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		INSERT INTO change_orders
			(id, project_id, branch_id, number, title, description, state, line_items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING id, project_id, branch_id, number, title, description, state, line_items, created_at, updated_at`,
		co.ID, co.ProjectID, co.BranchID, co.Number, co.Title, co.Description, co.State, lineItemsJSON,
	)

	created, err := scanChangeOrder(row)
	if err != nil {
		if isUniqueViolation(err) {
			// The partial unique index on non-terminal states enforces at
			// most one active change order per branch.
			return domain.ChangeOrder{}, &domain.InvalidStateError{
				Reason: fmt.Sprintf("branch %s already has an active change order", co.BranchID),
			}
		}
		return domain.ChangeOrder{}, fmt.Errorf("failed to create change order: %w", err)
	}
	return created, nil
}

func (r *changeOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT id, project_id, branch_id, number, title, description, state, line_items, created_at, updated_at
		FROM change_orders WHERE id = $1`,
		id,
	)

	co, err := scanChangeOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChangeOrder{}, domain.NewNotFoundError("change order", id)
		}
		return domain.ChangeOrder{}, fmt.Errorf("failed to get change order: %w", err)
	}
	return co, nil
}

func (r *changeOrderRepository) GetActiveByBranch(ctx context.Context, branchID uuid.UUID) (domain.ChangeOrder, error) {
	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		SELECT id, project_id, branch_id, number, title, description, state, line_items, created_at, updated_at
		FROM change_orders
		WHERE branch_id = $1 AND state IN ('draft', 'approved')`,
		branchID,
	)

	co, err := scanChangeOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChangeOrder{}, domain.NewNotFoundError("active change order for branch", branchID)
		}
		return domain.ChangeOrder{}, fmt.Errorf("failed to get active change order: %w", err)
	}
	return co, nil
}

func (r *changeOrderRepository) List(ctx context.Context, projectID uuid.UUID) ([]domain.ChangeOrder, error) {
	rows, err := r.conn.QuerierFrom(ctx).Query(ctx, `
		SELECT id, project_id, branch_id, number, title, description, state, line_items, created_at, updated_at
		FROM change_orders
		WHERE project_id = $1
		ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list change orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.ChangeOrder, 0)
	for rows.Next() {
		co, err := scanChangeOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change order: %w", err)
		}
		orders = append(orders, co)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change orders: %w", err)
	}
	return orders, nil
}

func (r *changeOrderRepository) Update(ctx context.Context, co domain.ChangeOrder) (domain.ChangeOrder, error) {
	lineItemsJSON, err := marshalLineItems(co.LineItems)
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	row := r.conn.QuerierFrom(ctx).QueryRow(ctx, `
		UPDATE change_orders
		SET state = $2, line_items = $3, updated_at = now()
		WHERE id = $1
		RETURNING id, project_id, branch_id, number, title, description, state, line_items, created_at, updated_at`,
		co.ID, co.State, lineItemsJSON,
	)

	updated, err := scanChangeOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChangeOrder{}, domain.NewNotFoundError("change order", co.ID)
		}
		return domain.ChangeOrder{}, fmt.Errorf("failed to update change order: %w", err)
	}
	return updated, nil
}

func marshalLineItems(items *domain.ComparisonResult) ([]byte, error) {
	if items == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal line items: %w", err)
	}
	return encoded, nil
}

func scanChangeOrder(row pgx.Row) (domain.ChangeOrder, error) {
	var (
		co            domain.ChangeOrder
		lineItemsJSON []byte
	)
	err := row.Scan(
		&co.ID, &co.ProjectID, &co.BranchID, &co.Number, &co.Title,
		&co.Description, &co.State, &lineItemsJSON, &co.CreatedAt, &co.UpdatedAt,
	)
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	if len(lineItemsJSON) > 0 {
		var items domain.ComparisonResult
		if err := json.Unmarshal(lineItemsJSON, &items); err != nil {
			return domain.ChangeOrder{}, fmt.Errorf("failed to decode line items for change order %s: %w", co.ID, err)
		}
		co.LineItems = &items
	}
	return co, nil
}
