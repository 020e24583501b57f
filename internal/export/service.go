// Package export renders comparison results as downloadable xlsx workbooks.
package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/costline/costline/internal/comparison"
	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository"
)

const (
	summarySheet = "Summary"
	changesSheet = "Changes"
)

type Service struct {
	compare  *comparison.Service
	branches repository.BranchRepository
	logger   *zap.Logger
}

func NewService(compare *comparison.Service, branches repository.BranchRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{compare: compare, branches: branches, logger: logger}
}

// ComparisonWorkbook computes the branch-vs-base comparison and renders it as
// an xlsx workbook with a Summary sheet and a per-entity Changes sheet. The
// caller owns the returned file and must Close it.
func (s *Service) ComparisonWorkbook(ctx context.Context, projectID, branchID, baseBranchID uuid.UUID) (*excelize.File, string, error) {
	result, err := s.compare.Compare(ctx, projectID, branchID, baseBranchID)
	if err != nil {
		return nil, "", err
	}

	branch, err := s.branches.GetByID(ctx, result.BranchID)
	if err != nil {
		return nil, "", err
	}
	base, err := s.branches.GetByID(ctx, result.BaseBranchID)
	if err != nil {
		return nil, "", err
	}

	f, err := RenderWorkbook(result, branch.Name, base.Name)
	if err != nil {
		return nil, "", err
	}

	filename := fmt.Sprintf("comparison-%s-vs-%s.xlsx", sanitizeFileComponent(branch.Name), sanitizeFileComponent(base.Name))
	s.logger.Debug("comparison workbook rendered",
		zap.String("branch", branch.Name),
		zap.String("base", base.Name),
		zap.Int("changes", len(result.Items)),
	)
	return f, filename, nil
}

// RenderWorkbook builds the workbook from an already computed comparison, so
// frozen change order line items export identically to live comparisons.
func RenderWorkbook(result domain.ComparisonResult, branchName, baseName string) (*excelize.File, error) {
	f := excelize.NewFile()
	f.SetSheetName("Sheet1", summarySheet)
	if _, err := f.NewSheet(changesSheet); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create changes sheet: %w", err)
	}

	if err := writeSummary(f, result, branchName, baseName); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := writeChanges(f, result); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func writeSummary(f *excelize.File, result domain.ComparisonResult, branchName, baseName string) error {
	rows := [][]any{
		{"Branch", branchName},
		{"Base branch", baseName},
		{"Compared at", result.ComparedAt.UTC().Format("2006-01-02 15:04:05 UTC")},
		{},
		{"Creates", result.Summary.Creates},
		{"Updates", result.Summary.Updates},
		{"Deletes", result.Summary.Deletes},
		{"Total budget change", result.Summary.TotalBudgetChange},
		{"Total revenue change", result.Summary.TotalRevenueChange},
	}
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("write summary row %d: %w", i+1, err)
		}
	}
	return nil
}

func writeChanges(f *excelize.File, result domain.ComparisonResult) error {
	header := []any{
		"Entity ID", "Entity type", "Change", "Branch revision", "Base revision",
		"Budget from", "Budget to", "Budget delta",
		"Revenue from", "Revenue to", "Revenue delta",
		"Changed fields",
	}
	if err := f.SetSheetRow(changesSheet, "A1", &header); err != nil {
		return fmt.Errorf("write changes header: %w", err)
	}

	for i, item := range result.Items {
		row := []any{
			item.EntityID.String(),
			item.EntityType,
			string(item.Kind),
			item.BranchRevision,
			item.BaseRevision,
		}
		row = append(row, deltaCells(item.FinancialDeltas, domain.FieldBudget)...)
		row = append(row, deltaCells(item.FinancialDeltas, domain.FieldRevenueAllocation)...)
		row = append(row, changedFields(item.FieldChanges))

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(changesSheet, cell, &row); err != nil {
			return fmt.Errorf("write change row %d: %w", i+2, err)
		}
	}
	return nil
}

func deltaCells(deltas []domain.FinancialDelta, field string) []any {
	for _, delta := range deltas {
		if delta.Field == field {
			return []any{delta.From, delta.To, delta.Delta}
		}
	}
	return []any{nil, nil, nil}
}

func changedFields(changes []domain.FieldChange) string {
	if len(changes) == 0 {
		return ""
	}
	names := make([]string, 0, len(changes))
	for _, change := range changes {
		names = append(names, change.Field)
	}
	return strings.Join(names, ", ")
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "branch"
	}
	return result
}
