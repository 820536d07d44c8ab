package repository

import (
	"context"

	"github.com/tobias/mealtrace/internal/domain"
	"gorm.io/gorm"
)

// ResultRepository handles diagnosis outcome data operations: results,
// citations, and discounted ingredients.
type ResultRepository struct {
	db *gorm.DB
}

// NewResultRepository creates a new ResultRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ResultRepository: repository instance bound to db.
func NewResultRepository(db *gorm.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// CreateResult inserts a diagnosis result together with its citations.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - result: result record to persist; Citations are created in the same transaction.
// Returns:
//   - error: non-nil if the insert fails.
func (r *ResultRepository) CreateResult(ctx context.Context, result *domain.DiagnosisResult) error {
	return r.db.WithContext(ctx).Create(result).Error
}

// CreateDiscounted inserts a discounted-ingredient record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - discounted: record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *ResultRepository) CreateDiscounted(ctx context.Context, discounted *domain.DiscountedIngredient) error {
	return r.db.WithContext(ctx).Create(discounted).Error
}

// ListResultsByRun retrieves all results for a run with citations preloaded.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run ID to filter by.
// Returns:
//   - []domain.DiagnosisResult: matching result records.
//   - error: non-nil if the query fails.
func (r *ResultRepository) ListResultsByRun(ctx context.Context, runID string) ([]domain.DiagnosisResult, error) {
	var results []domain.DiagnosisResult
	if err := r.db.WithContext(ctx).
		Preload("Citations").
		Where("run_id = ?", runID).
		Order("confidence_score DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// ListDiscountedByRun retrieves all discounted ingredients for a run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run ID to filter by.
// Returns:
//   - []domain.DiscountedIngredient: matching records.
//   - error: non-nil if the query fails.
func (r *ResultRepository) ListDiscountedByRun(ctx context.Context, runID string) ([]domain.DiscountedIngredient, error) {
	var discounted []domain.DiscountedIngredient
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&discounted).Error; err != nil {
		return nil, err
	}
	return discounted, nil
}

// CountResultsByRun counts persisted results for a run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run ID to count for.
// Returns:
//   - int64: number of results.
//   - error: non-nil if the query fails.
func (r *ResultRepository) CountResultsByRun(ctx context.Context, runID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&domain.DiagnosisResult{}).
		Where("run_id = ?", runID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// OutcomeIngredientIDs returns the ingredient IDs that already have a
// terminal outcome (result or discounted) within the given run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run ID to inspect.
// Returns:
//   - []string: ingredient IDs with an outcome in the run.
//   - error: non-nil if the query fails.
func (r *ResultRepository) OutcomeIngredientIDs(ctx context.Context, runID string) ([]string, error) {
	var fromResults []string
	if err := r.db.WithContext(ctx).
		Model(&domain.DiagnosisResult{}).
		Where("run_id = ?", runID).
		Pluck("ingredient_id", &fromResults).Error; err != nil {
		return nil, err
	}

	var fromDiscounted []string
	if err := r.db.WithContext(ctx).
		Model(&domain.DiscountedIngredient{}).
		Where("run_id = ?", runID).
		Pluck("ingredient_id", &fromDiscounted).Error; err != nil {
		return nil, err
	}

	return append(fromResults, fromDiscounted...), nil
}
