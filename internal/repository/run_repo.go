package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/tobias/mealtrace/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RunRepository handles diagnosis run data operations.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new RunRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *RunRepository: repository instance bound to db.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new diagnosis run record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - run: run record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *RunRepository) Create(ctx context.Context, run *domain.DiagnosisRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// GetByID retrieves a diagnosis run by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: run ID.
// Returns:
//   - *domain.DiagnosisRun: run record if found.
//   - error: non-nil if lookup fails.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*domain.DiagnosisRun, error) {
	var run domain.DiagnosisRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// MarkProcessing transitions a pending run to processing and stamps StartedAt.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: run ID.
// Returns:
//   - error: non-nil if the update fails.
func (r *RunRepository) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&domain.DiagnosisRun{}).
		Where("id = ? AND status = ?", id, domain.RunStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.RunStatusProcessing,
			"started_at": &now,
		}).Error
}

// IncrementCompleted atomically increments the completed-ingredient counter
// and returns the new counter values. The increment and read are a single
// UPDATE ... RETURNING so concurrent workers can never observe the same
// post-increment value.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: run ID.
// Returns:
//   - completed: counter value after the increment.
//   - total: total ingredients for the run.
//   - error: non-nil if the update fails or the run does not exist.
func (r *RunRepository) IncrementCompleted(ctx context.Context, id string) (completed int, total int, err error) {
	var run domain.DiagnosisRun
	res := r.db.WithContext(ctx).
		Model(&run).
		Clauses(clause.Returning{Columns: []clause.Column{
			{Name: "completed_ingredients"},
			{Name: "total_ingredients"},
		}}).
		Where("id = ?", id).
		UpdateColumn("completed_ingredients", gorm.Expr("completed_ingredients + 1"))
	if res.Error != nil {
		return 0, 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, 0, fmt.Errorf("diagnosis run %s not found", id)
	}
	return run.CompletedIngredients, run.TotalIngredients, nil
}

// MarkIngredientFailed atomically increments the failed-ingredient counter.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: run ID.
// Returns:
//   - error: non-nil if the update fails.
func (r *RunRepository) MarkIngredientFailed(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&domain.DiagnosisRun{}).
		Where("id = ?", id).
		UpdateColumn("failed_ingredients", gorm.Expr("failed_ingredients + 1")).Error
}

// Finalize transitions a run to its terminal status. The WHERE clause only
// matches non-terminal rows, so a second finalize attempt is a no-op.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: run ID.
//   - status: terminal status to set (completed or failed).
//   - errorMessage: optional failure description.
// Returns:
//   - finalized: true if this call performed the transition.
//   - error: non-nil if the update fails.
func (r *RunRepository) Finalize(ctx context.Context, id string, status domain.RunStatus, errorMessage string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&domain.DiagnosisRun{}).
		Where("id = ? AND status IN ?", id, []domain.RunStatus{domain.RunStatusPending, domain.RunStatusProcessing}).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
			"completed_at":  &now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// LatestTerminalRun retrieves the most recent completed or failed run for a user.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: user to look up.
// Returns:
//   - *domain.DiagnosisRun: most recent terminal run, or nil if none exists.
//   - error: non-nil if the query fails.
func (r *RunRepository) LatestTerminalRun(ctx context.Context, userID string) (*domain.DiagnosisRun, error) {
	var run domain.DiagnosisRun
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []domain.RunStatus{domain.RunStatusCompleted, domain.RunStatusFailed}).
		Order("created_at DESC").
		First(&run).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
