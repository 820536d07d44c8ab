package repository

import (
	"context"
	"strings"

	"github.com/tobias/mealtrace/internal/domain"
	"gorm.io/gorm"
)

// HistoryRepository provides read-only access to the historical meal and
// symptom records the pipeline analyzes. Record CRUD lives upstream.
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new HistoryRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *HistoryRepository: repository instance bound to db.
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// ListPublishedMeals retrieves all published meals for a user with
// ingredients preloaded, ordered by timestamp ascending.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: user whose meals to load.
// Returns:
//   - []domain.Meal: published meals with Items.Ingredient populated.
//   - error: non-nil if the query fails.
func (r *HistoryRepository) ListPublishedMeals(ctx context.Context, userID string) ([]domain.Meal, error) {
	var meals []domain.Meal
	if err := r.db.WithContext(ctx).
		Preload("Items.Ingredient").
		Where("user_id = ? AND status = ?", userID, domain.MealStatusPublished).
		Order("timestamp ASC").
		Find(&meals).Error; err != nil {
		return nil, err
	}
	return meals, nil
}

// ListTaggedSymptoms retrieves all symptom entries with at least one tag for
// a user, ordered by start time ascending.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: user whose symptoms to load.
// Returns:
//   - []domain.Symptom: tagged symptom entries.
//   - error: non-nil if the query fails.
func (r *HistoryRepository) ListTaggedSymptoms(ctx context.Context, userID string) ([]domain.Symptom, error) {
	var symptoms []domain.Symptom
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND tags IS NOT NULL AND tags != ? AND tags != ?", userID, "", "[]").
		Order("start_time ASC").
		Find(&symptoms).Error; err != nil {
		return nil, err
	}
	return symptoms, nil
}

// FindIngredientByName looks up an ingredient by its normalized name,
// case-insensitively. Used to resolve confounded-by names coming back from
// the research collaborator against canonical ingredient rows.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - name: normalized ingredient name.
// Returns:
//   - *domain.Ingredient: matching ingredient, or nil if none exists.
//   - error: non-nil if the query fails.
func (r *HistoryRepository) FindIngredientByName(ctx context.Context, name string) (*domain.Ingredient, error) {
	var ingredient domain.Ingredient
	err := r.db.WithContext(ctx).
		Where("LOWER(normalized_name) = ?", strings.ToLower(strings.TrimSpace(name))).
		First(&ingredient).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ingredient, nil
}
