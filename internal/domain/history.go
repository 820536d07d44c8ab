package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// MealStatus represents the publication status of a meal record.
type MealStatus string

const (
	MealStatusDraft     MealStatus = "draft"
	MealStatusPublished MealStatus = "published"
)

// Meal is a logged meal. The pipeline consumes meals read-only; CRUD lives
// in the record service upstream.
type Meal struct {
	ID        string           `gorm:"type:text;primaryKey" json:"id"`
	UserID    string           `gorm:"type:text;not null;index:idx_meals_user" json:"user_id"`
	Name      string           `gorm:"type:text" json:"name"`
	Status    MealStatus       `gorm:"type:text;index:idx_meals_status;default:draft" json:"status"`
	Timestamp time.Time        `gorm:"index:idx_meals_timestamp" json:"timestamp"`
	Items     []MealIngredient `gorm:"foreignKey:MealID" json:"items,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// TableName returns the database table name for Meal.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Meal) TableName() string {
	return "meals"
}

// MealIngredient links a meal to an ingredient.
type MealIngredient struct {
	ID           string      `gorm:"type:text;primaryKey" json:"id"`
	MealID       string      `gorm:"type:text;not null;index:idx_meal_ingredients_meal" json:"meal_id"`
	IngredientID string      `gorm:"type:text;not null;index:idx_meal_ingredients_ingredient" json:"ingredient_id"`
	Ingredient   *Ingredient `gorm:"foreignKey:IngredientID" json:"ingredient,omitempty"`
}

// TableName returns the database table name for MealIngredient.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (MealIngredient) TableName() string {
	return "meal_ingredients"
}

// Ingredient is a canonical ingredient. NormalizedName is the lookup key the
// pipeline uses when resolving names coming back from the research
// collaborator.
type Ingredient struct {
	ID             string    `gorm:"type:text;primaryKey" json:"id"`
	NormalizedName string    `gorm:"type:text;not null;uniqueIndex:idx_ingredients_name" json:"normalized_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for Ingredient.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Ingredient) TableName() string {
	return "ingredients"
}

// SymptomTag is one tagged symptom within a symptom entry.
type SymptomTag struct {
	Name     string  `json:"name"`
	Severity float64 `json:"severity"`
}

// SymptomTagList is a custom type for storing symptom tags as JSON in the database.
type SymptomTagList []SymptomTag

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (l SymptomTagList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (l *SymptomTagList) Scan(value interface{}) error {
	if value == nil {
		*l = SymptomTagList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan SymptomTagList")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, l)
}

// Symptom is a logged symptom entry with tagged symptom names and severities.
type Symptom struct {
	ID        string         `gorm:"type:text;primaryKey" json:"id"`
	UserID    string         `gorm:"type:text;not null;index:idx_symptoms_user" json:"user_id"`
	StartTime time.Time      `gorm:"index:idx_symptoms_start" json:"start_time"`
	Tags      SymptomTagList `gorm:"type:text" json:"tags"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Symptom.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Symptom) TableName() string {
	return "symptoms"
}
