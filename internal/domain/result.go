package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// SymptomStatList is a custom type for storing symptom aggregates as JSON in the database.
type SymptomStatList []SymptomStat

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (l SymptomStatList) Value() (driver.Value, error) {
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
func (l *SymptomStatList) Scan(value interface{}) error {
	if value == nil {
		*l = SymptomStatList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan SymptomStatList")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, l)
}

// DiagnosisResult is the accepted, root-cause-confirmed outcome for one
// ingredient within a run. Written exactly once by its owning task and never
// revisited.
type DiagnosisResult struct {
	ID                   string              `gorm:"type:text;primaryKey" json:"id"`
	RunID                string              `gorm:"type:text;not null;index:idx_results_run" json:"run_id"`
	IngredientID         string              `gorm:"type:text;not null;index:idx_results_ingredient" json:"ingredient_id"`
	IngredientName       string              `gorm:"type:text;not null" json:"ingredient_name"`
	ConfidenceScore      float64             `json:"confidence_score"`
	ConfidenceLevel      ConfidenceLevel     `gorm:"type:text" json:"confidence_level"`
	ImmediateCorrelation int                 `gorm:"default:0" json:"immediate_correlation"`
	DelayedCorrelation   int                 `gorm:"default:0" json:"delayed_correlation"`
	CumulativeCorrelation int                `gorm:"default:0" json:"cumulative_correlation"`
	TimesEaten           int                 `gorm:"default:0" json:"times_eaten"`
	TimesFollowedBySymptoms int              `gorm:"default:0" json:"times_followed_by_symptoms"`
	AssociatedSymptoms   SymptomStatList     `gorm:"type:text" json:"associated_symptoms"`
	Explanation          string              `gorm:"type:text" json:"explanation"`
	Citations            []DiagnosisCitation `gorm:"foreignKey:ResultID" json:"citations,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
}

// TableName returns the database table name for DiagnosisResult.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (DiagnosisResult) TableName() string {
	return "diagnosis_results"
}

// DiagnosisCitation is one grounding reference attached to a result.
type DiagnosisCitation struct {
	ID         string    `gorm:"type:text;primaryKey" json:"id"`
	ResultID   string    `gorm:"type:text;not null;index:idx_citations_result" json:"result_id"`
	SourceURL  string    `gorm:"type:text" json:"source_url"`
	SourceTitle string   `gorm:"type:text" json:"source_title"`
	SourceType string    `gorm:"type:text;default:other" json:"source_type"`
	Snippet    string    `gorm:"type:text" json:"snippet"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name for DiagnosisCitation.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (DiagnosisCitation) TableName() string {
	return "diagnosis_citations"
}

// DiscountedIngredient is the rejected outcome for one ingredient within a
// run: the classifier judged the correlation a confounder rather than a true
// trigger. Written exactly once by its owning task.
type DiscountedIngredient struct {
	ID                      string          `gorm:"type:text;primaryKey" json:"id"`
	RunID                   string          `gorm:"type:text;not null;index:idx_discounted_run" json:"run_id"`
	IngredientID            string          `gorm:"type:text;not null" json:"ingredient_id"`
	IngredientName          string          `gorm:"type:text;not null" json:"ingredient_name"`
	Justification           string          `gorm:"type:text" json:"justification"`
	ConfoundedByIngredientID string         `gorm:"type:text" json:"confounded_by_ingredient_id,omitempty"`
	ConfoundedByName        string          `gorm:"type:text" json:"confounded_by_name,omitempty"`
	OriginalConfidenceScore float64         `json:"original_confidence_score"`
	OriginalConfidenceLevel ConfidenceLevel `gorm:"type:text" json:"original_confidence_level"`
	TimesEaten              int             `gorm:"default:0" json:"times_eaten"`
	TimesFollowedBySymptoms int             `gorm:"default:0" json:"times_followed_by_symptoms"`
	ImmediateCorrelation    int             `gorm:"default:0" json:"immediate_correlation"`
	DelayedCorrelation      int             `gorm:"default:0" json:"delayed_correlation"`
	CumulativeCorrelation   int             `gorm:"default:0" json:"cumulative_correlation"`
	AssociatedSymptoms      SymptomStatList `gorm:"type:text" json:"associated_symptoms"`
	CreatedAt               time.Time       `json:"created_at"`
}

// TableName returns the database table name for DiscountedIngredient.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (DiscountedIngredient) TableName() string {
	return "discounted_ingredients"
}
