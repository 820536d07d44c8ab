package domain

import "time"

// RunStatus represents the lifecycle status of a diagnosis run.
// Values include RunStatusPending, RunStatusProcessing, RunStatusCompleted, and RunStatusFailed.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// DiagnosisRun represents one invocation of the correlation pipeline for a user.
// The completed/failed counters are the only fields with concurrent writers;
// they are only ever mutated through atomic conditional updates.
type DiagnosisRun struct {
	ID                   string     `gorm:"type:text;primaryKey" json:"id"`
	UserID               string     `gorm:"type:text;not null;index:idx_runs_user" json:"user_id"`
	Status               RunStatus  `gorm:"type:text;index:idx_runs_status;default:pending" json:"status"`
	TotalIngredients     int        `gorm:"default:0" json:"total_ingredients"`
	CompletedIngredients int        `gorm:"default:0" json:"completed_ingredients"`
	FailedIngredients    int        `gorm:"default:0" json:"failed_ingredients"`
	MealsAnalyzed        int        `gorm:"default:0" json:"meals_analyzed"`
	SymptomsAnalyzed     int        `gorm:"default:0" json:"symptoms_analyzed"`
	SufficientData       bool       `gorm:"default:true" json:"sufficient_data"`
	ErrorMessage         string     `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TableName returns the database table name for DiagnosisRun.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (DiagnosisRun) TableName() string {
	return "diagnosis_runs"
}
