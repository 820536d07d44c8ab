package domain

// ConfidenceLevel is the discrete confidence bucket derived from the
// continuous confidence score.
type ConfidenceLevel string

const (
	ConfidenceInsufficient ConfidenceLevel = "insufficient_data"
	ConfidenceLow          ConfidenceLevel = "low"
	ConfidenceMedium       ConfidenceLevel = "medium"
	ConfidenceHigh         ConfidenceLevel = "high"
)

// SymptomStat summarizes one symptom type associated with an ingredient.
type SymptomStat struct {
	Name        string  `json:"name"`
	Frequency   int     `json:"frequency"`
	AvgSeverity float64 `json:"severity_avg"`
	AvgLagHours float64 `json:"lag_hours"`
}

// IngredientCorrelation is the per-ingredient statistical aggregate produced
// by the analyzer. It is transient: computed fresh for each run, handed to
// exactly one executor task, and discarded once the task's outcome is
// persisted as a DiagnosisResult or DiscountedIngredient.
type IngredientCorrelation struct {
	IngredientID       string          `json:"ingredient_id"`
	IngredientName     string          `json:"ingredient_name"`
	TimesEaten         int             `json:"times_eaten"`
	SymptomOccurrences int             `json:"symptom_occurrences"`
	ImmediateCount     int             `json:"immediate_count"`
	DelayedCount       int             `json:"delayed_count"`
	CumulativeCount    int             `json:"cumulative_count"`
	AvgSeverity        float64         `json:"avg_severity"`
	AssociatedSymptoms []SymptomStat   `json:"associated_symptoms"`
	ConfidenceScore    float64         `json:"confidence_score"`
	ConfidenceLevel    ConfidenceLevel `json:"confidence_level"`
}
