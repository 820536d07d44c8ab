package service

import "fmt"

// InsufficientDataError indicates the user does not yet have enough logged
// data for a diagnosis. Recoverable by the caller; no run is created.
type InsufficientDataError struct {
	Reason           string
	MealsAnalyzed    int
	SymptomsAnalyzed int
}

func (e *InsufficientDataError) Error() string {
	return e.Reason
}

// TransientError wraps a collaborator failure that is worth retrying:
// network errors, rate limits, server-side errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient collaborator error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// SchemaValidationError indicates a collaborator response that parsed but did
// not match the expected shape. The caller retries once with the validation
// detail fed back into the request before escalating.
type SchemaValidationError struct {
	Stage  string
	Detail string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("%s response failed validation: %s", e.Stage, e.Detail)
}

// PermanentTaskError marks one ingredient's task as unrecoverable after all
// retries. The run keeps making progress; its terminal status becomes failed.
type PermanentTaskError struct {
	Ingredient string
	Err        error
}

func (e *PermanentTaskError) Error() string {
	return fmt.Sprintf("permanent failure analyzing %s: %v", e.Ingredient, e.Err)
}

func (e *PermanentTaskError) Unwrap() error {
	return e.Err
}
