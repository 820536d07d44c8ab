package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tobias/mealtrace/internal/domain"
	"github.com/tobias/mealtrace/internal/events"
	"github.com/tobias/mealtrace/internal/logger"
)

// RunStore is the run lifecycle persistence the coordinator and executor
// depend on.
type RunStore interface {
	Create(ctx context.Context, run *domain.DiagnosisRun) error
	GetByID(ctx context.Context, id string) (*domain.DiagnosisRun, error)
	MarkProcessing(ctx context.Context, id string) error
	IncrementCompleted(ctx context.Context, id string) (completed int, total int, err error)
	MarkIngredientFailed(ctx context.Context, id string) error
	Finalize(ctx context.Context, id string, status domain.RunStatus, errorMessage string) (bool, error)
	LatestTerminalRun(ctx context.Context, userID string) (*domain.DiagnosisRun, error)
}

// OutcomeStore persists per-ingredient outcomes.
type OutcomeStore interface {
	CreateResult(ctx context.Context, result *domain.DiagnosisResult) error
	CreateDiscounted(ctx context.Context, discounted *domain.DiscountedIngredient) error
	CountResultsByRun(ctx context.Context, runID string) (int64, error)
	OutcomeIngredientIDs(ctx context.Context, runID string) ([]string, error)
}

// TaskQueue accepts per-ingredient analysis tasks for background processing.
type TaskQueue interface {
	Enqueue(task Task)
}

// Coordinator owns the run lifecycle: it turns an analysis request into a
// persisted run with fanned-out tasks, and finalizes the run when the last
// task reports in.
type Coordinator struct {
	analyzer *Analyzer
	runs     RunStore
	outcomes OutcomeStore
	broker   *events.Broker
	queue    TaskQueue
}

// NewCoordinator creates a Coordinator. The task queue is attached separately
// because the executor needs the coordinator as its finalizer.
// Parameters:
//   - analyzer: correlation analyzer.
//   - runs: run persistence.
//   - outcomes: outcome persistence.
//   - broker: event broker for run progress streams.
// Returns:
//   - *Coordinator: coordinator without a queue attached yet.
func NewCoordinator(analyzer *Analyzer, runs RunStore, outcomes OutcomeStore, broker *events.Broker) *Coordinator {
	return &Coordinator{
		analyzer: analyzer,
		runs:     runs,
		outcomes: outcomes,
		broker:   broker,
	}
}

// AttachQueue wires the task queue in. Must be called before StartRun.
func (c *Coordinator) AttachQueue(queue TaskQueue) {
	c.queue = queue
}

// StartRun analyzes the user's history, creates a diagnosis run, and enqueues
// one task per candidate ingredient. Returns before any task executes.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: user requesting the diagnosis.
// Returns:
//   - *domain.DiagnosisRun: the created run, status processing (or completed
//     when there was nothing to research).
//   - error: *InsufficientDataError when history is too thin, otherwise a
//     storage or analysis failure.
func (c *Coordinator) StartRun(ctx context.Context, userID string) (*domain.DiagnosisRun, error) {
	report, err := c.analyzer.ComputeCorrelations(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !report.SufficientData {
		return nil, &InsufficientDataError{
			Reason:           report.Reason,
			MealsAnalyzed:    report.MealsAnalyzed,
			SymptomsAnalyzed: report.SymptomsAnalyzed,
		}
	}

	worklist, err := c.skipSettledIngredients(ctx, userID, report)
	if err != nil {
		return nil, err
	}

	run := &domain.DiagnosisRun{
		ID:               uuid.New().String(),
		UserID:           userID,
		Status:           domain.RunStatusPending,
		TotalIngredients: len(worklist),
		MealsAnalyzed:    report.MealsAnalyzed,
		SymptomsAnalyzed: report.SymptomsAnalyzed,
		SufficientData:   true,
	}
	if err := c.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	ctx = logger.SetRunID(ctx, run.ID)

	if len(worklist) == 0 {
		// Nothing left to research. Terminal immediately.
		if err := c.FinalizeRun(ctx, run.ID); err != nil {
			return nil, err
		}
		return c.runs.GetByID(ctx, run.ID)
	}

	if err := c.runs.MarkProcessing(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("failed to mark run processing: %w", err)
	}
	run.Status = domain.RunStatusProcessing

	logger.CtxInfo(ctx, "starting diagnosis run for user %s with %d ingredients", userID, len(worklist))
	for _, corr := range worklist {
		c.queue.Enqueue(Task{
			RunID:       run.ID,
			UserID:      userID,
			Correlation: corr,
		})
	}
	return run, nil
}

// skipSettledIngredients drops worklist entries that already have an outcome
// in the user's latest terminal run, provided that run saw the exact same
// history. Any new meal or symptom entry invalidates prior outcomes and
// forces a full re-analysis.
func (c *Coordinator) skipSettledIngredients(ctx context.Context, userID string, report *AnalysisReport) ([]domain.IngredientCorrelation, error) {
	previous, err := c.runs.LatestTerminalRun(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous run: %w", err)
	}
	if previous == nil ||
		previous.MealsAnalyzed != report.MealsAnalyzed ||
		previous.SymptomsAnalyzed != report.SymptomsAnalyzed {
		return report.Worklist, nil
	}

	settledIDs, err := c.outcomes.OutcomeIngredientIDs(ctx, previous.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous outcomes: %w", err)
	}
	settled := make(map[string]bool, len(settledIDs))
	for _, id := range settledIDs {
		settled[id] = true
	}

	var remaining []domain.IngredientCorrelation
	for _, corr := range report.Worklist {
		if settled[corr.IngredientID] {
			logger.With(logger.Fields{logger.FieldIngredient: corr.IngredientName}).
				Debug(ctx, "skipping ingredient settled in run %s", previous.ID)
			continue
		}
		remaining = append(remaining, corr)
	}
	return remaining, nil
}

// FinalizeRun transitions a run to its terminal status. Safe to call more
// than once: only the first caller observes the transition and publishes the
// completion event.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run to finalize.
// Returns:
//   - error: non-nil on storage failure.
func (c *Coordinator) FinalizeRun(ctx context.Context, runID string) error {
	run, err := c.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run for finalize: %w", err)
	}

	status := domain.RunStatusCompleted
	errorMessage := ""
	if run.FailedIngredients > 0 {
		status = domain.RunStatusFailed
		errorMessage = fmt.Sprintf("%d of %d ingredient analyses failed", run.FailedIngredients, run.TotalIngredients)
	}

	finalized, err := c.runs.Finalize(ctx, runID, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if !finalized {
		return nil
	}

	totalResults, err := c.outcomes.CountResultsByRun(ctx, runID)
	if err != nil {
		logger.CtxError(ctx, "failed to count results for completion event: %v", err)
	}

	logger.CtxInfo(ctx, "run finalized with status %s, %d results", status, totalResults)
	c.broker.Publish(events.Event{
		RunID: runID,
		Type:  events.TypeComplete,
		Payload: map[string]interface{}{
			"run_id":        runID,
			"status":        string(status),
			"total_results": totalResults,
			"completed":     run.TotalIngredients,
			"total":         run.TotalIngredients,
		},
	})
	return nil
}
