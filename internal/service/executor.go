package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tobias/mealtrace/internal/domain"
	"github.com/tobias/mealtrace/internal/events"
	"github.com/tobias/mealtrace/internal/logger"
)

// Task is one unit of background work: the full three-stage analysis of a
// single ingredient within a run.
type Task struct {
	RunID       string
	UserID      string
	Correlation domain.IngredientCorrelation
}

// Finalizer closes out a run once its last task completes.
type Finalizer interface {
	FinalizeRun(ctx context.Context, runID string) error
}

// IngredientResolver maps collaborator-reported ingredient names back to
// canonical ingredient rows.
type IngredientResolver interface {
	FindIngredientByName(ctx context.Context, name string) (*domain.Ingredient, error)
}

// Executor runs diagnosis tasks on a fixed pool of workers. Each task walks
// the research, classification, and adaptation stages, persists exactly one
// outcome, and bumps the run's completion counter. The worker observing the
// counter reach the total triggers finalization.
type Executor struct {
	collab    Collaborator
	runs      RunStore
	outcomes  OutcomeStore
	resolver  IngredientResolver
	broker    *events.Broker
	finalizer Finalizer
	retry     RetryPolicy

	tasks   chan Task
	workers int
	wg      sync.WaitGroup
	started sync.Once
	stopped sync.Once
}

// NewExecutor creates an Executor.
// Parameters:
//   - collab: research collaborator.
//   - runs: run persistence.
//   - outcomes: outcome persistence.
//   - resolver: ingredient name resolution for confounders.
//   - broker: event broker for progress publication.
//   - finalizer: run finalization hook, normally the coordinator.
//   - retry: retry policy for collaborator calls.
//   - workers: worker goroutine count, minimum 1.
//   - queueSize: task channel buffer size.
// Returns:
//   - *Executor: executor; call Start before enqueueing.
func NewExecutor(collab Collaborator, runs RunStore, outcomes OutcomeStore, resolver IngredientResolver,
	broker *events.Broker, finalizer Finalizer, retry RetryPolicy, workers, queueSize int) *Executor {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Executor{
		collab:    collab,
		runs:      runs,
		outcomes:  outcomes,
		resolver:  resolver,
		broker:    broker,
		finalizer: finalizer,
		retry:     retry,
		tasks:     make(chan Task, queueSize),
		workers:   workers,
	}
}

// Start launches the worker pool. Workers keep draining the queue until Stop
// closes it; ctx carries base logging fields and cancellation for in-flight
// collaborator calls.
func (e *Executor) Start(ctx context.Context) {
	e.started.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go func(worker int) {
				defer e.wg.Done()
				for task := range e.tasks {
					e.process(ctx, task)
				}
				logger.CtxDebug(ctx, "worker %d exiting", worker)
			}(i)
		}
	})
}

// Stop closes the queue and waits for in-flight tasks to drain.
func (e *Executor) Stop() {
	e.stopped.Do(func() {
		close(e.tasks)
	})
	e.wg.Wait()
}

// Enqueue submits a task. A full queue hands off to a goroutine so the
// caller, typically a request handler, never blocks on worker backpressure.
func (e *Executor) Enqueue(task Task) {
	select {
	case e.tasks <- task:
	default:
		go func() { e.tasks <- task }()
	}
}

// process walks one ingredient through the pipeline. Every exit path calls
// completeTask exactly once so the run counter always converges on the total.
func (e *Executor) process(ctx context.Context, task Task) {
	ctx = logger.SetRunID(ctx, task.RunID)
	ctx = logger.SetIngredient(ctx, task.Correlation.IngredientName)
	corr := &task.Correlation

	var finding *ResearchFinding
	err := e.retry.Do(ctx, func() error {
		var rerr error
		finding, rerr = e.collab.Research(ctx, corr.IngredientName, corr)
		return rerr
	})
	if err != nil {
		e.failTask(ctx, task, fmt.Errorf("research stage: %w", err))
		return
	}

	var cls *Classification
	err = e.retry.Do(ctx, func() error {
		var cerr error
		cls, cerr = e.collab.Classify(ctx, corr.IngredientName, finding, corr)
		return cerr
	})
	if err != nil {
		// A broken classifier must not hide a statistically correlated
		// ingredient, so the verdict errs toward root cause.
		logger.CtxWarn(ctx, "classification failed, treating as root cause: %v", err)
		cls = &Classification{
			IsRootCause:   true,
			Justification: "Classification was unavailable; the statistical correlation stands on its own.",
		}
	}

	if !cls.IsRootCause {
		e.discount(ctx, task, cls)
		return
	}

	var adaptation *Adaptation
	err = e.retry.Do(ctx, func() error {
		var aerr error
		adaptation, aerr = e.collab.Adapt(ctx, corr.IngredientName, finding, cls, corr)
		return aerr
	})
	if err != nil {
		e.failTask(ctx, task, fmt.Errorf("adaptation stage: %w", err))
		return
	}

	result := buildResult(task, finding, adaptation)
	if err := e.outcomes.CreateResult(ctx, result); err != nil {
		e.failTask(ctx, task, fmt.Errorf("failed to persist result: %w", err))
		return
	}

	e.broker.Publish(events.Event{
		RunID: task.RunID,
		Type:  events.TypeResult,
		Payload: map[string]interface{}{
			"ingredient_id":    corr.IngredientID,
			"ingredient_name":  corr.IngredientName,
			"confidence_score": corr.ConfidenceScore,
			"confidence_level": string(corr.ConfidenceLevel),
			"explanation":      result.Explanation,
			"citation_count":   len(result.Citations),
		},
	})
	e.completeTask(ctx, task)
}

// discount persists a confounder verdict and publishes the discounted event.
func (e *Executor) discount(ctx context.Context, task Task, cls *Classification) {
	corr := &task.Correlation
	discounted := &domain.DiscountedIngredient{
		ID:                      uuid.New().String(),
		RunID:                   task.RunID,
		IngredientID:            corr.IngredientID,
		IngredientName:          corr.IngredientName,
		Justification:           cls.Justification,
		ConfoundedByName:        cls.ConfoundedBy,
		OriginalConfidenceScore: corr.ConfidenceScore,
		OriginalConfidenceLevel: corr.ConfidenceLevel,
		TimesEaten:              corr.TimesEaten,
		TimesFollowedBySymptoms: corr.SymptomOccurrences,
		ImmediateCorrelation:    corr.ImmediateCount,
		DelayedCorrelation:      corr.DelayedCount,
		CumulativeCorrelation:   corr.CumulativeCount,
		AssociatedSymptoms:      corr.AssociatedSymptoms,
	}

	if cls.ConfoundedBy != "" {
		// Name resolution is best effort; an unknown confounder name still
		// produces a valid discounted record.
		ingredient, err := e.resolver.FindIngredientByName(ctx, cls.ConfoundedBy)
		if err != nil {
			logger.CtxWarn(ctx, "failed to resolve confounder %q: %v", cls.ConfoundedBy, err)
		} else if ingredient != nil {
			discounted.ConfoundedByIngredientID = ingredient.ID
		}
	}

	if err := e.outcomes.CreateDiscounted(ctx, discounted); err != nil {
		e.failTask(ctx, task, fmt.Errorf("failed to persist discounted ingredient: %w", err))
		return
	}

	e.broker.Publish(events.Event{
		RunID: task.RunID,
		Type:  events.TypeDiscounted,
		Payload: map[string]interface{}{
			"ingredient_id":   corr.IngredientID,
			"ingredient_name": corr.IngredientName,
			"justification":   cls.Justification,
			"confounded_by":   cls.ConfoundedBy,
		},
	})
	e.completeTask(ctx, task)
}

// failTask records a permanent per-ingredient failure. The task still counts
// toward run completion; the run's terminal status becomes failed.
func (e *Executor) failTask(ctx context.Context, task Task, cause error) {
	perr := &PermanentTaskError{Ingredient: task.Correlation.IngredientName, Err: cause}
	logger.CtxError(ctx, "%v", perr)

	if err := e.runs.MarkIngredientFailed(ctx, task.RunID); err != nil {
		logger.CtxError(ctx, "failed to record ingredient failure: %v", err)
	}

	e.broker.Publish(events.Event{
		RunID: task.RunID,
		Type:  events.TypeError,
		Payload: map[string]interface{}{
			"ingredient_id":   task.Correlation.IngredientID,
			"ingredient_name": task.Correlation.IngredientName,
			"message":         cause.Error(),
		},
	})
	e.completeTask(ctx, task)
}

// completeTask bumps the run's completion counter and publishes progress.
// The atomic increment returns the post-increment count, so exactly one
// worker observes completed == total and finalizes the run.
func (e *Executor) completeTask(ctx context.Context, task Task) {
	completed, total, err := e.runs.IncrementCompleted(ctx, task.RunID)
	if err != nil {
		logger.CtxError(ctx, "failed to increment completion counter: %v", err)
		return
	}

	e.broker.Publish(events.Event{
		RunID: task.RunID,
		Type:  events.TypeProgress,
		Payload: map[string]interface{}{
			"completed":       completed,
			"total":           total,
			"ingredient_name": task.Correlation.IngredientName,
		},
	})

	if completed >= total {
		if err := e.finalizer.FinalizeRun(ctx, task.RunID); err != nil {
			logger.CtxError(ctx, "failed to finalize run: %v", err)
		}
	}
}

// buildResult assembles the persisted result row from the stage outputs.
// Citations from the research and adaptation stages are merged and deduped
// by URL.
func buildResult(task Task, finding *ResearchFinding, adaptation *Adaptation) *domain.DiagnosisResult {
	corr := &task.Correlation
	result := &domain.DiagnosisResult{
		ID:                      uuid.New().String(),
		RunID:                   task.RunID,
		IngredientID:            corr.IngredientID,
		IngredientName:          corr.IngredientName,
		ConfidenceScore:         corr.ConfidenceScore,
		ConfidenceLevel:         corr.ConfidenceLevel,
		ImmediateCorrelation:    corr.ImmediateCount,
		DelayedCorrelation:      corr.DelayedCount,
		CumulativeCorrelation:   corr.CumulativeCount,
		TimesEaten:              corr.TimesEaten,
		TimesFollowedBySymptoms: corr.SymptomOccurrences,
		AssociatedSymptoms:      corr.AssociatedSymptoms,
		Explanation:             adaptation.PlainText,
	}

	seen := make(map[string]bool)
	for _, citation := range append(append([]Citation{}, finding.Citations...), adaptation.Citations...) {
		key := strings.ToLower(strings.TrimSpace(citation.URL))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		sourceType := citation.SourceType
		if sourceType == "" {
			sourceType = "other"
		}
		result.Citations = append(result.Citations, domain.DiagnosisCitation{
			ID:          uuid.New().String(),
			ResultID:    result.ID,
			SourceURL:   citation.URL,
			SourceTitle: citation.Title,
			SourceType:  sourceType,
			Snippet:     citation.Snippet,
		})
	}
	return result
}
