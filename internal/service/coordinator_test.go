package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tobias/mealtrace/internal/domain"
	"github.com/tobias/mealtrace/internal/events"
	"github.com/tobias/mealtrace/internal/logger"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []Task
}

func (f *fakeQueue) Enqueue(task Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
}

func (f *fakeQueue) enqueued() []Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Task{}, f.tasks...)
}

func historyWithSignal(ingredients ...string) *fakeHistoryStore {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeHistoryStore{}
	for n, ingredient := range ingredients {
		for i := 0; i < 6; i++ {
			at := base.Add(time.Duration(n*1000+i*48) * time.Hour)
			store.meals = append(store.meals, mealWith("m", "ing-"+ingredient, ingredient, at))
			store.symptoms = append(store.symptoms, symptomAt("s", at.Add(time.Hour), "hives", 8))
		}
	}
	return store
}

func TestCoordinator_InsufficientDataCreatesNoRun(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	broker := events.NewBroker(logger.NewDefault())
	analyzer := NewAnalyzer(&fakeHistoryStore{}, diagnosisConfig(5, 3, 20))

	c := NewCoordinator(analyzer, runs, outcomes, broker)
	c.AttachQueue(&fakeQueue{})

	_, err := c.StartRun(context.Background(), "user-1")
	var insufficient *InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 0, insufficient.MealsAnalyzed)
	assert.Empty(t, runs.runs, "no run may be persisted for insufficient data")
}

func TestCoordinator_StartRunEnqueuesWorklist(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	broker := events.NewBroker(logger.NewDefault())
	analyzer := NewAnalyzer(historyWithSignal("peanut", "shrimp"), diagnosisConfig(5, 3, 20))
	queue := &fakeQueue{}

	c := NewCoordinator(analyzer, runs, outcomes, broker)
	c.AttachQueue(queue)

	run, err := c.StartRun(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusProcessing, run.Status)
	assert.Equal(t, 2, run.TotalIngredients)
	assert.True(t, run.SufficientData)

	tasks := queue.enqueued()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, run.ID, task.RunID)
		assert.Equal(t, "user-1", task.UserID)
	}
}

func TestCoordinator_SkipsIngredientsSettledInPreviousRun(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	broker := events.NewBroker(logger.NewDefault())
	history := historyWithSignal("peanut", "shrimp")
	analyzer := NewAnalyzer(history, diagnosisConfig(5, 3, 20))
	queue := &fakeQueue{}

	// The previous terminal run saw the exact same history and already
	// settled peanut.
	runs.latest = &domain.DiagnosisRun{
		ID:               "run-old",
		UserID:           "user-1",
		Status:           domain.RunStatusCompleted,
		MealsAnalyzed:    len(history.meals),
		SymptomsAnalyzed: len(history.symptoms),
	}
	outcomes.settledIDs = []string{"ing-peanut"}

	c := NewCoordinator(analyzer, runs, outcomes, broker)
	c.AttachQueue(queue)

	run, err := c.StartRun(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.TotalIngredients)

	tasks := queue.enqueued()
	require.Len(t, tasks, 1)
	assert.Equal(t, "ing-shrimp", tasks[0].Correlation.IngredientID)
}

func TestCoordinator_NewHistoryInvalidatesPreviousOutcomes(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	broker := events.NewBroker(logger.NewDefault())
	history := historyWithSignal("peanut", "shrimp")
	analyzer := NewAnalyzer(history, diagnosisConfig(5, 3, 20))
	queue := &fakeQueue{}

	// Same outcomes as before, but the meal count has moved on.
	runs.latest = &domain.DiagnosisRun{
		ID:               "run-old",
		UserID:           "user-1",
		Status:           domain.RunStatusCompleted,
		MealsAnalyzed:    len(history.meals) - 1,
		SymptomsAnalyzed: len(history.symptoms),
	}
	outcomes.settledIDs = []string{"ing-peanut", "ing-shrimp"}

	c := NewCoordinator(analyzer, runs, outcomes, broker)
	c.AttachQueue(queue)

	run, err := c.StartRun(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, run.TotalIngredients, "stale outcomes must not be skipped")
}

func TestCoordinator_EmptyWorklistFinalizesImmediately(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	broker := events.NewBroker(logger.NewDefault())
	history := historyWithSignal("peanut")
	analyzer := NewAnalyzer(history, diagnosisConfig(5, 3, 20))

	runs.latest = &domain.DiagnosisRun{
		ID:               "run-old",
		UserID:           "user-1",
		Status:           domain.RunStatusCompleted,
		MealsAnalyzed:    len(history.meals),
		SymptomsAnalyzed: len(history.symptoms),
	}
	outcomes.settledIDs = []string{"ing-peanut"}

	c := NewCoordinator(analyzer, runs, outcomes, broker)
	c.AttachQueue(&fakeQueue{})

	run, err := c.StartRun(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 0, run.TotalIngredients)
}

func TestCoordinator_FinalizeIsIdempotent(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	broker := events.NewBroker(logger.NewDefault())
	analyzer := NewAnalyzer(&fakeHistoryStore{}, diagnosisConfig(5, 3, 20))

	require.NoError(t, runs.Create(context.Background(), &domain.DiagnosisRun{
		ID:                   "run-1",
		UserID:               "user-1",
		Status:               domain.RunStatusProcessing,
		TotalIngredients:     3,
		CompletedIngredients: 3,
	}))

	ch, cancel := broker.Subscribe("run-1")
	defer cancel()

	c := NewCoordinator(analyzer, runs, outcomes, broker)
	require.NoError(t, c.FinalizeRun(context.Background(), "run-1"))
	require.NoError(t, c.FinalizeRun(context.Background(), "run-1"))

	got, err := runs.GetByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)

	completeEvents := 0
	for len(ch) > 0 {
		if evt := <-ch; evt.Type == events.TypeComplete {
			completeEvents++
		}
	}
	assert.Equal(t, 1, completeEvents, "only the finalizing caller publishes complete")
}

func TestCoordinator_FailedIngredientsFailTheRun(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	broker := events.NewBroker(logger.NewDefault())
	analyzer := NewAnalyzer(&fakeHistoryStore{}, diagnosisConfig(5, 3, 20))

	require.NoError(t, runs.Create(context.Background(), &domain.DiagnosisRun{
		ID:                   "run-1",
		UserID:               "user-1",
		Status:               domain.RunStatusProcessing,
		TotalIngredients:     3,
		CompletedIngredients: 3,
		FailedIngredients:    1,
	}))

	c := NewCoordinator(analyzer, runs, outcomes, broker)
	require.NoError(t, c.FinalizeRun(context.Background(), "run-1"))

	got, err := runs.GetByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "1 of 3")
}

func TestCoordinator_ExecutorIntegrationCompletesRun(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	broker := events.NewBroker(logger.NewDefault())
	analyzer := NewAnalyzer(historyWithSignal("peanut", "shrimp"), diagnosisConfig(5, 3, 20))

	c := NewCoordinator(analyzer, runs, outcomes, broker)
	exec := NewExecutor(&fakeCollaborator{}, runs, outcomes, &fakeResolver{}, broker, c, fastRetry(), 4, 16)
	c.AttachQueue(exec)
	exec.Start(context.Background())
	defer exec.Stop()

	run, err := c.StartRun(context.Background(), "user-1")
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := runs.GetByID(context.Background(), run.ID)
		require.NoError(t, err)
		if got.Status.Terminal() {
			assert.Equal(t, domain.RunStatusCompleted, got.Status)
			assert.Equal(t, got.TotalIngredients, got.CompletedIngredients)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reached a terminal state: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	count, err := outcomes.CountResultsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestCoordinator_AnalyzerFailurePropagates(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	broker := events.NewBroker(logger.NewDefault())
	analyzer := NewAnalyzer(&failingHistoryStore{}, diagnosisConfig(5, 3, 20))

	c := NewCoordinator(analyzer, runs, outcomes, broker)
	c.AttachQueue(&fakeQueue{})

	_, err := c.StartRun(context.Background(), "user-1")
	require.Error(t, err)
	var insufficient *InsufficientDataError
	assert.False(t, errors.As(err, &insufficient))
}

type failingHistoryStore struct{}

func (f *failingHistoryStore) ListPublishedMeals(ctx context.Context, userID string) ([]domain.Meal, error) {
	return nil, errors.New("storage unavailable")
}

func (f *failingHistoryStore) ListTaggedSymptoms(ctx context.Context, userID string) ([]domain.Symptom, error) {
	return nil, errors.New("storage unavailable")
}
