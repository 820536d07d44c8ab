package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tobias/mealtrace/internal/domain"
	"github.com/tobias/mealtrace/internal/events"
	"github.com/tobias/mealtrace/internal/logger"
)

// ---------------------------------------------------------------------------
// In-memory fakes shared by the executor and coordinator tests.
// ---------------------------------------------------------------------------

type fakeRunStore struct {
	mu     sync.Mutex
	runs   map[string]*domain.DiagnosisRun
	latest *domain.DiagnosisRun
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]*domain.DiagnosisRun)}
}

func (f *fakeRunStore) Create(ctx context.Context, run *domain.DiagnosisRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *run
	f.runs[run.ID] = &clone
	return nil
}

func (f *fakeRunStore) GetByID(ctx context.Context, id string) (*domain.DiagnosisRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, errors.New("run not found")
	}
	clone := *run
	return &clone, nil
}

func (f *fakeRunStore) MarkProcessing(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return errors.New("run not found")
	}
	run.Status = domain.RunStatusProcessing
	now := time.Now()
	run.StartedAt = &now
	return nil
}

func (f *fakeRunStore) IncrementCompleted(ctx context.Context, id string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return 0, 0, errors.New("run not found")
	}
	run.CompletedIngredients++
	return run.CompletedIngredients, run.TotalIngredients, nil
}

func (f *fakeRunStore) MarkIngredientFailed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return errors.New("run not found")
	}
	run.FailedIngredients++
	return nil
}

func (f *fakeRunStore) Finalize(ctx context.Context, id string, status domain.RunStatus, errorMessage string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return false, errors.New("run not found")
	}
	if run.Status.Terminal() {
		return false, nil
	}
	run.Status = status
	run.ErrorMessage = errorMessage
	now := time.Now()
	run.CompletedAt = &now
	return true, nil
}

func (f *fakeRunStore) LatestTerminalRun(ctx context.Context, userID string) (*domain.DiagnosisRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return nil, nil
	}
	clone := *f.latest
	return &clone, nil
}

type fakeOutcomeStore struct {
	mu         sync.Mutex
	results    []domain.DiagnosisResult
	discounted []domain.DiscountedIngredient
	settledIDs []string
}

func (f *fakeOutcomeStore) CreateResult(ctx context.Context, result *domain.DiagnosisResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, *result)
	return nil
}

func (f *fakeOutcomeStore) CreateDiscounted(ctx context.Context, discounted *domain.DiscountedIngredient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discounted = append(f.discounted, *discounted)
	return nil
}

func (f *fakeOutcomeStore) CountResultsByRun(ctx context.Context, runID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, r := range f.results {
		if r.RunID == runID {
			count++
		}
	}
	return count, nil
}

func (f *fakeOutcomeStore) OutcomeIngredientIDs(ctx context.Context, runID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.settledIDs...), nil
}

type fakeCollaborator struct {
	mu            sync.Mutex
	researchCalls int
	classifyCalls int
	adaptCalls    int

	researchFn func(ingredient string) (*ResearchFinding, error)
	classifyFn func(ingredient string) (*Classification, error)
	adaptFn    func(ingredient string) (*Adaptation, error)
}

func (f *fakeCollaborator) Research(ctx context.Context, ingredient string, corr *domain.IngredientCorrelation) (*ResearchFinding, error) {
	f.mu.Lock()
	f.researchCalls++
	f.mu.Unlock()
	if f.researchFn != nil {
		return f.researchFn(ingredient)
	}
	return &ResearchFinding{
		Assessment: "plausible trigger",
		Citations:  []Citation{{URL: "https://example.org/study", Title: "Study", SourceType: "study"}},
	}, nil
}

func (f *fakeCollaborator) Classify(ctx context.Context, ingredient string, finding *ResearchFinding, corr *domain.IngredientCorrelation) (*Classification, error) {
	f.mu.Lock()
	f.classifyCalls++
	f.mu.Unlock()
	if f.classifyFn != nil {
		return f.classifyFn(ingredient)
	}
	return &Classification{IsRootCause: true, Justification: "mechanism matches"}, nil
}

func (f *fakeCollaborator) Adapt(ctx context.Context, ingredient string, finding *ResearchFinding, cls *Classification, corr *domain.IngredientCorrelation) (*Adaptation, error) {
	f.mu.Lock()
	f.adaptCalls++
	f.mu.Unlock()
	if f.adaptFn != nil {
		return f.adaptFn(ingredient)
	}
	return &Adaptation{PlainText: "You may be sensitive to " + ingredient + "."}, nil
}

func (f *fakeCollaborator) calls() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.researchCalls, f.classifyCalls, f.adaptCalls
}

type fakeResolver struct {
	ingredients map[string]*domain.Ingredient
}

func (f *fakeResolver) FindIngredientByName(ctx context.Context, name string) (*domain.Ingredient, error) {
	if f.ingredients == nil {
		return nil, nil
	}
	return f.ingredients[name], nil
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls int
	done  chan string
}

func newFakeFinalizer() *fakeFinalizer {
	return &fakeFinalizer{done: make(chan string, 16)}
}

func (f *fakeFinalizer) FinalizeRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.done <- runID
	return nil
}

func (f *fakeFinalizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitForFinalize(t *testing.T, f *fakeFinalizer) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("run was never finalized")
	}
}

func testCorrelation(id, name string) domain.IngredientCorrelation {
	return domain.IngredientCorrelation{
		IngredientID:       id,
		IngredientName:     name,
		TimesEaten:         6,
		SymptomOccurrences: 6,
		ImmediateCount:     6,
		AvgSeverity:        7,
		AssociatedSymptoms: []domain.SymptomStat{{Name: "hives", Frequency: 6, AvgSeverity: 7, AvgLagHours: 1}},
		ConfidenceScore:    0.82,
		ConfidenceLevel:    domain.ConfidenceHigh,
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestExecutor_FinalizesExactlyOnceUnderContention(t *testing.T) {
	const totalTasks = 64

	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	finalizer := newFakeFinalizer()
	broker := events.NewBroker(logger.NewDefault())

	run := &domain.DiagnosisRun{ID: "run-1", UserID: "user-1", Status: domain.RunStatusProcessing, TotalIngredients: totalTasks}
	require.NoError(t, runs.Create(context.Background(), run))

	exec := NewExecutor(&fakeCollaborator{}, runs, outcomes, &fakeResolver{}, broker, finalizer, fastRetry(), 8, totalTasks)
	exec.Start(context.Background())

	for i := 0; i < totalTasks; i++ {
		exec.Enqueue(Task{
			RunID:       "run-1",
			UserID:      "user-1",
			Correlation: testCorrelation(fmt.Sprintf("ing-%d", i), fmt.Sprintf("ingredient-%d", i)),
		})
	}

	waitForFinalize(t, finalizer)
	exec.Stop()

	assert.Equal(t, 1, finalizer.callCount(), "finalize must run exactly once")

	got, err := runs.GetByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, totalTasks, got.CompletedIngredients)
	assert.Equal(t, 0, got.FailedIngredients)

	count, err := outcomes.CountResultsByRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(totalTasks), count)
}

func TestExecutor_ConfounderProducesDiscountedOutcome(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	finalizer := newFakeFinalizer()
	broker := events.NewBroker(logger.NewDefault())

	run := &domain.DiagnosisRun{ID: "run-1", UserID: "user-1", Status: domain.RunStatusProcessing, TotalIngredients: 1}
	require.NoError(t, runs.Create(context.Background(), run))

	collab := &fakeCollaborator{
		classifyFn: func(string) (*Classification, error) {
			return &Classification{
				IsRootCause:   false,
				Justification: "rice is routinely eaten alongside chili here",
				ConfoundedBy:  "chili",
			}, nil
		},
	}
	resolver := &fakeResolver{ingredients: map[string]*domain.Ingredient{
		"chili": {ID: "ing-chili", NormalizedName: "chili"},
	}}

	ch, cancel := broker.Subscribe("run-1")
	defer cancel()

	exec := NewExecutor(collab, runs, outcomes, resolver, broker, finalizer, fastRetry(), 1, 4)
	exec.Start(context.Background())
	exec.Enqueue(Task{RunID: "run-1", UserID: "user-1", Correlation: testCorrelation("ing-rice", "rice")})

	waitForFinalize(t, finalizer)
	exec.Stop()

	_, _, adaptCalls := collab.calls()
	assert.Equal(t, 0, adaptCalls, "confounders must skip the adaptation stage")
	assert.Empty(t, outcomes.results)
	require.Len(t, outcomes.discounted, 1)
	assert.Equal(t, "ing-rice", outcomes.discounted[0].IngredientID)
	assert.Equal(t, "chili", outcomes.discounted[0].ConfoundedByName)
	assert.Equal(t, "ing-chili", outcomes.discounted[0].ConfoundedByIngredientID)
	assert.Equal(t, domain.ConfidenceHigh, outcomes.discounted[0].OriginalConfidenceLevel)

	sawDiscounted := false
	for len(ch) > 0 {
		evt := <-ch
		if evt.Type == events.TypeDiscounted {
			sawDiscounted = true
			assert.Equal(t, "rice", evt.Payload["ingredient_name"])
		}
	}
	assert.True(t, sawDiscounted, "discounted event must be published")
}

func TestExecutor_ResearchFailureStillCountsTowardCompletion(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	finalizer := newFakeFinalizer()
	broker := events.NewBroker(logger.NewDefault())

	run := &domain.DiagnosisRun{ID: "run-1", UserID: "user-1", Status: domain.RunStatusProcessing, TotalIngredients: 2}
	require.NoError(t, runs.Create(context.Background(), run))

	collab := &fakeCollaborator{
		researchFn: func(ingredient string) (*ResearchFinding, error) {
			if ingredient == "broken" {
				return nil, &SchemaValidationError{Stage: "research", Detail: "assessment must be a non-empty string"}
			}
			return &ResearchFinding{Assessment: "plausible trigger"}, nil
		},
	}

	ch, cancel := broker.Subscribe("run-1")
	defer cancel()

	exec := NewExecutor(collab, runs, outcomes, &fakeResolver{}, broker, finalizer, fastRetry(), 1, 4)
	exec.Start(context.Background())
	exec.Enqueue(Task{RunID: "run-1", UserID: "user-1", Correlation: testCorrelation("ing-1", "broken")})
	exec.Enqueue(Task{RunID: "run-1", UserID: "user-1", Correlation: testCorrelation("ing-2", "peanut")})

	waitForFinalize(t, finalizer)
	exec.Stop()

	got, err := runs.GetByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompletedIngredients, "failed tasks still count toward completion")
	assert.Equal(t, 1, got.FailedIngredients)
	require.Len(t, outcomes.results, 1)
	assert.Equal(t, "peanut", outcomes.results[0].IngredientName)

	sawError := false
	for len(ch) > 0 {
		evt := <-ch
		if evt.Type == events.TypeError {
			sawError = true
			assert.Equal(t, "broken", evt.Payload["ingredient_name"])
		}
	}
	assert.True(t, sawError, "error event must be published for the failed ingredient")
}

func TestExecutor_TransientResearchErrorIsRetried(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	finalizer := newFakeFinalizer()
	broker := events.NewBroker(logger.NewDefault())

	run := &domain.DiagnosisRun{ID: "run-1", UserID: "user-1", Status: domain.RunStatusProcessing, TotalIngredients: 1}
	require.NoError(t, runs.Create(context.Background(), run))

	attempts := 0
	var mu sync.Mutex
	collab := &fakeCollaborator{
		researchFn: func(string) (*ResearchFinding, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return nil, &TransientError{Err: errors.New("rate limited")}
			}
			return &ResearchFinding{Assessment: "plausible trigger"}, nil
		},
	}

	exec := NewExecutor(collab, runs, outcomes, &fakeResolver{}, broker, finalizer, fastRetry(), 1, 4)
	exec.Start(context.Background())
	exec.Enqueue(Task{RunID: "run-1", UserID: "user-1", Correlation: testCorrelation("ing-1", "peanut")})

	waitForFinalize(t, finalizer)
	exec.Stop()

	got, err := runs.GetByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailedIngredients)
	require.Len(t, outcomes.results, 1)
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
}

func TestExecutor_ClassificationFailureErrsTowardRootCause(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	finalizer := newFakeFinalizer()
	broker := events.NewBroker(logger.NewDefault())

	run := &domain.DiagnosisRun{ID: "run-1", UserID: "user-1", Status: domain.RunStatusProcessing, TotalIngredients: 1}
	require.NoError(t, runs.Create(context.Background(), run))

	collab := &fakeCollaborator{
		classifyFn: func(string) (*Classification, error) {
			return nil, &SchemaValidationError{Stage: "classify", Detail: "is_root_cause must be a boolean"}
		},
	}

	exec := NewExecutor(collab, runs, outcomes, &fakeResolver{}, broker, finalizer, fastRetry(), 1, 4)
	exec.Start(context.Background())
	exec.Enqueue(Task{RunID: "run-1", UserID: "user-1", Correlation: testCorrelation("ing-1", "peanut")})

	waitForFinalize(t, finalizer)
	exec.Stop()

	got, err := runs.GetByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailedIngredients, "classification failure is not a task failure")
	require.Len(t, outcomes.results, 1, "the ingredient must surface as a result, not vanish")
	assert.Empty(t, outcomes.discounted)
}

func TestExecutor_ResultCitationsDeduped(t *testing.T) {
	runs := newFakeRunStore()
	outcomes := &fakeOutcomeStore{}
	finalizer := newFakeFinalizer()
	broker := events.NewBroker(logger.NewDefault())

	run := &domain.DiagnosisRun{ID: "run-1", UserID: "user-1", Status: domain.RunStatusProcessing, TotalIngredients: 1}
	require.NoError(t, runs.Create(context.Background(), run))

	collab := &fakeCollaborator{
		researchFn: func(string) (*ResearchFinding, error) {
			return &ResearchFinding{
				Assessment: "plausible trigger",
				Citations: []Citation{
					{URL: "https://example.org/a", Title: "A"},
					{URL: "https://example.org/b", Title: "B"},
				},
			}, nil
		},
		adaptFn: func(ingredient string) (*Adaptation, error) {
			return &Adaptation{
				PlainText: "Explanation for " + ingredient + ".",
				Citations: []Citation{
					{URL: "https://example.org/A", Title: "A duplicate, different case"},
					{URL: "https://example.org/c", Title: "C"},
				},
			}, nil
		},
	}

	exec := NewExecutor(collab, runs, outcomes, &fakeResolver{}, broker, finalizer, fastRetry(), 1, 4)
	exec.Start(context.Background())
	exec.Enqueue(Task{RunID: "run-1", UserID: "user-1", Correlation: testCorrelation("ing-1", "peanut")})

	waitForFinalize(t, finalizer)
	exec.Stop()

	require.Len(t, outcomes.results, 1)
	assert.Len(t, outcomes.results[0].Citations, 3)
}
