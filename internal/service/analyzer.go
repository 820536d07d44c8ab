package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tobias/mealtrace/internal/config"
	"github.com/tobias/mealtrace/internal/domain"
	"github.com/tobias/mealtrace/internal/logger"
)

// Temporal lag windows between eating an ingredient and a symptom onset,
// in hours after the meal. The 2h-4h gap is deliberate: symptoms there are
// counted as co-occurrences but assigned to no window.
const (
	immediateMaxHours  = 2.0
	delayedMinHours    = 4.0
	delayedMaxHours    = 24.0
	cumulativeMaxHours = 168.0
)

// lagWindow identifies which temporal window a meal/symptom lag falls into.
// Ordering matters: lower values win when one symptom follows several meals
// of the same ingredient.
type lagWindow int

const (
	windowImmediate lagWindow = iota
	windowDelayed
	windowCumulative
	windowNone
)

// Dominant-window weights for the temporal specificity component. Symptoms
// that cluster right after a meal are stronger evidence than ones that only
// show up a day later.
var windowWeights = map[lagWindow]float64{
	windowImmediate:  1.0,
	windowDelayed:    0.85,
	windowCumulative: 0.7,
}

// HistoryStore is the slice of historical record access the analyzer needs.
type HistoryStore interface {
	ListPublishedMeals(ctx context.Context, userID string) ([]domain.Meal, error)
	ListTaggedSymptoms(ctx context.Context, userID string) ([]domain.Symptom, error)
}

// AnalysisReport is the full output of one correlation pass over a user's
// history.
type AnalysisReport struct {
	MealsAnalyzed    int
	SymptomsAnalyzed int
	SufficientData   bool
	Reason           string
	Worklist         []domain.IngredientCorrelation
}

// Analyzer computes per-ingredient temporal correlations from historical
// meals and symptoms. It is pure computation over loaded records and holds
// no mutable state, so one instance serves all runs.
type Analyzer struct {
	history HistoryStore
	cfg     *config.DiagnosisConfig
}

// NewAnalyzer creates an Analyzer.
// Parameters:
//   - history: read-only access to meal and symptom records.
//   - cfg: thresholds controlling sufficiency and exclusions.
// Returns:
//   - *Analyzer: analyzer instance.
func NewAnalyzer(history HistoryStore, cfg *config.DiagnosisConfig) *Analyzer {
	return &Analyzer{history: history, cfg: cfg}
}

// ingredientAgg accumulates evidence for one ingredient while scanning the
// user's history.
type ingredientAgg struct {
	id        string
	name      string
	mealTimes []time.Time
}

// symptomAgg accumulates per-symptom-name statistics for one ingredient.
type symptomAgg struct {
	frequency   int
	severitySum float64
	lagSum      float64
}

// ComputeCorrelations loads the user's published meals and tagged symptoms
// and produces the statistical worklist for a diagnosis run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: user whose history to analyze.
// Returns:
//   - *AnalysisReport: counts, sufficiency verdict, and the scored worklist
//     sorted by confidence descending.
//   - error: non-nil only on storage failure.
func (a *Analyzer) ComputeCorrelations(ctx context.Context, userID string) (*AnalysisReport, error) {
	meals, err := a.history.ListPublishedMeals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load meals: %w", err)
	}
	symptoms, err := a.history.ListTaggedSymptoms(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load symptoms: %w", err)
	}

	report := &AnalysisReport{
		MealsAnalyzed:    len(meals),
		SymptomsAnalyzed: len(symptoms),
	}

	if len(meals) < a.cfg.MinMeals {
		report.Reason = fmt.Sprintf("need at least %d published meals, found %d", a.cfg.MinMeals, len(meals))
		return report, nil
	}
	if len(symptoms) < a.cfg.MinSymptomOccurrences {
		report.Reason = fmt.Sprintf("need at least %d tagged symptom entries, found %d", a.cfg.MinSymptomOccurrences, len(symptoms))
		return report, nil
	}
	report.SufficientData = true

	aggregates := collectIngredients(meals)

	for _, agg := range sortedAggregates(aggregates) {
		timesEaten := len(agg.mealTimes)
		// Staples eaten constantly correlate with everything and nothing.
		if timesEaten > a.cfg.MaxIngredientOccurrences {
			logger.With(logger.Fields{logger.FieldIngredient: agg.name}).
				Debug(ctx, "excluding staple ingredient eaten %d times", timesEaten)
			continue
		}

		corr := a.correlate(agg, symptoms)
		if corr == nil {
			continue
		}
		if corr.SymptomOccurrences < a.cfg.MinSymptomOccurrences {
			continue
		}

		corr.ConfidenceScore, corr.ConfidenceLevel = a.ComputeConfidence(corr)
		if corr.ConfidenceLevel == domain.ConfidenceInsufficient {
			continue
		}
		report.Worklist = append(report.Worklist, *corr)
	}

	sort.SliceStable(report.Worklist, func(i, j int) bool {
		if report.Worklist[i].ConfidenceScore != report.Worklist[j].ConfidenceScore {
			return report.Worklist[i].ConfidenceScore > report.Worklist[j].ConfidenceScore
		}
		return report.Worklist[i].IngredientName < report.Worklist[j].IngredientName
	})

	logger.CtxInfo(ctx, "correlation analysis finished: %d meals, %d symptoms, %d candidate ingredients",
		len(meals), len(symptoms), len(report.Worklist))
	return report, nil
}

// correlate builds the windowed correlation between one ingredient and every
// symptom entry. Each symptom entry is matched against all meals containing
// the ingredient; the earliest window across those meals wins, and each
// entry/tag pair is counted exactly once.
func (a *Analyzer) correlate(agg *ingredientAgg, symptoms []domain.Symptom) *domain.IngredientCorrelation {
	corr := &domain.IngredientCorrelation{
		IngredientID:   agg.id,
		IngredientName: agg.name,
		TimesEaten:     len(agg.mealTimes),
	}

	perSymptom := make(map[string]*symptomAgg)

	for _, symptom := range symptoms {
		best := windowNone
		bestLag := 0.0
		matched := false
		for _, mealTime := range agg.mealTimes {
			lag := symptom.StartTime.Sub(mealTime).Hours()
			if lag <= 0 || lag > cumulativeMaxHours {
				continue
			}
			w := classifyWindow(lag)
			if !matched || w < best {
				best = w
				bestLag = lag
			}
			matched = true
		}
		if !matched {
			continue
		}

		for _, tag := range symptom.Tags {
			stats, ok := perSymptom[tag.Name]
			if !ok {
				stats = &symptomAgg{}
				perSymptom[tag.Name] = stats
			}
			stats.frequency++
			stats.severitySum += tag.Severity
			stats.lagSum += bestLag

			switch best {
			case windowImmediate:
				corr.ImmediateCount++
			case windowDelayed:
				corr.DelayedCount++
			case windowCumulative:
				corr.CumulativeCount++
			}
		}
	}

	if len(perSymptom) == 0 {
		return nil
	}

	severityTotal := 0.0
	for name, stats := range perSymptom {
		corr.SymptomOccurrences += stats.frequency
		severityTotal += stats.severitySum
		corr.AssociatedSymptoms = append(corr.AssociatedSymptoms, domain.SymptomStat{
			Name:        name,
			Frequency:   stats.frequency,
			AvgSeverity: stats.severitySum / float64(stats.frequency),
			AvgLagHours: stats.lagSum / float64(stats.frequency),
		})
	}
	corr.AvgSeverity = severityTotal / float64(corr.SymptomOccurrences)

	sort.SliceStable(corr.AssociatedSymptoms, func(i, j int) bool {
		if corr.AssociatedSymptoms[i].Frequency != corr.AssociatedSymptoms[j].Frequency {
			return corr.AssociatedSymptoms[i].Frequency > corr.AssociatedSymptoms[j].Frequency
		}
		return corr.AssociatedSymptoms[i].Name < corr.AssociatedSymptoms[j].Name
	})

	return corr
}

// ComputeConfidence scores one ingredient correlation.
//
// The score combines three components:
//   - statistical confidence (50%): severity-weighted average of per-symptom
//     co-occurrence rates, each capped at 1.0, damped by a square-root small
//     sample penalty;
//   - temporal specificity (30%): share of occurrences in the dominant
//     window, weighted so immediate clustering scores above delayed above
//     cumulative;
//   - severity (20%): average severity scaled to 0-1.
//
// Parameters:
//   - corr: correlation with counts and associated symptoms populated.
// Returns:
//   - float64: confidence score in [0, 1], rounded to three decimals.
//   - domain.ConfidenceLevel: discrete level; insufficient_data when the
//     ingredient has too few exposures or co-occurrences to score at all.
func (a *Analyzer) ComputeConfidence(corr *domain.IngredientCorrelation) (float64, domain.ConfidenceLevel) {
	totalOccurrences := 0
	for _, s := range corr.AssociatedSymptoms {
		totalOccurrences += s.Frequency
	}

	if corr.TimesEaten < a.cfg.MinMeals || totalOccurrences < a.cfg.MinSymptomOccurrences {
		return 0.0, domain.ConfidenceInsufficient
	}

	strength := 0.0
	if len(corr.AssociatedSymptoms) > 0 {
		weightedSum := 0.0
		weightTotal := 0.0
		for _, s := range corr.AssociatedSymptoms {
			rate := math.Min(1.0, float64(s.Frequency)/float64(corr.TimesEaten))
			weight := math.Max(0.1, s.AvgSeverity)
			weightedSum += rate * weight
			weightTotal += weight
		}
		if weightTotal > 0 {
			strength = weightedSum / weightTotal
		}
	}
	dataPenalty := math.Min(1.0, math.Sqrt(float64(corr.TimesEaten)/10))
	statistical := strength * dataPenalty

	temporal := 0.0
	totalWindowed := corr.ImmediateCount + corr.DelayedCount + corr.CumulativeCount
	if totalWindowed > 0 {
		dominant := windowImmediate
		maxCount := corr.ImmediateCount
		if corr.DelayedCount > maxCount {
			dominant, maxCount = windowDelayed, corr.DelayedCount
		}
		if corr.CumulativeCount > maxCount {
			dominant, maxCount = windowCumulative, corr.CumulativeCount
		}
		temporal = float64(maxCount) / float64(totalWindowed) * windowWeights[dominant]
	}

	severity := 0.0
	if len(corr.AssociatedSymptoms) > 0 {
		sum := 0.0
		for _, s := range corr.AssociatedSymptoms {
			sum += s.AvgSeverity
		}
		severity = math.Min(sum/float64(len(corr.AssociatedSymptoms))/10, 1.0)
	}

	score := 0.5*statistical + 0.3*temporal + 0.2*severity
	score = math.Min(1.0, math.Max(0.0, score))
	score = math.Round(score*1000) / 1000

	switch {
	case score >= 0.7:
		return score, domain.ConfidenceHigh
	case score >= 0.4:
		return score, domain.ConfidenceMedium
	default:
		return score, domain.ConfidenceLow
	}
}

// classifyWindow maps a positive lag in hours to its temporal window.
func classifyWindow(lagHours float64) lagWindow {
	switch {
	case lagHours <= immediateMaxHours:
		return windowImmediate
	case lagHours >= delayedMinHours && lagHours <= delayedMaxHours:
		return windowDelayed
	case lagHours > delayedMaxHours && lagHours <= cumulativeMaxHours:
		return windowCumulative
	default:
		return windowNone
	}
}

// collectIngredients builds per-ingredient meal time lists, counting each
// ingredient at most once per meal.
func collectIngredients(meals []domain.Meal) map[string]*ingredientAgg {
	aggregates := make(map[string]*ingredientAgg)
	for _, meal := range meals {
		seen := make(map[string]bool)
		for _, item := range meal.Items {
			if item.IngredientID == "" || seen[item.IngredientID] {
				continue
			}
			seen[item.IngredientID] = true

			agg, ok := aggregates[item.IngredientID]
			if !ok {
				name := item.IngredientID
				if item.Ingredient != nil {
					name = item.Ingredient.NormalizedName
				}
				agg = &ingredientAgg{id: item.IngredientID, name: name}
				aggregates[item.IngredientID] = agg
			}
			agg.mealTimes = append(agg.mealTimes, meal.Timestamp)
		}
	}
	return aggregates
}

// sortedAggregates returns aggregates in a deterministic order so repeated
// runs over the same history produce identical worklists.
func sortedAggregates(aggregates map[string]*ingredientAgg) []*ingredientAgg {
	out := make([]*ingredientAgg, 0, len(aggregates))
	for _, agg := range aggregates {
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
