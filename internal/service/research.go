package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tobias/mealtrace/internal/config"
	"github.com/tobias/mealtrace/internal/domain"
	"github.com/tobias/mealtrace/internal/logger"
	"github.com/tobias/mealtrace/internal/prompts"
)

// Citation is a source reference returned by the research collaborator.
type Citation struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	SourceType string `json:"source_type"`
	Snippet    string `json:"snippet"`
}

// ResearchFinding is the stage-one output: a literature assessment of the
// ingredient's plausibility as a symptom trigger.
type ResearchFinding struct {
	Assessment string     `json:"assessment"`
	Citations  []Citation `json:"citations"`
}

// Classification is the stage-two output: whether the statistical signal
// points at the ingredient itself or at a co-occurring confounder.
type Classification struct {
	IsRootCause   bool   `json:"is_root_cause"`
	Justification string `json:"justification"`
	ConfoundedBy  string `json:"confounded_by,omitempty"`
}

// Adaptation is the stage-three output: a plain-language explanation of the
// finding written for the user.
type Adaptation struct {
	PlainText string     `json:"plain_text"`
	Citations []Citation `json:"citations"`
}

// Collaborator performs the three research stages for one ingredient.
// Implementations are expected to be safe for concurrent use.
type Collaborator interface {
	Research(ctx context.Context, ingredient string, corr *domain.IngredientCorrelation) (*ResearchFinding, error)
	Classify(ctx context.Context, ingredient string, finding *ResearchFinding, corr *domain.IngredientCorrelation) (*Classification, error)
	Adapt(ctx context.Context, ingredient string, finding *ResearchFinding, cls *Classification, corr *domain.IngredientCorrelation) (*Adaptation, error)
}

// ResearchService talks to an OpenAI-compatible chat completions endpoint.
type ResearchService struct {
	client *resty.Client
	config *config.ResearchConfig
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewResearchService creates a ResearchService from configuration.
// Parameters:
//   - cfg: research provider configuration (endpoint, model, key, timeout).
// Returns:
//   - *ResearchService: service instance with a configured HTTP client.
func NewResearchService(cfg *config.ResearchConfig) *ResearchService {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &ResearchService{
		client: client,
		config: cfg,
	}
}

// Research runs the literature assessment stage for one ingredient.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ingredient: display name of the ingredient under analysis.
//   - corr: statistical correlation evidence for the ingredient.
// Returns:
//   - *ResearchFinding: validated assessment with citations.
//   - error: TransientError for retryable failures, SchemaValidationError if
//     the response shape is wrong after one corrective attempt.
func (s *ResearchService) Research(ctx context.Context, ingredient string, corr *domain.IngredientCorrelation) (*ResearchFinding, error) {
	payload, err := correlationPayload(ingredient, corr)
	if err != nil {
		return nil, err
	}

	var finding ResearchFinding
	validate := func() error {
		if strings.TrimSpace(finding.Assessment) == "" {
			return &SchemaValidationError{Stage: "research", Detail: "assessment must be a non-empty string"}
		}
		return nil
	}
	if err := s.completeJSON(ctx, prompts.ResearchSystem, payload, &finding, validate); err != nil {
		return nil, err
	}
	finding.Citations = dropEmptyCitations(finding.Citations)
	return &finding, nil
}

// Classify runs the root-cause vs confounder stage.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ingredient: display name of the ingredient under analysis.
//   - finding: stage-one research output.
//   - corr: statistical correlation evidence for the ingredient.
// Returns:
//   - *Classification: validated verdict.
//   - error: same taxonomy as Research.
func (s *ResearchService) Classify(ctx context.Context, ingredient string, finding *ResearchFinding, corr *domain.IngredientCorrelation) (*Classification, error) {
	payload, err := classifyPayload(ingredient, finding, corr)
	if err != nil {
		return nil, err
	}

	// is_root_cause must be present, not merely defaulted, so the wire struct
	// uses a pointer before conversion.
	var wire struct {
		IsRootCause   *bool  `json:"is_root_cause"`
		Justification string `json:"justification"`
		ConfoundedBy  string `json:"confounded_by"`
	}
	validate := func() error {
		if wire.IsRootCause == nil {
			return &SchemaValidationError{Stage: "classify", Detail: "is_root_cause must be a boolean"}
		}
		if strings.TrimSpace(wire.Justification) == "" {
			return &SchemaValidationError{Stage: "classify", Detail: "justification must be a non-empty string"}
		}
		if !*wire.IsRootCause && strings.TrimSpace(wire.ConfoundedBy) == "" {
			return &SchemaValidationError{Stage: "classify", Detail: "confounded_by is required when is_root_cause is false"}
		}
		return nil
	}
	if err := s.completeJSON(ctx, prompts.ClassifySystem, payload, &wire, validate); err != nil {
		return nil, err
	}
	return &Classification{
		IsRootCause:   *wire.IsRootCause,
		Justification: strings.TrimSpace(wire.Justification),
		ConfoundedBy:  strings.TrimSpace(wire.ConfoundedBy),
	}, nil
}

// Adapt runs the plain-language explanation stage.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ingredient: display name of the ingredient under analysis.
//   - finding: stage-one research output.
//   - cls: stage-two classification.
//   - corr: statistical correlation evidence for the ingredient.
// Returns:
//   - *Adaptation: validated user-facing explanation.
//   - error: same taxonomy as Research.
func (s *ResearchService) Adapt(ctx context.Context, ingredient string, finding *ResearchFinding, cls *Classification, corr *domain.IngredientCorrelation) (*Adaptation, error) {
	payload, err := adaptPayload(ingredient, finding, cls, corr)
	if err != nil {
		return nil, err
	}

	var adaptation Adaptation
	validate := func() error {
		if strings.TrimSpace(adaptation.PlainText) == "" {
			return &SchemaValidationError{Stage: "adapt", Detail: "plain_text must be a non-empty string"}
		}
		return nil
	}
	if err := s.completeJSON(ctx, prompts.AdaptSystem, payload, &adaptation, validate); err != nil {
		return nil, err
	}
	adaptation.Citations = dropEmptyCitations(adaptation.Citations)
	return &adaptation, nil
}

// completeJSON sends a chat completion request and unmarshals the response
// content into out. On a validation failure the request is retried once with
// the validation detail appended so the model can correct itself.
func (s *ResearchService) completeJSON(ctx context.Context, system, user string, out interface{}, validate func() error) error {
	content, err := s.complete(ctx, system, user)
	if err != nil {
		return err
	}

	verr := decodeAndValidate(content, out, validate)
	if verr == nil {
		return nil
	}

	logger.With(logger.Fields{logger.FieldComponent: "research"}).
		Warn(ctx, "collaborator response failed validation, retrying with feedback: %v", verr)

	corrected := fmt.Sprintf("%s\n\nYour previous response was rejected: %s\nRespond again with valid JSON only.", user, verr.Error())
	content, err = s.complete(ctx, system, corrected)
	if err != nil {
		return err
	}
	return decodeAndValidate(content, out, validate)
}

func decodeAndValidate(content string, out interface{}, validate func() error) error {
	cleaned := stripCodeFence(content)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return &SchemaValidationError{Stage: "decode", Detail: fmt.Sprintf("response is not valid JSON: %v", err)}
	}
	return validate()
}

// complete performs one chat completion round trip. Rate limits and server
// errors come back as TransientError so the retry policy can back off.
func (s *ResearchService) complete(ctx context.Context, system, user string) (string, error) {
	start := time.Now()
	reqBody := chatRequest{
		Model: s.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}

	var result chatResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(reqBody).
		SetResult(&result).
		Post(s.config.BaseURL + "/chat/completions")
	if err != nil {
		return "", &TransientError{Err: err}
	}

	logger.With(logger.Fields{logger.FieldComponent: "research"}).
		WithDuration(time.Since(start).Milliseconds()).
		Debug(ctx, "chat completion finished with status %d", resp.StatusCode())

	if resp.StatusCode() == 429 || resp.StatusCode() >= 500 {
		return "", &TransientError{Err: fmt.Errorf("provider returned status %d: %s", resp.StatusCode(), resp.String())}
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("provider returned status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Error != nil {
		return "", fmt.Errorf("provider error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", &TransientError{Err: fmt.Errorf("provider returned no choices")}
	}
	return result.Choices[0].Message.Content, nil
}

// stripCodeFence removes a surrounding markdown code fence if the model
// wrapped its JSON in one.
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func dropEmptyCitations(citations []Citation) []Citation {
	kept := citations[:0]
	for _, c := range citations {
		if strings.TrimSpace(c.URL) == "" {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// evidenceJSON serializes the statistical evidence shared by every stage.
func evidenceJSON(ingredient string, corr *domain.IngredientCorrelation) (string, error) {
	evidence := map[string]interface{}{
		"ingredient":          ingredient,
		"times_eaten":         corr.TimesEaten,
		"symptom_occurrences": corr.SymptomOccurrences,
		"immediate_count":     corr.ImmediateCount,
		"delayed_count":       corr.DelayedCount,
		"cumulative_count":    corr.CumulativeCount,
		"avg_severity":        corr.AvgSeverity,
		"confidence_score":    corr.ConfidenceScore,
		"associated_symptoms": corr.AssociatedSymptoms,
	}
	encoded, err := json.MarshalIndent(evidence, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode evidence payload: %w", err)
	}
	return string(encoded), nil
}

func correlationPayload(ingredient string, corr *domain.IngredientCorrelation) (string, error) {
	evidence, err := evidenceJSON(ingredient, corr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(prompts.ResearchUser, ingredient, evidence), nil
}

func classifyPayload(ingredient string, finding *ResearchFinding, corr *domain.IngredientCorrelation) (string, error) {
	evidence, err := evidenceJSON(ingredient, corr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(prompts.ClassifyUser, ingredient, finding.Assessment, evidence), nil
}

func adaptPayload(ingredient string, finding *ResearchFinding, cls *Classification, corr *domain.IngredientCorrelation) (string, error) {
	evidence, err := evidenceJSON(ingredient, corr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(prompts.AdaptUser, ingredient, finding.Assessment, cls.Justification, evidence), nil
}
