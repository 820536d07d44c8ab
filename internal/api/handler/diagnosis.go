package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tobias/mealtrace/internal/domain"
	"github.com/tobias/mealtrace/internal/events"
	"github.com/tobias/mealtrace/internal/logger"
	"github.com/tobias/mealtrace/internal/repository"
	"github.com/tobias/mealtrace/internal/service"
)

// DiagnosisHandler handles diagnosis run endpoints.
type DiagnosisHandler struct {
	coordinator *service.Coordinator
	runs        *repository.RunRepository
	results     *repository.ResultRepository
	broker      *events.Broker
}

// NewDiagnosisHandler creates a new diagnosis handler.
// Parameters:
//   - coordinator: run lifecycle coordinator.
//   - runs: run repository for state reads.
//   - results: result repository for outcome reads.
//   - broker: event broker for progress streams.
// Returns:
//   - *DiagnosisHandler: initialized handler.
func NewDiagnosisHandler(coordinator *service.Coordinator, runs *repository.RunRepository,
	results *repository.ResultRepository, broker *events.Broker) *DiagnosisHandler {
	return &DiagnosisHandler{
		coordinator: coordinator,
		runs:        runs,
		results:     results,
		broker:      broker,
	}
}

// AnalyzeRequest is the request body for starting a diagnosis run.
type AnalyzeRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// Analyze handles POST /api/v1/diagnosis/analyze. Kicks off an asynchronous
// run and returns immediately with 202.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DiagnosisHandler) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	run, err := h.coordinator.StartRun(c.Request.Context(), req.UserID)
	if err != nil {
		var insufficient *service.InsufficientDataError
		if errors.As(err, &insufficient) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":             insufficient.Reason,
				"sufficient_data":   false,
				"meals_analyzed":    insufficient.MealsAnalyzed,
				"symptoms_analyzed": insufficient.SymptomsAnalyzed,
			})
			return
		}
		logger.CtxError(c.Request.Context(), "failed to start diagnosis run: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to start diagnosis run",
		})
		return
	}

	c.JSON(http.StatusAccepted, run)
}

// GetRun handles GET /api/v1/diagnosis/runs/:id. Returns the run state with
// all persisted outcomes, usable both for polling and for resync after a
// dropped stream.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DiagnosisHandler) GetRun(c *gin.Context) {
	runID := c.Param("id")

	run, err := h.runs.GetByID(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Run not found",
		})
		return
	}

	results, err := h.results.ListResultsByRun(c.Request.Context(), runID)
	if err != nil {
		logger.CtxError(c.Request.Context(), "failed to load results: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load run results",
		})
		return
	}
	discounted, err := h.results.ListDiscountedByRun(c.Request.Context(), runID)
	if err != nil {
		logger.CtxError(c.Request.Context(), "failed to load discounted ingredients: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load run results",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":                   run,
		"results":               results,
		"discounted_ingredients": discounted,
	})
}

// Stream handles GET /api/v1/diagnosis/runs/:id/stream. Streams run progress
// as server-sent events until the run reaches a terminal state or the client
// disconnects. Events published before the subscription are not replayed;
// clients that reconnect should resync via GetRun first.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes an SSE stream).
func (h *DiagnosisHandler) Stream(c *gin.Context) {
	runID := c.Param("id")
	ctx := c.Request.Context()

	run, err := h.runs.GetByID(ctx, runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Run not found",
		})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// Terminal runs get a single synthetic completion event. No replay.
	if run.Status.Terminal() {
		h.emitTerminal(c, run)
		return
	}

	ch, cancel := h.broker.Subscribe(runID)
	defer cancel()

	// The run may have gone terminal between the state read and the
	// subscription; without this re-check the client would hang forever.
	run, err = h.runs.GetByID(ctx, runID)
	if err == nil && run.Status.Terminal() {
		h.emitTerminal(c, run)
		return
	}

	// Initial snapshot so the client can render progress immediately.
	c.SSEvent(string(events.TypeProgress), gin.H{
		"completed":       run.CompletedIngredients,
		"total":           run.TotalIngredients,
		"ingredient_name": "",
	})
	c.Writer.Flush()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(string(evt.Type), evt.Payload)
			c.Writer.Flush()
			if evt.Type.Terminal() {
				return
			}
		case <-ctx.Done():
			logger.CtxDebug(ctx, "stream client disconnected from run %s", runID)
			return
		}
	}
}

// emitTerminal writes the single completion event for an already-terminal run.
func (h *DiagnosisHandler) emitTerminal(c *gin.Context, run *domain.DiagnosisRun) {
	totalResults, err := h.results.CountResultsByRun(c.Request.Context(), run.ID)
	if err != nil {
		logger.CtxError(c.Request.Context(), "failed to count results: %v", err)
	}
	c.SSEvent(string(events.TypeComplete), gin.H{
		"run_id":        run.ID,
		"status":        string(run.Status),
		"total_results": totalResults,
		"completed":     run.CompletedIngredients,
		"total":         run.TotalIngredients,
	})
	c.Writer.Flush()
}
