package api

import (
	"github.com/gin-gonic/gin"
	"github.com/tobias/mealtrace/internal/api/handler"
	"github.com/tobias/mealtrace/internal/api/middleware"
	"github.com/tobias/mealtrace/internal/config"
	"github.com/tobias/mealtrace/internal/events"
	"github.com/tobias/mealtrace/internal/logger"
	"github.com/tobias/mealtrace/internal/repository"
	"github.com/tobias/mealtrace/internal/service"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	coordinator *service.Coordinator,
	runs *repository.RunRepository,
	results *repository.ResultRepository,
	broker *events.Broker,
	cfg *config.ServerConfig,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	diagnosisHandler := handler.NewDiagnosisHandler(coordinator, runs, results, broker)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Diagnosis runs
		v1.POST("/diagnosis/analyze", diagnosisHandler.Analyze)
		v1.GET("/diagnosis/runs/:id", diagnosisHandler.GetRun)
		v1.GET("/diagnosis/runs/:id/stream", diagnosisHandler.Stream)
	}

	return r
}
