package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/studyforge/coursegen-backend/internal/http/handlers"
	"github.com/studyforge/coursegen-backend/internal/http/middleware"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log             *logger.Logger
	ServiceName     string
	AllowedOrigins  []string
	JobHandler      *handlers.JobHandler
	HealthHandler   *handlers.HealthHandler
	RealtimeHandler *handlers.RealtimeHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.RequestLogger(cfg.Log))

	// Public
	router.GET("/healthcheck", cfg.HealthHandler.Healthcheck)

	// Identity-scoped
	api := router.Group("/api")
	api.Use(middleware.RequireUser())
	{
		api.POST("/jobs", cfg.JobHandler.CreateJob)
		api.GET("/jobs", cfg.JobHandler.ListActiveJobs)
		api.GET("/jobs/:id", cfg.JobHandler.GetJob)
		api.POST("/jobs/:id/actions", cfg.JobHandler.PostAction)
		api.GET("/jobs/:id/health", cfg.JobHandler.GetHealth)
		api.GET("/jobs/:id/report", cfg.JobHandler.GetReport)

		api.GET("/realtime/stream", cfg.RealtimeHandler.Stream)
	}

	return router
}
