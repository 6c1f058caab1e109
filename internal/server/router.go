package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/atmoworks/prism-backend/internal/handlers"
	"github.com/atmoworks/prism-backend/internal/middleware"
)

type RouterConfig struct {
	HealthHandler      *handlers.HealthHandler
	JobsHandler        *handlers.JobsHandler
	WorkHandler        *handlers.WorkHandler
	ProvidersHandler   *handlers.ProvidersHandler
	IdentityMiddleware *middleware.IdentityMiddleware
	AllowedOrigins     []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Request-User", "X-Request-Groups"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", cfg.HealthHandler.HealthCheck)

	// Service callbacks carry no end-user identity.
	service := router.Group("/service")
	{
		service.GET("/work", cfg.WorkHandler.GetWork)
		service.PUT("/work/:itemID/result", cfg.WorkHandler.PutResult)
		service.GET("/metrics", cfg.WorkHandler.GetMetrics)
	}

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.IdentityMiddleware.RequireUser())
	// Jobs
	protected.GET("/jobs", cfg.JobsHandler.ListMine)
	protected.POST("/jobs", cfg.JobsHandler.Create)
	protected.GET("/jobs/:jobID", cfg.JobsHandler.GetByID)
	protected.GET("/jobs/:jobID/stac", cfg.JobsHandler.StacAvailable)
	protected.POST("/jobs/:jobID/pause", cfg.JobsHandler.Pause)
	protected.POST("/jobs/:jobID/resume", cfg.JobsHandler.Resume)
	protected.POST("/jobs/:jobID/skip-preview", cfg.JobsHandler.SkipPreview)
	protected.POST("/jobs/:jobID/cancel", cfg.JobsHandler.Cancel)
	// Providers
	protected.GET("/providers", cfg.ProvidersHandler.List)
	protected.GET("/providers/:providerID/jobs", cfg.ProvidersHandler.JobIDs)
	// Admin
	protected.GET("/admin/jobs", cfg.JobsHandler.ListAll)

	return router
}
