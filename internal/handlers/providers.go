package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/atmoworks/prism-backend/internal/logger"
	"github.com/atmoworks/prism-backend/internal/middleware"
	"github.com/atmoworks/prism-backend/internal/repos"
	"github.com/atmoworks/prism-backend/internal/services"
)

type ProvidersHandler struct {
	db      *gorm.DB
	log     *logger.Logger
	jobRepo repos.JobRepo
	jobs    services.JobService
}

func NewProvidersHandler(db *gorm.DB, baseLog *logger.Logger, jobRepo repos.JobRepo, jobs services.JobService) *ProvidersHandler {
	return &ProvidersHandler{
		db:      db,
		log:     baseLog.With("handler", "ProvidersHandler"),
		jobRepo: jobRepo,
		jobs:    jobs,
	}
}

// GET /providers
func (h *ProvidersHandler) List(c *gin.Context) {
	ids := services.ProviderIDs(c.Request.Context(), h.db, h.jobRepo, h.log)
	RespondOK(c, gin.H{"providers": ids})
}

// GET /providers/:providerID/jobs
func (h *ProvidersHandler) JobIDs(c *gin.Context) {
	_, isAdmin := middleware.RequestUser(c)
	if !isAdmin {
		RespondError(c, http.StatusForbidden, "forbidden", nil)
		return
	}
	ids, err := h.jobs.ProviderJobIDs(c.Request.Context(), c.Param("providerID"))
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"jobIDs": ids})
}
