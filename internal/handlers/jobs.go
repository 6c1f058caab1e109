package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atmoworks/prism-backend/internal/middleware"
	"github.com/atmoworks/prism-backend/internal/repos"
	"github.com/atmoworks/prism-backend/internal/services"
	"github.com/atmoworks/prism-backend/internal/types"
)

type JobsHandler struct {
	jobs    services.JobService
	urlRoot string
}

func NewJobsHandler(jobs services.JobService, urlRoot string) *JobsHandler {
	return &JobsHandler{jobs: jobs, urlRoot: urlRoot}
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	return page, perPage
}

func (h *JobsHandler) publicJobs(jobs []*types.Job) []types.PublicJob {
	out := make([]types.PublicJob, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.ToPublic(h.urlRoot))
	}
	return out
}

// GET /jobs
func (h *JobsHandler) ListMine(c *gin.Context) {
	username, _ := middleware.RequestUser(c)
	page, perPage := pageParams(c)
	jobs, meta, err := h.jobs.ListForUser(c.Request.Context(), username, page, perPage)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"jobs": h.publicJobs(jobs), "pagination": meta})
}

// GET /admin/jobs
func (h *JobsHandler) ListAll(c *gin.Context) {
	_, isAdmin := middleware.RequestUser(c)
	if !isAdmin {
		RespondError(c, http.StatusForbidden, "forbidden", nil)
		return
	}
	page, perPage := pageParams(c)
	constraints := &repos.JobConstraints{}
	if statuses := c.Query("status"); statuses != "" {
		constraints.WhereIn = map[string][]string{"status": strings.Split(statuses, ",")}
	}
	if username := c.Query("username"); username != "" {
		constraints.Exact = map[string]interface{}{"username": username}
	}
	jobs, meta, err := h.jobs.List(c.Request.Context(), constraints, page, perPage)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"jobs": h.publicJobs(jobs), "pagination": meta})
}

// GET /jobs/:jobID
func (h *JobsHandler) GetByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("jobID"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	username, isAdmin := middleware.RequestUser(c)
	job, err := h.jobs.GetByJobID(c.Request.Context(), username, isAdmin, jobID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, job.ToPublic(h.urlRoot))
}

type stateChangeFn func(c *gin.Context, jobID uuid.UUID, username string, isAdmin bool) (*types.Job, error)

func (h *JobsHandler) stateChange(c *gin.Context, apply stateChangeFn) {
	jobID, err := uuid.Parse(c.Param("jobID"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	username, isAdmin := middleware.RequestUser(c)
	job, err := apply(c, jobID, username, isAdmin)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, job.ToPublic(h.urlRoot))
}

// POST /jobs/:jobID/pause
func (h *JobsHandler) Pause(c *gin.Context) {
	h.stateChange(c, func(c *gin.Context, jobID uuid.UUID, username string, isAdmin bool) (*types.Job, error) {
		return h.jobs.Pause(c.Request.Context(), username, isAdmin, jobID)
	})
}

// POST /jobs/:jobID/resume
func (h *JobsHandler) Resume(c *gin.Context) {
	h.stateChange(c, func(c *gin.Context, jobID uuid.UUID, username string, isAdmin bool) (*types.Job, error) {
		return h.jobs.Resume(c.Request.Context(), username, isAdmin, jobID)
	})
}

// POST /jobs/:jobID/skip-preview
func (h *JobsHandler) SkipPreview(c *gin.Context) {
	h.stateChange(c, func(c *gin.Context, jobID uuid.UUID, username string, isAdmin bool) (*types.Job, error) {
		return h.jobs.SkipPreview(c.Request.Context(), username, isAdmin, jobID)
	})
}

// POST /jobs/:jobID/cancel
func (h *JobsHandler) Cancel(c *gin.Context) {
	h.stateChange(c, func(c *gin.Context, jobID uuid.UUID, username string, isAdmin bool) (*types.Job, error) {
		return h.jobs.Cancel(c.Request.Context(), username, isAdmin, jobID, "Canceled by user.")
	})
}

// GET /jobs/:jobID/stac
func (h *JobsHandler) StacAvailable(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("jobID"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	username, isAdmin := middleware.RequestUser(c)
	ok, err := h.jobs.HasStacResults(c.Request.Context(), username, isAdmin, jobID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	if !ok {
		RespondError(c, http.StatusNotFound, "no_stac_results", nil)
		return
	}
	RespondOK(c, gin.H{"stac": true})
}

type createJobRequest struct {
	Request          string               `json:"request" binding:"required"`
	NumInputGranules int                  `json:"numInputGranules"`
	CollectionIDs    []string             `json:"collectionIds"`
	Labels           []string             `json:"labels"`
	IsAsync          bool                 `json:"isAsync"`
	IgnoreErrors     bool                 `json:"ignoreErrors"`
	DestinationURL   string               `json:"destinationUrl"`
	ServiceName      string               `json:"serviceName"`
	ProviderID       string               `json:"providerId"`
	WithPreview      bool                 `json:"withPreview"`
	Chain            []createJobChainStep `json:"chain"`
}

type createJobChainStep struct {
	ServiceID      string  `json:"serviceId" binding:"required"`
	ProgressWeight float64 `json:"progressWeight"`
}

// POST /jobs
func (h *JobsHandler) Create(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	username, _ := middleware.RequestUser(c)
	chain := make([]services.ChainStep, 0, len(req.Chain))
	for _, step := range req.Chain {
		chain = append(chain, services.ChainStep{
			ServiceID:      step.ServiceID,
			ProgressWeight: step.ProgressWeight,
		})
	}
	job, err := h.jobs.Create(c.Request.Context(), services.CreateJobInput{
		Username:         username,
		Request:          req.Request,
		NumInputGranules: req.NumInputGranules,
		CollectionIDs:    req.CollectionIDs,
		Labels:           req.Labels,
		IsAsync:          req.IsAsync,
		IgnoreErrors:     req.IgnoreErrors,
		DestinationURL:   req.DestinationURL,
		ServiceName:      req.ServiceName,
		ProviderID:       req.ProviderID,
		Chain:            chain,
		WithPreview:      req.WithPreview,
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job.ToPublic(h.urlRoot))
}
