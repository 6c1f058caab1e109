package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/atmoworks/prism-backend/internal/services"
	"github.com/atmoworks/prism-backend/internal/types"
)

// WorkHandler serves the backend-service facing endpoints: pulling
// the next work item and reporting results.
type WorkHandler struct {
	dispatcher services.Dispatcher
	jobs       services.JobService
}

func NewWorkHandler(dispatcher services.Dispatcher, jobs services.JobService) *WorkHandler {
	return &WorkHandler{dispatcher: dispatcher, jobs: jobs}
}

// GET /service/work?serviceID=...
func (h *WorkHandler) GetWork(c *gin.Context) {
	serviceID := c.Query("serviceID")
	if serviceID == "" {
		RespondError(c, http.StatusBadRequest, "missing_service_id", nil)
		return
	}
	item, err := h.dispatcher.NextWorkItem(c.Request.Context(), serviceID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	if item == nil {
		c.Status(http.StatusNoContent)
		return
	}
	granules, err := h.dispatcher.NumInputGranules(c.Request.Context(), item.JobID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"workItem": item, "numInputGranules": granules})
}

type workResultRequest struct {
	Status  string   `json:"status" binding:"required"`
	Message string   `json:"message"`
	Hrefs   []string `json:"hrefs"`
}

// PUT /service/work/:itemID/result
func (h *WorkHandler) PutResult(c *gin.Context) {
	itemID, err := strconv.ParseUint(c.Param("itemID"), 10, 64)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_work_item_id", err)
		return
	}
	var req workResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var succeeded bool
	switch req.Status {
	case "successful":
		succeeded = true
	case "failed":
		succeeded = false
	default:
		RespondError(c, http.StatusBadRequest, "invalid_status", nil)
		return
	}
	results := make([]types.JobLink, 0, len(req.Hrefs))
	for _, href := range req.Hrefs {
		results = append(results, types.JobLink{Href: href, Rel: "data"})
	}
	if err := h.jobs.CompleteWorkItem(c.Request.Context(), uint(itemID), succeeded, req.Message, results); err != nil {
		RespondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /service/metrics?serviceID=...
func (h *WorkHandler) GetMetrics(c *gin.Context) {
	serviceID := c.Query("serviceID")
	if serviceID == "" {
		RespondError(c, http.StatusBadRequest, "missing_service_id", nil)
		return
	}
	count, err := h.dispatcher.GetQueuedAndRunningCountForService(c.Request.Context(), serviceID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"availableWorkItems": count})
}
