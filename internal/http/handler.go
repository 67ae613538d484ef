package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"phatnguoi-service/internal/config"
	"phatnguoi-service/internal/domain/violation"
	"phatnguoi-service/internal/service"
	"phatnguoi-service/internal/telemetry"
)

type Handler struct {
	lookupService *service.LookupService
	config        *config.Config
	log           zerolog.Logger
}

func NewHandler(
	lookupService *service.LookupService,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		lookupService: lookupService,
		config:        cfg,
		log:           log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware, rateLimitMiddleware gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(telemetry.Handler()))

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/lookup", rateLimitMiddleware, h.lookup)
		public.GET("/jobs", h.listJobs)
		public.GET("/jobs/:id/history", h.jobHistory)
	}

	// Protected endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/jobs", h.createJob)
		protected.PATCH("/jobs/:id", h.updateJob)
		protected.DELETE("/jobs/:id", h.deleteJob)
	}
}

type lookupRequest struct {
	Plate       string `json:"plate" binding:"required"`
	VehicleType string `json:"vehicle_type" binding:"required"`
	CaptchaText string `json:"captcha,omitempty"`
}

func (h *Handler) lookup(c *gin.Context) {
	var req lookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	telemetry.InFlightLookups.Inc()
	defer telemetry.InFlightLookups.Dec()

	result, err := h.lookupService.Lookup(c.Request.Context(), req.Plate, req.VehicleType, req.CaptchaText)
	if err != nil {
		h.handleError(c, err)
		return
	}

	// Upstream failures keep the shared contract shape in the body;
	// only the HTTP status differs.
	if result.Status != violation.StatusOK {
		c.JSON(http.StatusBadGateway, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

type createJobRequest struct {
	ChatID      string `json:"chat_id" binding:"required"`
	DisplayName string `json:"display_name,omitempty"`
	Plate       string `json:"plate" binding:"required"`
	VehicleType string `json:"vehicle_type" binding:"required"`
}

func (h *Handler) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	job, err := h.lookupService.RegisterJob(c.Request.Context(), req.ChatID, req.DisplayName, req.Plate, req.VehicleType)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(job))
}

func (h *Handler) listJobs(c *gin.Context) {
	chatID := strings.TrimSpace(c.Query("chat_id"))
	if chatID == "" {
		c.JSON(http.StatusBadRequest, errorResponse("chat_id parameter is required"))
		return
	}

	jobs, err := h.lookupService.ListJobs(c.Request.Context(), chatID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(jobs))
}

type updateJobRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *Handler) updateJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid job id"))
		return
	}

	var req updateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if err := h.lookupService.SetJobActive(c.Request.Context(), id, *req.Active); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) deleteJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid job id"))
		return
	}

	if err := h.lookupService.DeleteJob(c.Request.Context(), id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) jobHistory(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid job id"))
		return
	}

	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	history, err := h.lookupService.JobHistory(c.Request.Context(), id, limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(history))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
