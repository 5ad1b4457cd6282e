package escrow

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/pagination"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service          *Service
	defaultThreshold time.Duration
}

// NewHandler creates a new escrow handler. defaultThreshold is used by the
// timeout endpoint when the request does not name one.
func NewHandler(service *Service, defaultThreshold time.Duration) *Handler {
	return &Handler{service: service, defaultThreshold: defaultThreshold}
}

// RegisterRoutes sets up public escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/timeouts", h.ProcessTimeouts)
	r.POST("/escrows/recover", h.RecoverInFlight)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	filter := ListFilter{
		Status:  Status(c.Query("status")),
		Account: c.Query("account"),
		Params:  pagination.FromQuery(c),
	}

	escrows, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
		"offset":  filter.Offset,
		"limit":   filter.Limit,
	})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Release(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// TimeoutRequest optionally overrides the configured threshold.
type TimeoutRequest struct {
	ThresholdSeconds *int64 `json:"thresholdSeconds"`
}

// ProcessTimeouts handles POST /v1/admin/escrows/timeouts
func (h *Handler) ProcessTimeouts(c *gin.Context) {
	var req TimeoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	threshold := int64(h.defaultThreshold / time.Second)
	if req.ThresholdSeconds != nil {
		threshold = *req.ThresholdSeconds
	}

	count, err := h.service.ProcessTimeouts(c.Request.Context(), threshold)
	if err != nil && count == 0 {
		respondError(c, err)
		return
	}

	resp := gin.H{"timedOut": count, "thresholdSeconds": threshold}
	if err != nil {
		// Partial success: the count is accurate, the rest are reported.
		logging.L(c.Request.Context()).Warn("escrow timeouts partially failed", "timed_out", count, "error", err)
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// RecoverInFlight handles POST /v1/admin/escrows/recover
func (h *Handler) RecoverInFlight(c *gin.Context) {
	report, err := h.service.RecoverInFlight(c.Request.Context())
	resp := gin.H{"report": report}
	if err != nil {
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "id must be an unsigned integer",
		})
		return 0, false
	}
	return id, true
}

func respondError(c *gin.Context, err error) {
	status, code := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError || status == http.StatusBadGateway {
		logging.L(c.Request.Context()).Error("escrow request failed",
			slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
