package refund

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/pagination"
)

// Handler provides HTTP endpoints for refund requests.
type Handler struct {
	workflow *Workflow
}

func NewHandler(w *Workflow) *Handler {
	return &Handler{workflow: w}
}

// RegisterRoutes sets up public refund routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/refunds", h.CreateRefund)
	r.GET("/refunds", h.ListRefunds)
	r.GET("/refunds/stats", h.GetStats)
	r.GET("/refunds/:id", h.GetRefund)
}

// RegisterAdminRoutes sets up routes on a group behind auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/refunds/:id/approve", h.ApproveRefund)
	r.POST("/refunds/:id/deny", h.DenyRefund)
	r.POST("/refunds/:id/processed", h.MarkProcessed)
	r.POST("/refunds/recover", h.RecoverInFlight)
}

// CreateRefund handles POST /v1/refunds
func (h *Handler) CreateRefund(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.workflow.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": r})
}

// ListRefunds handles GET /v1/refunds
func (h *Handler) ListRefunds(c *gin.Context) {
	filter := ListFilter{
		Status:      Status(c.Query("status")),
		RequestedBy: c.Query("requestedBy"),
		Params:      pagination.FromQuery(c),
	}
	var ok bool
	if filter.From, ok = timeQuery(c, "from"); !ok {
		return
	}
	if filter.To, ok = timeQuery(c, "to"); !ok {
		return
	}

	refunds, err := h.workflow.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refunds": refunds,
		"count":   len(refunds),
		"offset":  filter.Offset,
		"limit":   filter.Limit,
	})
}

// GetStats handles GET /v1/refunds/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.workflow.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetRefund handles GET /v1/refunds/:id
func (h *Handler) GetRefund(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.workflow.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// DecisionRequest carries an optional admin note.
type DecisionRequest struct {
	Note string `json:"note"`
}

// ApproveRefund handles POST /v1/admin/refunds/:id/approve
func (h *Handler) ApproveRefund(c *gin.Context) {
	h.decide(c, h.workflow.Approve)
}

// DenyRefund handles POST /v1/admin/refunds/:id/deny
func (h *Handler) DenyRefund(c *gin.Context) {
	h.decide(c, h.workflow.Deny)
}

func (h *Handler) decide(c *gin.Context, fn func(ctx context.Context, id uint64, admin, note string) (*RefundRequest, error)) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req DecisionRequest
	if !bindOptional(c, &req) {
		return
	}

	r, err := fn(c.Request.Context(), id, auth.AdminIdentity(c), req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// ProcessedRequest reports the outcome of processing. Success defaults to true.
type ProcessedRequest struct {
	Success  *bool  `json:"success"`
	ErrorMsg string `json:"errorMessage"`
}

// MarkProcessed handles POST /v1/admin/refunds/:id/processed
func (h *Handler) MarkProcessed(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ProcessedRequest
	if !bindOptional(c, &req) {
		return
	}
	success := req.Success == nil || *req.Success

	r, err := h.workflow.MarkProcessed(c.Request.Context(), id, success, req.ErrorMsg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// RecoverInFlight handles POST /v1/admin/refunds/recover
func (h *Handler) RecoverInFlight(c *gin.Context) {
	report, err := h.workflow.RecoverInFlight(c.Request.Context())
	resp := gin.H{"report": report}
	if err != nil {
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func timeQuery(c *gin.Context, key string) (*time.Time, bool) {
	v := c.Query(key)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": key + " must be an RFC3339 timestamp",
		})
		return nil, false
	}
	return &t, true
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
		logging.L(c.Request.Context()).Error("refund request failed",
			slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
