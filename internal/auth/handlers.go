package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/errs"
)

// Handler provides HTTP endpoints for admin identity management
type Handler struct {
	gate *Gate
}

func NewHandler(g *Gate) *Handler {
	return &Handler{gate: g}
}

// RegisterAdminRoutes sets up routes on a group already behind RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/identities", h.ListAdmins)
	r.POST("/identities", h.GrantAdmin)
	r.DELETE("/identities/:identity", h.RevokeAdmin)
}

// ListAdmins handles GET /v1/admin/identities
func (h *Handler) ListAdmins(c *gin.Context) {
	admins, err := h.gate.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admins": admins, "count": len(admins)})
}

// GrantRequest names the identity to add.
type GrantRequest struct {
	Identity string `json:"identity" binding:"required"`
}

// GrantAdmin handles POST /v1/admin/identities
func (h *Handler) GrantAdmin(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "identity is required",
		})
		return
	}

	admin, err := h.gate.Grant(c.Request.Context(), req.Identity, AdminIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"admin": admin})
}

// RevokeAdmin handles DELETE /v1/admin/identities/:identity
func (h *Handler) RevokeAdmin(c *gin.Context) {
	if err := h.gate.Revoke(c.Request.Context(), c.Param("identity"), AdminIdentity(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func respondError(c *gin.Context, err error) {
	status, code := errs.HTTPStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
