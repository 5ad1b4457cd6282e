package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderIdentity names the acting admin.
	HeaderIdentity = "X-Admin-Identity"
	// HeaderSecret carries the shared admin secret when one is configured.
	HeaderSecret = "X-Admin-Secret"
	// ContextKeyAdmin is the key for storing the verified admin identity in gin context
	ContextKeyAdmin = "adminIdentity"
)

// RequireAdmin rejects requests whose X-Admin-Identity is not on the
// allow-list. When secret is non-empty X-Admin-Secret must match it.
func RequireAdmin(g *Gate, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && !SecretMatches(c.GetHeader(HeaderSecret), secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid X-Admin-Secret header required.",
			})
			return
		}

		identity := c.GetHeader(HeaderIdentity)
		if identity == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Admin-Identity header required.",
			})
			return
		}
		if !g.CheckAdmin(c.Request.Context(), identity) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Identity is not an admin.",
			})
			return
		}

		c.Set(ContextKeyAdmin, identity)
		c.Next()
	}
}

// AdminIdentity returns the verified admin identity, or "" outside admin routes.
func AdminIdentity(c *gin.Context) string {
	return c.GetString(ContextKeyAdmin)
}
