package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/veriface/callguard/internal/models"
	"github.com/veriface/callguard/pkg/response"
)

// RequireRole returns a middleware that allows only the given account roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		role := c.GetString(ContextUserRole)
		if role == "" {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if _, ok := allowed[role]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireReviewer allows the account roles that review calls.
func RequireReviewer() gin.HandlerFunc {
	return RequireRole(models.AccountRoleAdmin, models.AccountRoleHost)
}
