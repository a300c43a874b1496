// README: Bearer-token authentication; establishes caller uid and role for handlers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dispatch/internal/infra"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"
)

const (
	RoleRequester = "requester"
	RoleDriver    = "driver"
	RoleOperator  = "operator"
)

// Auth rejects requests without a valid bearer token. A token without a role
// claim is treated as a requester.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		id, err := verifier.Verify(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || id == nil || id.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		role := id.Role
		if role == "" {
			role = RoleRequester
		}
		c.Set(ctxCallerUID, id.UID)
		c.Set(ctxCallerRole, role)
		c.Next()
	}
}

// RequireRole must run after Auth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden: role " + role})
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxCallerUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxCallerRole)
}
