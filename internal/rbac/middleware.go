package rbac

import (
	"net/http"

	"call-screening/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireOwner enforces owner scoping: owner_id must exist in context.
// Every call record read or written through the API is filtered by it.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		oid, err := auth.OwnerID(c.Request.Context())
		if err != nil || oid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "owner_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// Rules:
// - admin bypasses all checks
// - support is a hidden role, and will be denied unless explicitly allowed
// - owner scoping is enforced via RequireOwner (use it in the chain)
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}

		if IsAdmin(role) {
			c.Next()
			return
		}

		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
