package rbac

import (
	"net/http"

	"campaign-dialer/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireIdentity enforces that a verified user id is present in context.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := auth.IdentityFrom(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// super_admin bypasses all checks.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(role) {
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

// OwnerFunc resolves the owner of the resource a request targets. It runs
// after the middleware that loaded the resource.
type OwnerFunc func(c *gin.Context) (string, bool)

// RequireOwner restricts a resource to its owner and super_admin. Other
// callers get 404 so resource ids cannot be discovered across owners.
func RequireOwner(owner OwnerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := owner(c)
		id, err := auth.IdentityFrom(c.Request.Context())
		if !ok || err != nil || !CanAccessOwner(id.UserID, id.Role, ownerID) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.Next()
	}
}
