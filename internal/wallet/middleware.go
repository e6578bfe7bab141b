package wallet

import (
	"context"
	"net/http"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/rbac"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AllowanceChecker is the minimal interface needed by RequireAllowance.
type AllowanceChecker interface {
	Remaining(ctx context.Context, ownerID string) (int64, error)
}

// OwnerFunc resolves the owner whose wallet pays for the request.
type OwnerFunc = rbac.OwnerFunc

// RequireAllowance blocks dialing requests when the owner has no remaining
// call allowance. The 402 body carries the remediation URL verbatim so the
// operator can top up and resume.
//
// super_admin bypasses.
func RequireAllowance(checker AllowanceChecker, owner OwnerFunc, remediationURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsSuperAdmin(role) {
			c.Next()
			return
		}

		ownerID, ok := owner(c)
		if !ok || ownerID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "owner required"})
			return
		}

		remaining, err := checker.Remaining(c.Request.Context(), ownerID)
		if err != nil {
			logger.FromGin(c).Error("allowance lookup failed", "owner_id", ownerID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "allowance lookup failed"})
			return
		}
		if remaining <= 0 {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":           "insufficient allowance",
				"remediation_url": remediationURL,
			})
			return
		}

		c.Next()
	}
}
