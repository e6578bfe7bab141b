package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/wallet"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// WalletBalance returns the caller's dialing-credit balance.
func (h Handlers) WalletBalance(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	bal, err := h.Wallet.GetBalance(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// WalletSpend aggregates the caller's ledger over ?from=&to= (RFC 3339).
// The range defaults to the last 30 days.
func (h Handlers) WalletSpend(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	to := h.now().UTC()
	from := to.Add(-30 * 24 * time.Hour)
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}
	sum, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{
		OwnerID:  uid,
		Range:    reporting.TimeRange{From: from, To: to},
		Currency: c.Query("currency"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

type adminManualCreditRequest struct {
	OwnerID string `json:"owner_id"`

	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

// AdminManualCredit tops up an owner's wallet so halted campaigns can resume.
// RBAC: finance or super_admin.
func (h Handlers) AdminManualCredit(c *gin.Context) {
	ctx := c.Request.Context()
	admin, _ := auth.IdentityFrom(ctx)

	var req adminManualCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OwnerID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "owner_id required"})
		return
	}

	action, _, bal, err := h.Wallet.AdminManualCredit(ctx, req.OwnerID, admin.UserID, admin.Role, wallet.AdminCreditRequest{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		msg := fmt.Sprintf("manual credit %d %s: %s", req.AmountMinor, req.Currency, req.Reason)
		if err := h.Audit.LogAdminAction(ctx, req.OwnerID, actor(c), msg, fmt.Sprintf(`{"admin_action_id":%q}`, action.ID)); err != nil {
			logger.FromGin(c).Warn("audit admin credit failed", "owner_id", req.OwnerID, "error", err)
		}
	}
	c.JSON(http.StatusOK, bal)
}
