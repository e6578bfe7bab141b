package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/dialer"
	"campaign-dialer/internal/reconciler"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/telephony"
	"campaign-dialer/internal/wallet"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// WalletService is the wallet surface the handlers use; *wallet.Service
// satisfies it.
type WalletService interface {
	GetBalance(ctx context.Context, ownerID string) (wallet.Balance, error)
	EnsureWallet(ctx context.Context, ownerID, currency string) (wallet.Wallet, error)
	AdminManualCredit(ctx context.Context, ownerID, adminUserID, adminRole string, req wallet.AdminCreditRequest) (wallet.AdminWalletAction, wallet.WalletLedger, wallet.Balance, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth *auth.Manager
	// DevTokens enables POST /v1/auth/token. Never set in production.
	DevTokens bool

	Store       campaigns.Store
	Control     *dialer.Controller
	Concurrency telephony.ConcurrencyReader
	Enricher    *calls.Enricher
	Reconciler  *reconciler.Reconciler
	Reports     *reporting.Service
	Wallet      WalletService
	Audit       *audit.Service

	// Currency of wallets opened for new campaign owners. Defaults to USD.
	Currency string

	Now func() time.Time
}

func (h Handlers) currency() string {
	if h.Currency == "" {
		return "USD"
	}
	return h.Currency
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken issues a JWT token pair for local development.
//
// NOTE: there is no credential check; the route is only registered when
// DevTokens is set.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil || !h.DevTokens {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Me echoes the caller's identity.
func (h Handlers) Me(c *gin.Context) {
	id, _ := auth.IdentityFrom(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "role": id.Role})
}

// --- errors ---

// writeError maps domain errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	var exhausted *dialer.ExhaustedError
	var review *dialer.ReviewPendingError
	switch {
	case errors.As(err, &exhausted):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":           "insufficient allowance",
			"remediation_url": exhausted.RemediationURL,
		})
	case errors.As(err, &review):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":      "launch review pending",
			"contact_id": review.ContactID,
		})
	case errors.Is(err, campaigns.ErrNotFound), errors.Is(err, wallet.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, campaigns.ErrGuardViolation),
		errors.Is(err, campaigns.ErrAlreadyDialed),
		errors.Is(err, dialer.ErrLoopActive):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, campaigns.ErrNoContacts),
		errors.Is(err, campaigns.ErrInvalidArgument),
		errors.Is(err, wallet.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, telephony.ErrInvalidNumber):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, telephony.ErrUnavailable):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider unavailable"})
	default:
		logger.FromGin(c).Error("request failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func actor(c *gin.Context) audit.Actor {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return audit.Actor{UserID: id.UserID, Role: id.Role, IP: c.ClientIP()}
}
