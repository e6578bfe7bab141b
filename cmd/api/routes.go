package main

import (
	"net/http"

	"campaign-dialer/internal/httpapi"
	"campaign-dialer/internal/rbac"
	"campaign-dialer/internal/wallet"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	handlers httpapi.Handlers
	authMW   gin.HandlerFunc

	// allowance gates start and resume; nil when billing is disabled.
	allowance      wallet.AllowanceChecker
	remediationURL string
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := d.handlers

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if h.DevTokens {
		r.POST("/v1/auth/token", h.IssueToken)
	}

	v1 := r.Group("/v1")
	v1.Use(d.authMW, rbac.RequireIdentity())

	v1.GET("/me", h.Me)

	// WALLET routes (caller's own wallet)
	v1.GET("/wallet", h.WalletBalance)
	v1.GET("/wallet/spend", h.WalletSpend)

	// CAMPAIGN routes
	readers := []string{rbac.RoleOperator, rbac.RoleAnalyst}
	v1.POST("/campaigns", rbac.RequireAnyRole(rbac.RoleOperator), h.CreateCampaign)

	read := v1.Group("/campaigns/:id")
	read.Use(rbac.RequireAnyRole(readers...), h.LoadCampaign(), rbac.RequireOwner(httpapi.CampaignOwner))
	{
		read.GET("", h.GetCampaign)
		read.GET("/contacts", h.ListContacts)
		read.GET("/progress", h.StreamProgress)
		read.GET("/concurrency", h.GetConcurrency)
		read.GET("/call-logs", h.CallLogs)
		read.GET("/summary", h.Summary)
		read.GET("/events", h.Events)
	}

	// Control is operator-only; the campaign owner's allowance is checked
	// before anything that can launch calls.
	ctl := v1.Group("/campaigns/:id")
	ctl.Use(rbac.RequireAnyRole(rbac.RoleOperator), h.LoadCampaign(), rbac.RequireOwner(httpapi.CampaignOwner))
	{
		dial := []gin.HandlerFunc{}
		if d.allowance != nil {
			dial = append(dial, wallet.RequireAllowance(d.allowance, httpapi.CampaignOwner, d.remediationURL))
		}
		ctl.POST("/start", append(dial, h.Start)...)
		ctl.POST("/resume", append(dial, h.Resume)...)
		ctl.POST("/pause", h.Pause)
		ctl.POST("/contacts", h.AddContacts)
		ctl.POST("/contacts/:contact_id/review", h.ResolveReview)
		ctl.POST("/enrich", h.Enrich)
		ctl.DELETE("", h.DeleteCampaign)
	}

	// ADMIN routes
	admin := v1.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleFinance))
	{
		admin.POST("/wallets/credit", h.AdminManualCredit)
	}
}
