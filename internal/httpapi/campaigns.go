package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/rbac"
	"campaign-dialer/internal/reconciler"
	"campaign-dialer/internal/telephony"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

const campaignKey = "campaign"

// LoadCampaign resolves :id and stores the campaign in the gin context.
// Chain rbac.RequireOwner(CampaignOwner) after it.
func (h Handlers) LoadCampaign() gin.HandlerFunc {
	return func(c *gin.Context) {
		camp, err := h.Store.GetCampaign(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Set(campaignKey, camp)
		c.Next()
	}
}

// CampaignOwner resolves the owner of the campaign loaded by LoadCampaign.
// It scopes access (rbac.RequireOwner) and picks the wallet that pays for
// dialing (wallet.RequireAllowance): the owner pays, not the caller.
func CampaignOwner(c *gin.Context) (string, bool) {
	camp, ok := campaignFrom(c)
	return camp.OwnerID, ok
}

func campaignFrom(c *gin.Context) (campaigns.Campaign, bool) {
	v, ok := c.Get(campaignKey)
	if !ok {
		return campaigns.Campaign{}, false
	}
	camp, ok := v.(campaigns.Campaign)
	return camp, ok
}

type contactInput struct {
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
}

type createCampaignRequest struct {
	// OwnerID may only be set by super_admin; defaults to the caller.
	OwnerID        string         `json:"owner_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Credential     string         `json:"credential"`
	OutboundNumber string         `json:"outbound_number"`
	AgentID        string         `json:"agent_id"`
	Contacts       []contactInput `json:"contacts"`
}

// normalizeContacts validates and normalizes numbers. Input order becomes
// dial order.
func normalizeContacts(in []contactInput) ([]campaigns.Contact, error) {
	out := make([]campaigns.Contact, 0, len(in))
	for i, ct := range in {
		num, err := telephony.NormalizeE164(ct.PhoneNumber)
		if err != nil {
			return nil, fmt.Errorf("contacts[%d]: %w", i, err)
		}
		out = append(out, campaigns.Contact{PhoneNumber: num, FirstName: ct.FirstName})
	}
	return out, nil
}

func (h Handlers) CreateCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	id, _ := auth.IdentityFrom(c.Request.Context())
	owner := id.UserID
	if req.OwnerID != "" && req.OwnerID != id.UserID {
		if !rbac.IsSuperAdmin(id.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		owner = req.OwnerID
	}

	from, err := telephony.NormalizeE164(req.OutboundNumber)
	if err != nil {
		writeError(c, fmt.Errorf("outbound_number: %w", err))
		return
	}
	contacts, err := normalizeContacts(req.Contacts)
	if err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	camp, err := h.Store.CreateCampaign(ctx, campaigns.Campaign{
		OwnerID:        owner,
		Title:          req.Title,
		Description:    req.Description,
		Credential:     req.Credential,
		OutboundNumber: from,
		AgentID:        req.AgentID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if len(contacts) > 0 {
		if err := h.Store.AddContacts(ctx, camp.ID, contacts); err != nil {
			writeError(c, err)
			return
		}
	}
	// The owner can be topped up and see a zero balance before first dial.
	// A failure here only delays that until the first credit.
	if h.Wallet != nil {
		if _, err := h.Wallet.EnsureWallet(ctx, owner, h.currency()); err != nil {
			logger.FromGin(c).Warn("open wallet failed", "owner_id", owner, "error", err)
		}
	}
	logger.FromGin(c).Info("campaign created", "campaign_id", camp.ID, "owner_id", owner, "contacts", len(contacts))
	c.JSON(http.StatusCreated, gin.H{"campaign": camp, "contacts": len(contacts)})
}

func (h Handlers) GetCampaign(c *gin.Context) {
	camp, _ := campaignFrom(c)
	c.JSON(http.StatusOK, camp)
}

// AddContacts appends to a campaign that has not started yet.
func (h Handlers) AddContacts(c *gin.Context) {
	camp, _ := campaignFrom(c)
	if camp.Status != campaigns.StatusScheduled {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "contacts can only be added before start"})
		return
	}
	var req struct {
		Contacts []contactInput `json:"contacts"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Contacts) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "contacts required"})
		return
	}
	contacts, err := normalizeContacts(req.Contacts)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.Store.AddContacts(c.Request.Context(), camp.ID, contacts); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": len(contacts)})
}

func (h Handlers) ListContacts(c *gin.Context) {
	camp, _ := campaignFrom(c)
	contacts, err := h.Store.GetContacts(c.Request.Context(), camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

// DeleteCampaign removes the campaign with its contacts and call logs. A
// campaign with a running loop is rejected; pause it first.
func (h Handlers) DeleteCampaign(c *gin.Context) {
	camp, _ := campaignFrom(c)
	if camp.Status == campaigns.StatusDialing {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "pause the campaign before deleting it"})
		return
	}
	if err := h.Store.DeleteCampaign(c.Request.Context(), camp.ID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- control ---

func (h Handlers) Start(c *gin.Context) {
	h.control(c, "start", h.Control.Start)
}

func (h Handlers) Pause(c *gin.Context) {
	h.control(c, "pause", h.Control.Pause)
}

func (h Handlers) Resume(c *gin.Context) {
	h.control(c, "resume", h.Control.Resume)
}

func (h Handlers) control(c *gin.Context, action string, fn func(ctx context.Context, id string) (campaigns.Campaign, error)) {
	camp, _ := campaignFrom(c)
	ctx := c.Request.Context()
	updated, err := fn(ctx, camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogControl(ctx, camp.OwnerID, actor(c), camp.ID, action); err != nil {
			logger.FromGin(c).Warn("audit control failed", "campaign_id", camp.ID, "error", err)
		}
	}
	c.JSON(http.StatusOK, updated)
}

type resolveReviewRequest struct {
	// CallID links the contact to a call the provider did place. Empty means
	// the call never happened and the contact should be dialed again.
	CallID string `json:"call_id"`
}

func (h Handlers) ResolveReview(c *gin.Context) {
	camp, _ := campaignFrom(c)
	var req resolveReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	contactID := c.Param("contact_id")
	updated, err := h.Control.ResolveReview(ctx, camp.ID, contactID, req.CallID)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogReviewResolved(ctx, camp.OwnerID, actor(c), camp.ID, contactID, req.CallID); err != nil {
			logger.FromGin(c).Warn("audit review resolution failed", "campaign_id", camp.ID, "error", err)
		}
	}
	c.JSON(http.StatusOK, updated)
}

// --- provider ---

// GetConcurrency returns the provider's current load for the campaign credential.
func (h Handlers) GetConcurrency(c *gin.Context) {
	camp, _ := campaignFrom(c)
	st, err := h.Concurrency.ConcurrencyStatus(c.Request.Context(), camp.Credential)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current": st.Current, "limit": st.Limit, "has_capacity": st.HasCapacity()})
}

func (h Handlers) Enrich(c *gin.Context) {
	camp, _ := campaignFrom(c)
	rep, err := h.Enricher.Enrich(c.Request.Context(), camp.ID, camp.Credential)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// --- reads ---

func (h Handlers) CallLogs(c *gin.Context) {
	camp, _ := campaignFrom(c)
	logs, err := h.Store.GetCallLogs(c.Request.Context(), camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_logs": logs})
}

func (h Handlers) Summary(c *gin.Context) {
	camp, _ := campaignFrom(c)
	sum, err := h.Reports.CampaignSummary(c.Request.Context(), camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h Handlers) Events(c *gin.Context) {
	camp, _ := campaignFrom(c)
	events, err := h.Audit.CampaignEvents(c.Request.Context(), camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// StreamProgress pushes reconciler snapshots as server-sent events until the
// campaign completes or the client goes away. The final event is "end".
func (h Handlers) StreamProgress(c *gin.Context) {
	camp, _ := campaignFrom(c)
	ctx, cancel := context.WithCancel(c.Request.Context())

	snaps := make(chan reconciler.Snapshot, 8)
	watch := h.Reconciler.Watch(ctx, camp.ID, func(s reconciler.Snapshot) {
		select {
		case snaps <- s:
		case <-ctx.Done():
		}
	})
	// cancel first so a blocked send unblocks before Stop waits
	defer watch.Stop()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case s := <-snaps:
			c.SSEvent("progress", s)
			return true
		case <-watch.Done():
			for drained := false; !drained; {
				select {
				case s := <-snaps:
					c.SSEvent("progress", s)
				default:
					drained = true
				}
			}
			end := gin.H{}
			if err := watch.Err(); err != nil {
				end["error"] = err.Error()
			}
			c.SSEvent("end", end)
			return false
		case <-ctx.Done():
			return false
		}
	})
}
