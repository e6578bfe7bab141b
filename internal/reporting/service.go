package reporting

import (
	"context"
	"errors"
	"strings"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/wallet"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// CampaignSource is the read side of the campaign store.
type CampaignSource interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	GetContacts(ctx context.Context, campaignID string) ([]campaigns.Contact, error)
	GetCallLogs(ctx context.Context, campaignID string) ([]calls.CallLog, error)
}

// LedgerSource lists immutable wallet entries.
type LedgerSource interface {
	ListLedger(ctx context.Context, ownerID string, from, to time.Time) ([]wallet.WalletLedger, error)
}

// Service builds read-only reports. It never writes.
type Service struct {
	campaigns CampaignSource
	ledger    LedgerSource
}

func NewService(campaigns CampaignSource, ledger LedgerSource) *Service {
	return &Service{campaigns: campaigns, ledger: ledger}
}

func (s *Service) CampaignSummary(ctx context.Context, campaignID string) (CampaignSummary, error) {
	if campaignID == "" {
		return CampaignSummary{}, ErrInvalidRequest
	}
	if s.campaigns == nil {
		return CampaignSummary{}, errors.New("reporting: campaign source not configured")
	}

	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return CampaignSummary{}, err
	}
	contacts, err := s.campaigns.GetContacts(ctx, campaignID)
	if err != nil {
		return CampaignSummary{}, err
	}
	logs, err := s.campaigns.GetCallLogs(ctx, campaignID)
	if err != nil {
		return CampaignSummary{}, err
	}

	out := CampaignSummary{
		CampaignID:        c.ID,
		Status:            string(c.Status),
		Progress:          c.Progress,
		TotalContacts:     len(contacts),
		CallLogs:          len(logs),
		DisconnectReasons: map[string]int{},
	}
	for _, ct := range contacts {
		switch {
		case ct.Dialed():
			out.Dialed++
		case ct.ReviewRequired:
			out.ReviewRequired++
			out.Pending++
		default:
			out.Pending++
		}
	}
	for _, l := range logs {
		if l.RecordingURL != "" {
			out.Recorded++
		}
		if l.Enriched() {
			out.Enriched++
			reason := strings.TrimSpace(l.DisconnectReason)
			if reason == "" {
				reason = "unknown"
			}
			out.DisconnectReasons[reason]++
		}
		at := l.CreatedAt
		if out.FirstCallAt == nil || at.Before(*out.FirstCallAt) {
			t := at
			out.FirstCallAt = &t
		}
		if out.LastCallAt == nil || at.After(*out.LastCallAt) {
			t := at
			out.LastCallAt = &t
		}
	}
	return out, nil
}

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.OwnerID == "" {
		return SpendSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.ledger == nil {
		return SpendSummary{}, errors.New("reporting: ledger source not configured")
	}

	ledgers, err := s.ledger.ListLedger(ctx, req.OwnerID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{OwnerID: req.OwnerID, Currency: req.Currency}
	for _, l := range ledgers {
		if out.Currency == "" {
			out.Currency = l.Currency
		}
		if req.Currency != "" && l.Currency != req.Currency {
			continue
		}

		if l.AmountMinor > 0 {
			out.TotalCreditMinor += l.AmountMinor
		} else {
			out.TotalDebitMinor += -l.AmountMinor
		}

		switch {
		case l.ExternalRef == "admin_manual_credit":
			out.AdminAdjustMinor += l.AmountMinor
		case strings.HasPrefix(l.IdempotencyKey, "call:") && l.AmountMinor < 0:
			out.CallDebitMinor += -l.AmountMinor
			out.CallsBilled++
		}
	}
	out.NetDeltaMinor = out.TotalCreditMinor - out.TotalDebitMinor
	if out.Currency == "" {
		out.Currency = "UNKNOWN"
	}
	return out, nil
}
