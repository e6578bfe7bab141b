package campaigns

import (
	"context"
	"errors"
	"time"

	"campaign-dialer/internal/calls"
)

var (
	ErrNotFound        = errors.New("campaigns: not found")
	ErrGuardViolation  = errors.New("campaigns: transition not allowed")
	ErrNoContacts      = errors.New("campaigns: campaign has no contacts")
	ErrAlreadyDialed   = errors.New("campaigns: contact already dialed")
	ErrInvalidArgument = errors.New("campaigns: invalid argument")
)

// Store is the durable source of truth for campaigns, contacts and call logs.
//
// Rules:
//   - Every mutation is written through; callers hold no private copy of state.
//   - Status changes only happen through TransitionCampaign, which is conditional
//     on the current status so concurrent processes cannot both win a guard.
//   - Contacts and call logs are deleted only through DeleteCampaign.
type Store interface {
	CreateCampaign(ctx context.Context, c Campaign) (Campaign, error)
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaignsByStatus(ctx context.Context, status Status) ([]Campaign, error)

	// TransitionCampaign moves the campaign to `to` if its current status is in
	// `from`. When markRun is set it additionally requires has_run=false and sets
	// it. Moving to completed also pins progress at 100.
	// Returns ErrGuardViolation when the condition does not hold.
	TransitionCampaign(ctx context.Context, id string, from []Status, to Status, markRun bool) (Campaign, error)

	DeleteCampaign(ctx context.Context, id string) error

	AddContacts(ctx context.Context, campaignID string, contacts []Contact) error
	// GetContacts returns contacts in dial order.
	GetContacts(ctx context.Context, campaignID string) ([]Contact, error)

	// RecordDial atomically sets the contact's call id, clears any review flag,
	// appends the call log and raises campaign progress to max(stored,
	// Progress(dialed, total)). Readers never see a call id without its
	// progress. Returns ErrAlreadyDialed if the contact has a call id.
	RecordDial(ctx context.Context, contactID string, log calls.CallLog, at time.Time) (calls.CallLog, error)
	FlagContactReview(ctx context.Context, contactID, note string) error
	ClearContactReview(ctx context.Context, contactID string) error

	GetCallLogs(ctx context.Context, campaignID string) ([]calls.CallLog, error)
	UpdateCallLog(ctx context.Context, id string, e calls.Enrichment) error
}

func validateCampaign(c Campaign) error {
	if c.OwnerID == "" || c.Credential == "" || c.OutboundNumber == "" || c.AgentID == "" {
		return ErrInvalidArgument
	}
	return nil
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
