package campaigns

import "time"

// Campaign is an owner-scoped outbound dialing run over a contact list.
//
// Invariants:
//   - Progress never decreases while the campaign is dialing.
//   - Once HasRun is set the campaign can never be started again; it may only
//     be paused, resumed or completed.
type Campaign struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`

	Title       string `json:"title" db:"title"`
	Description string `json:"description,omitempty" db:"description"`

	// Credential is the provider API key used for check, launch and detail calls.
	// Never serialized to clients.
	Credential     string `json:"-" db:"credential"`
	OutboundNumber string `json:"outbound_number" db:"outbound_number"`
	AgentID        string `json:"agent_id" db:"agent_id"`

	Status   Status `json:"status" db:"status"`
	Progress int    `json:"progress" db:"progress"`
	HasRun   bool   `json:"has_run" db:"has_run"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusDialing   Status = "dialing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusDialing, StatusPaused, StatusCompleted:
		return true
	default:
		return false
	}
}

// Contact is one dial target. CallID is written exactly once, when a launch
// for the contact was accepted by the provider.
type Contact struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`

	// Position is the import order; contacts are dialed in ascending position.
	Position int `json:"position" db:"position"`

	PhoneNumber string `json:"phone_number" db:"phone_number"`
	FirstName   string `json:"first_name" db:"first_name"`

	CallID   string     `json:"call_id,omitempty" db:"call_id"`
	DialedAt *time.Time `json:"dialed_at,omitempty" db:"dialed_at"`

	// ReviewRequired is set when a launch outcome was ambiguous. The contact is
	// not redialed until an operator resolves it.
	ReviewRequired bool   `json:"review_required" db:"review_required"`
	ReviewNote     string `json:"review_note,omitempty" db:"review_note"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (c Contact) Dialed() bool { return c.CallID != "" }
