package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - owner_id is required; it scopes the record to the campaign owner.
// - actor and ip capture are best-effort; do not block dialing on audit failures.
type Event struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`

	Type EventType `json:"type" db:"type"`

	// ActorUserID is empty for events raised by the dispatch loop itself.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	ContactID  string `json:"contact_id,omitempty" db:"contact_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	// EventTypeCampaignControl records start, pause and resume commands.
	EventTypeCampaignControl EventType = "campaign_control"
	// EventTypeLaunchReview is a review item: a launch whose outcome is unknown.
	EventTypeLaunchReview EventType = "launch_review"
	// EventTypeResourceExhausted records a loop halted for lack of allowance.
	EventTypeResourceExhausted EventType = "resource_exhausted"
	EventTypeReviewResolved    EventType = "review_resolved"
	EventTypeAdminAction       EventType = "admin_action"
)
