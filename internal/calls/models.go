package calls

import "time"

// CallLog records one accepted outbound launch.
//
// Invariants:
//   - Exactly one CallLog per dialed contact (unique on contact_id).
//   - Enrichment fields stay empty until the enricher runs and are overwritten
//     in place on every re-run.
type CallLog struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	ContactID  string `json:"contact_id" db:"contact_id"`

	PhoneNumber string `json:"phone_number" db:"phone_number"`
	FirstName   string `json:"first_name" db:"first_name"`

	// CallID is the provider's identifier returned by the launch.
	CallID        string     `json:"call_id" db:"call_id"`
	InitialStatus CallStatus `json:"initial_status,omitempty" db:"initial_status"`

	DisconnectReason string     `json:"disconnect_reason,omitempty" db:"disconnect_reason"`
	Transcript       string     `json:"transcript,omitempty" db:"transcript"`
	Summary          string     `json:"summary,omitempty" db:"summary"`
	RecordingURL     string     `json:"recording_url,omitempty" db:"recording_url"`
	StartTime        *time.Time `json:"start_time,omitempty" db:"start_time"`
	EnrichedAt       *time.Time `json:"enriched_at,omitempty" db:"enriched_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (l CallLog) Enriched() bool { return l.EnrichedAt != nil }

// Enrichment is the post-call detail merged into a CallLog.
type Enrichment struct {
	DisconnectReason string
	Transcript       string
	Summary          string
	RecordingURL     string
	StartTime        *time.Time
	EnrichedAt       time.Time
}

// Apply overwrites the enrichment fields of l.
func (e Enrichment) Apply(l CallLog) CallLog {
	l.DisconnectReason = e.DisconnectReason
	l.Transcript = e.Transcript
	l.Summary = e.Summary
	l.RecordingURL = e.RecordingURL
	l.StartTime = e.StartTime
	at := e.EnrichedAt
	l.EnrichedAt = &at
	return l
}

// CallStatus is the provider-reported call state at launch time.
type CallStatus string

const (
	CallStatusRegistered CallStatus = "registered"
	CallStatusOngoing    CallStatus = "ongoing"
	CallStatusEnded      CallStatus = "ended"
	CallStatusError      CallStatus = "error"
)
