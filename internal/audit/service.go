package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: no Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Reader lists events for operator review screens.
type Reader interface {
	ListByCampaign(ctx context.Context, campaignID string) ([]Event, error)
}

// Actor identifies who issued a command. Zero for loop-raised events.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// Service records operator-facing audit information.
// Callers treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OwnerID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// CampaignEvents lists a campaign's events when the repository supports reads.
func (s *Service) CampaignEvents(ctx context.Context, campaignID string) ([]Event, error) {
	r, ok := s.repo.(Reader)
	if !ok {
		return nil, errors.New("audit: repository is write-only")
	}
	return r.ListByCampaign(ctx, campaignID)
}

// LogControl records a start, pause or resume command.
func (s *Service) LogControl(ctx context.Context, ownerID string, actor Actor, campaignID, action string) error {
	return s.Append(ctx, Event{
		OwnerID:     ownerID,
		Type:        EventTypeCampaignControl,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		CampaignID:  campaignID,
		Message:     action,
	})
}

// LogLaunchReview appends a review item for a contact whose launch outcome
// is unknown.
func (s *Service) LogLaunchReview(ctx context.Context, ownerID, campaignID, contactID, reason string) error {
	return s.Append(ctx, Event{
		OwnerID:    ownerID,
		Type:       EventTypeLaunchReview,
		CampaignID: campaignID,
		ContactID:  contactID,
		Message:    reason,
	})
}

// LogResourceExhausted records a halted loop and the remediation offered.
func (s *Service) LogResourceExhausted(ctx context.Context, ownerID, campaignID, contactID, remediationURL string) error {
	return s.Append(ctx, Event{
		OwnerID:    ownerID,
		Type:       EventTypeResourceExhausted,
		CampaignID: campaignID,
		ContactID:  contactID,
		Message:    "dialing allowance exhausted",
		Metadata:   remediationURL,
	})
}

// LogReviewResolved records an operator's decision on a review item. callID
// is empty when the operator chose to redial.
func (s *Service) LogReviewResolved(ctx context.Context, ownerID string, actor Actor, campaignID, contactID, callID string) error {
	msg := "redial"
	if callID != "" {
		msg = "linked existing call"
	}
	return s.Append(ctx, Event{
		OwnerID:     ownerID,
		Type:        EventTypeReviewResolved,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		CampaignID:  campaignID,
		ContactID:   contactID,
		CallID:      callID,
		Message:     msg,
	})
}

// LogAdminAction records a privileged wallet action.
func (s *Service) LogAdminAction(ctx context.Context, ownerID string, actor Actor, message, metadata string) error {
	return s.Append(ctx, Event{
		OwnerID:     ownerID,
		Type:        EventTypeAdminAction,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		Message:     message,
		Metadata:    metadata,
	})
}
