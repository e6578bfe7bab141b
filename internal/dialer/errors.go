package dialer

import (
	"errors"
	"fmt"

	"campaign-dialer/internal/telephony"
)

var (
	// ErrReviewPending halts a loop whose next contact has an unresolved
	// ambiguous launch. Resolve the review, then resume.
	ErrReviewPending = errors.New("dialer: contact awaiting launch review")

	// ErrLoopActive rejects a second loop for a campaign that already has one.
	ErrLoopActive = errors.New("dialer: dispatch loop already running")

	// ErrLeaseLost ends a loop whose per-campaign lease expired or was taken.
	ErrLeaseLost = errors.New("dialer: loop lease lost")
)

// ExhaustedError halts a loop because the owner has no dialing allowance
// left. The campaign keeps its status and can be resumed after a top-up.
type ExhaustedError struct {
	CampaignID     string
	ContactID      string
	RemediationURL string
	// Err is the provider error when the provider refused the launch; nil when
	// the local allowance check tripped first.
	Err error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("dialer: campaign %s halted before contact %s: dialing allowance exhausted", e.CampaignID, e.ContactID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Err != nil {
		return []error{telephony.ErrInsufficientResources, e.Err}
	}
	return []error{telephony.ErrInsufficientResources}
}

// ReviewPendingError names the contact blocking the loop.
type ReviewPendingError struct {
	CampaignID string
	ContactID  string
	Err        error
}

func (e *ReviewPendingError) Error() string {
	msg := fmt.Sprintf("dialer: campaign %s halted: contact %s awaiting launch review", e.CampaignID, e.ContactID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReviewPendingError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrReviewPending, e.Err}
	}
	return []error{ErrReviewPending}
}
