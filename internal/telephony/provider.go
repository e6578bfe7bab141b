package telephony

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Outbound-call provider contracts used by the dialer and the enricher.
//
// Rules:
// - No provider HTTP calls outside telephony adapters.
// - Every request carries the campaign's provider credential explicitly.
// - Responses are validated at the boundary; callers never see partially
//   populated results.

var (
	// ErrUnavailable means the concurrency check could not produce a reading.
	// Callers must treat it as transient and never as a free slot.
	ErrUnavailable = errors.New("telephony: provider unavailable")

	// ErrLaunchFailed is a clean negative launch outcome: the provider did not
	// place a call, so retrying the same contact is safe.
	ErrLaunchFailed = errors.New("telephony: launch failed")

	// ErrAmbiguousLaunch means the provider may or may not have placed the call
	// (timeout, connection lost after the request was written, accepted without
	// a call id). Never retried automatically.
	ErrAmbiguousLaunch = errors.New("telephony: launch outcome unknown")

	// ErrInsufficientResources means the provider refused work because the
	// account ran out of dialing allowance.
	ErrInsufficientResources = errors.New("telephony: insufficient resources")

	// ErrMalformedResponse marks a response that did not match the expected schema.
	ErrMalformedResponse = errors.New("telephony: malformed response")

	ErrInvalidNumber = errors.New("telephony: invalid phone number")
)

// ConcurrencyReader reports current provider-side load for a credential.
// No caching: each call reflects the provider's view at that moment.
type ConcurrencyReader interface {
	ConcurrencyStatus(ctx context.Context, credential string) (ConcurrencyStatus, error)
}

// CallLauncher places one outbound call.
type CallLauncher interface {
	CreateCall(ctx context.Context, credential string, req CreateCallRequest) (CreateCallResult, error)
}

// CallDetailFetcher returns post-call detail.
type CallDetailFetcher interface {
	CallDetail(ctx context.Context, credential, callID string) (CallDetail, error)
}

// Provider is the full outbound surface.
type Provider interface {
	Name() string
	ConcurrencyReader
	CallLauncher
	CallDetailFetcher
}

type ConcurrencyStatus struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// HasCapacity reports whether another call may start.
func (s ConcurrencyStatus) HasCapacity() bool { return s.Current < s.Limit }

type CreateCallRequest struct {
	// FromNumber and ToNumber are normalized to E.164 by the adapter.
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	AgentID    string `json:"agent_id"`

	// Vars are template variables passed to the agent (e.g. first_name).
	Vars map[string]string `json:"vars,omitempty"`
}

type CreateCallResult struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// CallDetail is the provider-agnostic post-call record.
type CallDetail struct {
	CallID           string     `json:"call_id"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
	Transcript       string     `json:"transcript,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	RecordingURL     string     `json:"recording_url,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`
}

// ProviderError carries the provider's HTTP status and message alongside the
// classification sentinel.
type ProviderError struct {
	Kind       error
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Kind.Error() + ": " + e.Op
	if e.StatusCode != 0 {
		msg += ": status " + strconv.Itoa(e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}
