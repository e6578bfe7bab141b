package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultRetellBaseURL = "https://api.retellai.com"

	// maxErrorBody bounds how much of an error response is kept for messages.
	maxErrorBody = 4 << 10
)

// RetellConfig configures the Retell adapter.
type RetellConfig struct {
	BaseURL string
	// Timeout bounds each HTTP exchange. Launch callers usually pass a context
	// deadline as well.
	Timeout    time.Duration
	HTTPClient *http.Client
}

func (c RetellConfig) withDefaults() RetellConfig {
	out := c
	if out.BaseURL == "" {
		out.BaseURL = DefaultRetellBaseURL
	}
	out.BaseURL = strings.TrimRight(out.BaseURL, "/")
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: out.Timeout}
	}
	return out
}

// RetellClient is the Retell AI adapter for check, launch and call detail.
// It keeps no state between calls.
type RetellClient struct {
	baseURL string
	http    *http.Client
}

func NewRetellClient(cfg RetellConfig) *RetellClient {
	cfg = cfg.withDefaults()
	return &RetellClient{baseURL: cfg.BaseURL, http: cfg.HTTPClient}
}

func (c *RetellClient) Name() string { return "retell" }

// Wire schemas. Pointer fields distinguish "absent" from zero values.

type retellConcurrency struct {
	Current *int `json:"current_concurrency"`
	Limit   *int `json:"concurrency_limit"`
}

type retellCreateCall struct {
	FromNumber      string            `json:"from_number"`
	ToNumber        string            `json:"to_number"`
	OverrideAgentID string            `json:"override_agent_id,omitempty"`
	DynamicVars     map[string]string `json:"retell_llm_dynamic_variables,omitempty"`
}

type retellCallCreated struct {
	CallID     string `json:"call_id"`
	CallStatus string `json:"call_status"`
}

type retellCall struct {
	CallID              string `json:"call_id"`
	DisconnectionReason string `json:"disconnection_reason"`
	Transcript          string `json:"transcript"`
	RecordingURL        string `json:"recording_url"`
	StartTimestamp      *int64 `json:"start_timestamp"`
	CallAnalysis        *struct {
		CallSummary string `json:"call_summary"`
	} `json:"call_analysis"`
}

// ConcurrencyStatus implements ConcurrencyReader. Every failure is reported as
// ErrUnavailable; schema violations additionally match ErrMalformedResponse.
func (c *RetellClient) ConcurrencyStatus(ctx context.Context, credential string) (ConcurrencyStatus, error) {
	const op = "get-concurrency"
	resp, err := c.do(ctx, http.MethodGet, "/get-concurrency", credential, nil)
	if err != nil {
		return ConcurrencyStatus{}, &ProviderError{Kind: ErrUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return ConcurrencyStatus{}, &ProviderError{Kind: ErrUnavailable, Op: op, StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	var body retellConcurrency
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ConcurrencyStatus{}, &ProviderError{Kind: ErrUnavailable, Op: op, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if body.Current == nil || body.Limit == nil || *body.Current < 0 || *body.Limit < 0 {
		return ConcurrencyStatus{}, &ProviderError{Kind: ErrUnavailable, Op: op, Err: fmt.Errorf("%w: concurrency fields missing or negative", ErrMalformedResponse)}
	}
	return ConcurrencyStatus{Current: *body.Current, Limit: *body.Limit}, nil
}

// CreateCall implements CallLauncher.
//
// Outcome classification:
//   - 2xx with call_id: success
//   - 402: ErrInsufficientResources
//   - 504, transport errors after connecting, timeouts, 2xx without a usable
//     body: ErrAmbiguousLaunch
//   - other non-2xx, invalid numbers, dial/DNS failures: ErrLaunchFailed
func (c *RetellClient) CreateCall(ctx context.Context, credential string, req CreateCallRequest) (CreateCallResult, error) {
	const op = "create-phone-call"

	from, err := NormalizeE164(req.FromNumber)
	if err != nil {
		return CreateCallResult{}, &ProviderError{Kind: ErrLaunchFailed, Op: op, Err: err}
	}
	to, err := NormalizeE164(req.ToNumber)
	if err != nil {
		return CreateCallResult{}, &ProviderError{Kind: ErrLaunchFailed, Op: op, Err: err}
	}

	payload, err := json.Marshal(retellCreateCall{
		FromNumber:      from,
		ToNumber:        to,
		OverrideAgentID: req.AgentID,
		DynamicVars:     req.Vars,
	})
	if err != nil {
		return CreateCallResult{}, &ProviderError{Kind: ErrLaunchFailed, Op: op, Err: err}
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v2/create-phone-call", credential, payload)
	if err != nil {
		// Nothing was sent.
		return CreateCallResult{}, &ProviderError{Kind: ErrLaunchFailed, Op: op, Err: err}
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return CreateCallResult{}, &ProviderError{Kind: classifyTransportError(err), Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode/100 == 2:
	case resp.StatusCode == http.StatusPaymentRequired:
		return CreateCallResult{}, &ProviderError{Kind: ErrInsufficientResources, Op: op, StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		// 429 is plain throttling unless the body says the allowance is gone.
		e := readErrorBody(resp.Body)
		kind := ErrLaunchFailed
		if e.exhausted() {
			kind = ErrInsufficientResources
		}
		return CreateCallResult{}, &ProviderError{Kind: kind, Op: op, StatusCode: resp.StatusCode, Message: e.message()}
	case resp.StatusCode == http.StatusGatewayTimeout:
		return CreateCallResult{}, &ProviderError{Kind: ErrAmbiguousLaunch, Op: op, StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	default:
		return CreateCallResult{}, &ProviderError{Kind: ErrLaunchFailed, Op: op, StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	var body retellCallCreated
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return CreateCallResult{}, &ProviderError{Kind: ErrAmbiguousLaunch, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if strings.TrimSpace(body.CallID) == "" {
		return CreateCallResult{}, &ProviderError{Kind: ErrAmbiguousLaunch, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: call_id missing", ErrMalformedResponse)}
	}
	return CreateCallResult{CallID: body.CallID, Status: body.CallStatus}, nil
}

// CallDetail implements CallDetailFetcher.
func (c *RetellClient) CallDetail(ctx context.Context, credential, callID string) (CallDetail, error) {
	const op = "get-call"
	if callID == "" {
		return CallDetail{}, &ProviderError{Kind: ErrUnavailable, Op: op, Message: "call id required"}
	}

	resp, err := c.do(ctx, http.MethodGet, "/v2/get-call/"+url.PathEscape(callID), credential, nil)
	if err != nil {
		return CallDetail{}, &ProviderError{Kind: ErrUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return CallDetail{}, &ProviderError{Kind: ErrUnavailable, Op: op, StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	var body retellCall
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return CallDetail{}, &ProviderError{Kind: ErrMalformedResponse, Op: op, Err: err}
	}
	if body.CallID != callID {
		return CallDetail{}, &ProviderError{Kind: ErrMalformedResponse, Op: op, Message: fmt.Sprintf("call_id mismatch: got %q", body.CallID)}
	}

	out := CallDetail{
		CallID:           body.CallID,
		DisconnectReason: body.DisconnectionReason,
		Transcript:       body.Transcript,
		RecordingURL:     body.RecordingURL,
	}
	if body.CallAnalysis != nil {
		out.Summary = body.CallAnalysis.CallSummary
	}
	if body.StartTimestamp != nil && *body.StartTimestamp > 0 {
		t := time.UnixMilli(*body.StartTimestamp).UTC()
		out.StartTime = &t
	}
	return out, nil
}

func (c *RetellClient) do(ctx context.Context, method, path, credential string, body []byte) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, credential, body)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

func (c *RetellClient) newRequest(ctx context.Context, method, path, credential string, body []byte) (*http.Request, error) {
	if credential == "" {
		return nil, errors.New("credential required")
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// classifyTransportError separates failures that prove the request never
// reached the provider from those that leave the outcome unknown.
func classifyTransportError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrLaunchFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ErrLaunchFailed
	}
	return ErrAmbiguousLaunch
}

// exhaustedCodes mark a 429 as an allowance problem rather than throttling.
var exhaustedCodes = map[string]struct{}{
	"exhausted":             {},
	"insufficient":          {},
	"insufficient_funds":    {},
	"insufficient_credits":  {},
	"concurrency_exhausted": {},
	"quota_exceeded":        {},
}

type retellError struct {
	Message      string `json:"message"`
	ErrorMessage string `json:"error_message"`
	Code         string `json:"code"`
	raw          string
}

func (e retellError) message() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.ErrorMessage != "":
		return e.ErrorMessage
	}
	return e.raw
}

func (e retellError) exhausted() bool {
	_, ok := exhaustedCodes[strings.ToLower(strings.TrimSpace(e.Code))]
	return ok
}

func readErrorBody(r io.Reader) retellError {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body retellError
	if err := json.Unmarshal(raw, &body); err != nil {
		body = retellError{}
	}
	body.raw = strings.TrimSpace(string(raw))
	return body
}

func readErrorMessage(r io.Reader) string {
	return readErrorBody(r).message()
}
