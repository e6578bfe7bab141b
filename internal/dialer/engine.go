package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/telephony"
	"campaign-dialer/pkg/logger"
)

// Provider is the outbound surface the loop needs.
type Provider interface {
	telephony.ConcurrencyReader
	telephony.CallLauncher
}

// Allowance reports how many more calls an owner may place.
type Allowance interface {
	Remaining(ctx context.Context, ownerID string) (int64, error)
}

// Meter charges the owner for an accepted launch.
type Meter interface {
	RecordCall(ctx context.Context, ownerID, callID string) error
}

// Auditor receives loop-raised operator events.
type Auditor interface {
	LogLaunchReview(ctx context.Context, ownerID, campaignID, contactID, reason string) error
	LogResourceExhausted(ctx context.Context, ownerID, campaignID, contactID, remediationURL string) error
}

type Options struct {
	// Backoff is the wait after an unavailable check, a full provider or a
	// clean launch failure.
	Backoff time.Duration
	// LaunchTimeout bounds one launch request. Expiry counts as ambiguous.
	LaunchTimeout time.Duration
	// LeaseTTL is the per-campaign loop lease lifetime; it is refreshed at a
	// third of the TTL while the loop runs.
	LeaseTTL time.Duration

	// RemediationURL is surfaced verbatim when the allowance is exhausted.
	RemediationURL string

	Allowance Allowance
	Meter     Meter
	Auditor   Auditor
	Locker    Locker

	Clock func() time.Time
}

// ConfigOptions maps dispatch and billing settings onto engine options.
// Collaborators (allowance, meter, auditor, locker) are left to the caller.
func ConfigOptions(cfg config.Config) Options {
	return Options{
		Backoff:        cfg.Dispatch.Backoff,
		LaunchTimeout:  cfg.Dispatch.LaunchTimeout,
		LeaseTTL:       cfg.Dispatch.LeaseTTL,
		RemediationURL: cfg.Billing.TopUpURL,
	}
}

func (o Options) withDefaults() Options {
	out := o
	if out.Backoff <= 0 {
		out.Backoff = 5 * time.Second
	}
	if out.LaunchTimeout <= 0 {
		out.LaunchTimeout = 15 * time.Second
	}
	if out.LeaseTTL <= 0 {
		out.LeaseTTL = 30 * time.Second
	}
	if out.Locker == nil {
		out.Locker = NewMemoryLocker()
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

// Engine runs the per-campaign admission-control loop.
//
// Rules:
//   - One loop per campaign, enforced by the Locker lease.
//   - The pending set is recomputed from the store on every iteration; no
//     position is kept in memory, so restarts are idempotent.
//   - A contact is launched only after the checkpoint saw Dialing, the
//     allowance is positive and the check reported a free slot.
//   - Every persistence error ends the run.
type Engine struct {
	store    campaigns.Store
	provider Provider
	opts     Options
}

func NewEngine(store campaigns.Store, provider Provider, opts Options) *Engine {
	return &Engine{store: store, provider: provider, opts: opts.withDefaults()}
}

func (e *Engine) Locker() Locker { return e.opts.Locker }

// errSuspended ends a leased run that observed Paused at its checkpoint.
var errSuspended = errors.New("dialer: loop suspended")

// Run drives one campaign until it completes, is paused, halts on a review
// item or exhausted allowance, or ctx ends. A paused or completed campaign
// returns nil. ErrLoopActive means another loop holds the lease.
func (e *Engine) Run(ctx context.Context, campaignID string) error {
	err := e.runLeased(ctx, campaignID)
	for errors.Is(err, errSuspended) {
		// A resume can land while this loop still holds the lease, in which
		// case its own dispatch was rejected. Pick it up here.
		c, gerr := e.store.GetCampaign(ctx, campaignID)
		if gerr != nil || c.Status != campaigns.StatusDialing {
			return nil
		}
		err = e.runLeased(ctx, campaignID)
		if errors.Is(err, ErrLoopActive) {
			return nil
		}
	}
	return err
}

func (e *Engine) runLeased(ctx context.Context, campaignID string) error {
	lock, ok, err := e.opts.Locker.TryLock(ctx, campaignID, e.opts.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire loop lease: %w", err)
	}
	if !ok {
		return ErrLoopActive
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.From(ctx).Warn("release loop lease failed", "campaign_id", campaignID, "error", err)
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.keepAlive(runCtx, lock, cancel)
	}()

	err = e.loop(runCtx, campaignID)
	cancel(nil)
	wg.Wait()

	if cause := context.Cause(runCtx); errors.Is(cause, ErrLeaseLost) {
		return ErrLeaseLost
	}
	return err
}

func (e *Engine) keepAlive(ctx context.Context, lock Lock, cancel context.CancelCauseFunc) {
	t := time.NewTicker(e.opts.LeaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := lock.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, ErrLeaseLost) {
					cancel(ErrLeaseLost)
					return
				}
				logger.From(ctx).Warn("refresh loop lease failed", "error", err)
			}
		}
	}
}

func (e *Engine) loop(ctx context.Context, campaignID string) error {
	ctx, log := logger.Scoped(ctx, "campaign_id", campaignID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Checkpoint: pause is observed here, before any further launch.
		c, err := e.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("load campaign: %w", err)
		}
		switch c.Status {
		case campaigns.StatusDialing:
		case campaigns.StatusPaused:
			log.Info("dispatch loop suspended", "progress", c.Progress)
			return errSuspended
		case campaigns.StatusCompleted:
			return nil
		default:
			_, err := campaigns.Transition(c.Status, c.HasRun, campaigns.EventFinish)
			return err
		}

		contacts, err := e.store.GetContacts(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("load contacts: %w", err)
		}
		if len(contacts) == 0 {
			return campaigns.ErrNoContacts
		}

		next, ok := nextPending(contacts)
		if !ok {
			return e.finish(ctx, log, campaignID)
		}
		clog := log.With("contact_id", next.ID)

		if next.ReviewRequired {
			return &ReviewPendingError{CampaignID: campaignID, ContactID: next.ID}
		}

		if e.opts.Allowance != nil {
			remaining, err := e.opts.Allowance.Remaining(ctx, c.OwnerID)
			if err != nil {
				return fmt.Errorf("check allowance: %w", err)
			}
			if remaining <= 0 {
				return e.exhausted(ctx, clog, c, next, nil)
			}
		}

		st, err := e.provider.ConcurrencyStatus(ctx, c.Credential)
		if err != nil {
			clog.Warn("concurrency check unavailable", "error", err)
			if err := e.wait(ctx); err != nil {
				return err
			}
			continue
		}
		if !st.HasCapacity() {
			clog.Debug("provider at capacity", "current", st.Current, "limit", st.Limit)
			if err := e.wait(ctx); err != nil {
				return err
			}
			continue
		}

		res, err := e.launch(ctx, c, next)
		switch {
		case err == nil:
		case errors.Is(err, telephony.ErrInsufficientResources):
			return e.exhausted(ctx, clog, c, next, err)
		case errors.Is(err, telephony.ErrAmbiguousLaunch):
			return e.review(ctx, clog, c, next, err)
		default:
			clog.Warn("launch failed, retrying after backoff", "error", err)
			if err := e.wait(ctx); err != nil {
				return err
			}
			continue
		}

		// The provider placed a real call; persist it even if ctx was cancelled
		// while the request was in flight. Progress moves in the same write.
		wctx := context.WithoutCancel(ctx)
		entry, err := e.store.RecordDial(wctx, next.ID, calls.CallLog{
			CallID:        res.CallID,
			InitialStatus: calls.CallStatus(res.Status),
		}, e.opts.Clock())
		if err != nil {
			return fmt.Errorf("record dial for contact %s: %w", next.ID, err)
		}
		clog.Info("call launched", "call_id", entry.CallID,
			"progress", campaigns.Progress(campaigns.CountDialed(contacts)+1, len(contacts)))

		if e.opts.Meter != nil {
			if err := e.opts.Meter.RecordCall(wctx, c.OwnerID, entry.CallID); err != nil {
				clog.Error("meter call failed", "call_id", entry.CallID, "error", err)
			}
		}
	}
}

// launch places one call. The request is detached from ctx cancellation and
// bounded only by LaunchTimeout: a shutdown waits for the provider's answer
// instead of turning an in-flight call into an unknown outcome.
func (e *Engine) launch(ctx context.Context, c campaigns.Campaign, ct campaigns.Contact) (telephony.CreateCallResult, error) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.LaunchTimeout)
	defer cancel()

	vars := map[string]string{}
	if ct.FirstName != "" {
		vars["first_name"] = ct.FirstName
	}
	res, err := e.provider.CreateCall(lctx, c.Credential, telephony.CreateCallRequest{
		FromNumber: c.OutboundNumber,
		ToNumber:   ct.PhoneNumber,
		AgentID:    c.AgentID,
		Vars:       vars,
	})
	if err != nil {
		return telephony.CreateCallResult{}, err
	}
	if res.CallID == "" {
		return telephony.CreateCallResult{}, fmt.Errorf("%w: empty call id", telephony.ErrAmbiguousLaunch)
	}
	return res, nil
}

func (e *Engine) finish(ctx context.Context, log *slog.Logger, campaignID string) error {
	_, err := e.store.TransitionCampaign(ctx, campaignID, campaigns.Sources(campaigns.EventFinish), campaigns.StatusCompleted, false)
	if errors.Is(err, campaigns.ErrGuardViolation) {
		// Paused between the checkpoint and here; resume will finish it.
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}
	log.Info("campaign completed")
	return nil
}

func (e *Engine) exhausted(ctx context.Context, log *slog.Logger, c campaigns.Campaign, ct campaigns.Contact, cause error) error {
	log.Warn("dialing allowance exhausted, loop halted", "error", cause)
	if e.opts.Auditor != nil {
		if err := e.opts.Auditor.LogResourceExhausted(context.WithoutCancel(ctx), c.OwnerID, c.ID, ct.ID, e.opts.RemediationURL); err != nil {
			log.Error("audit exhaustion failed", "error", err)
		}
	}
	return &ExhaustedError{CampaignID: c.ID, ContactID: ct.ID, RemediationURL: e.opts.RemediationURL, Err: cause}
}

func (e *Engine) review(ctx context.Context, log *slog.Logger, c campaigns.Campaign, ct campaigns.Contact, cause error) error {
	wctx := context.WithoutCancel(ctx)
	if err := e.store.FlagContactReview(wctx, ct.ID, cause.Error()); err != nil {
		return fmt.Errorf("flag contact %s for review: %w", ct.ID, err)
	}
	log.Error("launch outcome unknown, contact flagged for review", "error", cause)
	if e.opts.Auditor != nil {
		if err := e.opts.Auditor.LogLaunchReview(wctx, c.OwnerID, c.ID, ct.ID, cause.Error()); err != nil {
			log.Error("audit review item failed", "error", err)
		}
	}
	return &ReviewPendingError{CampaignID: c.ID, ContactID: ct.ID, Err: cause}
}

func (e *Engine) wait(ctx context.Context) error {
	t := time.NewTimer(e.opts.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// nextPending returns the first contact in dial order without a call id.
func nextPending(contacts []campaigns.Contact) (campaigns.Contact, bool) {
	for _, c := range contacts {
		if !c.Dialed() {
			return c, true
		}
	}
	return campaigns.Contact{}, false
}
