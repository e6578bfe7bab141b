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
	"campaign-dialer/pkg/logger"
)

// Dispatcher hands a Dialing campaign to whatever runs its loop: the redis
// queue consumed by cmd/worker, or an in-process goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, campaignID, reason string) error
}

// Controller implements the control surface: start, pause, resume and
// review resolution. It never runs the loop itself.
type Controller struct {
	store      campaigns.Store
	dispatcher Dispatcher
	locker     Locker
	clock      func() time.Time
}

func NewController(store campaigns.Store, dispatcher Dispatcher, locker Locker) *Controller {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Controller{store: store, dispatcher: dispatcher, locker: locker, clock: time.Now}
}

// Start moves a never-run Scheduled campaign to Dialing and dispatches its
// loop. A second start is rejected with ErrGuardViolation.
func (c *Controller) Start(ctx context.Context, campaignID string) (campaigns.Campaign, error) {
	cur, err := c.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return campaigns.Campaign{}, err
	}
	if _, err := campaigns.Transition(cur.Status, cur.HasRun, campaigns.EventStart); err != nil {
		return cur, err
	}
	contacts, err := c.store.GetContacts(ctx, campaignID)
	if err != nil {
		return cur, err
	}
	if len(contacts) == 0 {
		return cur, campaigns.ErrNoContacts
	}

	updated, err := c.store.TransitionCampaign(ctx, campaignID, campaigns.Sources(campaigns.EventStart), campaigns.StatusDialing, true)
	if err != nil {
		return cur, err
	}
	if err := c.dispatcher.Dispatch(ctx, campaignID, string(campaigns.EventStart)); err != nil {
		return updated, fmt.Errorf("dispatch: %w", err)
	}
	return updated, nil
}

// Pause stops further launches. Calls already in flight are not affected;
// the running loop observes Paused at its next checkpoint.
func (c *Controller) Pause(ctx context.Context, campaignID string) (campaigns.Campaign, error) {
	return c.store.TransitionCampaign(ctx, campaignID, campaigns.Sources(campaigns.EventPause), campaigns.StatusPaused, false)
}

// Resume continues a Paused campaign, or a Dialing campaign whose loop has
// halted (exhausted allowance, review item, crash). A Dialing campaign with
// a live loop returns ErrLoopActive.
func (c *Controller) Resume(ctx context.Context, campaignID string) (campaigns.Campaign, error) {
	cur, err := c.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return campaigns.Campaign{}, err
	}
	if _, err := campaigns.Transition(cur.Status, cur.HasRun, campaigns.EventResume); err != nil {
		return cur, err
	}

	updated := cur
	switch cur.Status {
	case campaigns.StatusPaused:
		updated, err = c.store.TransitionCampaign(ctx, campaignID, []campaigns.Status{campaigns.StatusPaused}, campaigns.StatusDialing, false)
		if err != nil {
			return cur, err
		}
	case campaigns.StatusDialing:
		held, err := c.locker.Held(ctx, campaignID)
		if err != nil {
			return cur, fmt.Errorf("check loop lease: %w", err)
		}
		if held {
			return cur, ErrLoopActive
		}
	}

	if err := c.dispatcher.Dispatch(ctx, campaignID, string(campaigns.EventResume)); err != nil {
		return updated, fmt.Errorf("dispatch: %w", err)
	}
	return updated, nil
}

// ResolveReview settles a contact flagged after an ambiguous launch. With a
// callID the operator confirms the provider placed that call and it is
// recorded as dialed; without one the flag is cleared and the contact will
// be dialed again. The loop is not resumed here.
func (c *Controller) ResolveReview(ctx context.Context, campaignID, contactID, callID string) (campaigns.Campaign, error) {
	held, err := c.locker.Held(ctx, campaignID)
	if err != nil {
		return campaigns.Campaign{}, fmt.Errorf("check loop lease: %w", err)
	}
	if held {
		return campaigns.Campaign{}, ErrLoopActive
	}

	contacts, err := c.store.GetContacts(ctx, campaignID)
	if err != nil {
		return campaigns.Campaign{}, err
	}
	var target *campaigns.Contact
	for i := range contacts {
		if contacts[i].ID == contactID {
			target = &contacts[i]
			break
		}
	}
	if target == nil {
		return campaigns.Campaign{}, campaigns.ErrNotFound
	}
	if target.Dialed() {
		return campaigns.Campaign{}, campaigns.ErrAlreadyDialed
	}
	if !target.ReviewRequired {
		return campaigns.Campaign{}, fmt.Errorf("%w: contact %s has no pending review", campaigns.ErrInvalidArgument, contactID)
	}

	if callID == "" {
		if err := c.store.ClearContactReview(ctx, contactID); err != nil {
			return campaigns.Campaign{}, err
		}
		return c.store.GetCampaign(ctx, campaignID)
	}

	if _, err := c.store.RecordDial(ctx, contactID, calls.CallLog{CallID: callID}, c.clock()); err != nil {
		return campaigns.Campaign{}, err
	}
	return c.store.GetCampaign(ctx, campaignID)
}

// InlineDispatcher runs loops as goroutines of the current process. Loops
// live only as long as the base context passed to NewInlineDispatcher.
type InlineDispatcher struct {
	engine *Engine
	base   context.Context
	wg     sync.WaitGroup
}

func NewInlineDispatcher(base context.Context, engine *Engine) *InlineDispatcher {
	return &InlineDispatcher{engine: engine, base: base}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, campaignID, reason string) error {
	if err := d.base.Err(); err != nil {
		return err
	}
	// keep the request_id of the command that started the loop
	log := logger.From(ctx).With("reason", reason)
	runCtx := logger.With(d.base, log)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.engine.Run(runCtx, campaignID)
		LogOutcome(log.With("campaign_id", campaignID), err)
	}()
	return nil
}

// Wait blocks until every dispatched loop has returned.
func (d *InlineDispatcher) Wait() { d.wg.Wait() }

// LogOutcome reports how a loop ended.
func LogOutcome(log *slog.Logger, err error) {
	var exhausted *ExhaustedError
	var review *ReviewPendingError
	switch {
	case err == nil:
		log.Info("dispatch loop finished")
	case errors.Is(err, ErrLoopActive):
		log.Info("dispatch loop already running elsewhere")
	case errors.As(err, &exhausted):
		log.Warn("dispatch loop halted: allowance exhausted", "contact_id", exhausted.ContactID, "remediation_url", exhausted.RemediationURL)
	case errors.As(err, &review):
		log.Warn("dispatch loop halted: launch review pending", "contact_id", review.ContactID)
	case errors.Is(err, context.Canceled):
		log.Info("dispatch loop stopped")
	default:
		log.Error("dispatch loop failed", "error", err)
	}
}
