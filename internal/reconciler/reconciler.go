package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"campaign-dialer/internal/campaigns"
	"campaign-dialer/pkg/logger"
)

// Reader is the read-only slice of the campaign store a watcher needs.
type Reader interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	GetContacts(ctx context.Context, campaignID string) ([]campaigns.Contact, error)
}

// Snapshot is what a watcher reports on every observed change.
type Snapshot struct {
	CampaignID    string           `json:"campaign_id"`
	Status        campaigns.Status `json:"status"`
	Progress      int              `json:"progress"`
	Dialed        int              `json:"dialed"`
	Total         int              `json:"total"`
	ReviewPending int              `json:"review_pending"`
	ObservedAt    time.Time        `json:"observed_at"`
}

func (s Snapshot) sameAs(o Snapshot) bool {
	return s.Status == o.Status && s.Progress == o.Progress && s.Dialed == o.Dialed &&
		s.Total == o.Total && s.ReviewPending == o.ReviewPending
}

// Reconciler polls durable campaign state for observers (SSE clients, the
// CLI). It never writes.
//
// Rules:
//   - Every watch owns exactly one goroutine and one ticker; both end when the
//     handle stops, the parent context ends, the campaign completes or the
//     campaign disappears.
//   - The first tick always emits; later ticks emit only on change.
type Reconciler struct {
	store    Reader
	interval time.Duration
	clock    func() time.Time
}

func New(store Reader, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reconciler{store: store, interval: interval, clock: time.Now}
}

// Handle controls one running watch.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	err     error
	stopped bool
}

// Stop ends the watch and waits for its goroutine. Safe to call repeatedly.
func (h *Handle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.cancel()
	<-h.done
}

// Done is closed once the watch goroutine has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the watch ended: nil after completion or Stop,
// campaigns.ErrNotFound when the campaign was deleted, or the parent
// context's error.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	if h.stopped && errors.Is(err, context.Canceled) {
		err = nil
	}
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Watch starts polling campaignID and calls fn from the watch goroutine for
// every emitted snapshot. fn must not block for long; it delays the next tick.
func (r *Reconciler) Watch(ctx context.Context, campaignID string, fn func(Snapshot)) *Handle {
	wctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer cancel()
		h.finish(r.run(wctx, campaignID, fn))
	}()
	return h
}

func (r *Reconciler) run(ctx context.Context, campaignID string, fn func(Snapshot)) error {
	log := logger.From(ctx).With("campaign_id", campaignID)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var last Snapshot
	emitted := false
	for {
		snap, err := r.read(ctx, campaignID)
		switch {
		case errors.Is(err, campaigns.ErrNotFound):
			return campaigns.ErrNotFound
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("progress read failed, retrying next tick", "error", err)
		case !emitted || !snap.sameAs(last):
			fn(snap)
			last, emitted = snap, true
		}
		if emitted && last.Status == campaigns.StatusCompleted {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) read(ctx context.Context, campaignID string) (Snapshot, error) {
	c, err := r.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Snapshot{}, err
	}
	contacts, err := r.store.GetContacts(ctx, campaignID)
	if err != nil {
		return Snapshot{}, err
	}
	review := 0
	for _, ct := range contacts {
		if ct.ReviewRequired && !ct.Dialed() {
			review++
		}
	}
	return Snapshot{
		CampaignID:    campaignID,
		Status:        c.Status,
		Progress:      c.Progress,
		Dialed:        campaigns.CountDialed(contacts),
		Total:         len(contacts),
		ReviewPending: review,
		ObservedAt:    r.clock().UTC(),
	}, nil
}

// Snapshot reads the campaign once without starting a watch.
func (r *Reconciler) Snapshot(ctx context.Context, campaignID string) (Snapshot, error) {
	return r.read(ctx, campaignID)
}
