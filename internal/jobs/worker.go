package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/dialer"
	"campaign-dialer/pkg/logger"
)

// Runner drives one campaign loop; *dialer.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, campaignID string) error
}

// CampaignLister finds campaigns that should have a running loop.
type CampaignLister interface {
	ListCampaignsByStatus(ctx context.Context, status campaigns.Status) ([]campaigns.Campaign, error)
}

type WorkerOptions struct {
	// Concurrency is the number of loops this process runs at once.
	Concurrency int
	// PollTimeout bounds one blocking pop so shutdown is observed promptly.
	PollTimeout time.Duration
	// ErrorBackoff is the pause after a failed pop.
	ErrorBackoff time.Duration
}

// Worker consumes the dispatch queue and runs campaign loops.
//
// Rules:
//   - Each consumer goroutine pops only when it is free, so unclaimed jobs stay
//     in redis for other workers.
//   - A duplicate job for a campaign whose loop runs elsewhere is dropped by
//     the loop lease, not by the queue.
type Worker struct {
	queue  Queue
	runner Runner
	lister CampaignLister
	opts   WorkerOptions
}

func NewWorker(q Queue, runner Runner, lister CampaignLister, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	return &Worker{queue: q, runner: runner, lister: lister, opts: opts}
}

// Recover enqueues every Dialing campaign. Run it on worker startup so loops
// interrupted by a crash or deploy continue from durable state.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	dialing, err := w.lister.ListCampaignsByStatus(ctx, campaigns.StatusDialing)
	if err != nil {
		return 0, fmt.Errorf("list dialing campaigns: %w", err)
	}
	d := NewDispatcher(w.queue)
	for i, c := range dialing {
		if err := d.Dispatch(ctx, c.ID, "recover"); err != nil {
			return i, err
		}
	}
	if len(dialing) > 0 {
		logger.From(ctx).Info("recovered dialing campaigns", "count", len(dialing))
	}
	return len(dialing), nil
}

// Run consumes jobs until ctx ends. Loops still running at shutdown are
// cancelled and stay Dialing for the next Recover.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.From(ctx)
	log.Info("dispatch worker started", "concurrency", w.opts.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			sctx, _ := logger.Scoped(gctx, "slot", slot)
			w.consume(sctx)
			return nil
		})
	}
	err := g.Wait()
	log.Info("dispatch worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context) {
	log := logger.From(ctx)
	for ctx.Err() == nil {
		j, ok, err := w.queue.Pop(ctx, w.opts.PollTimeout)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrMalformedJob):
			log.Error("dropping malformed job", "error", err)
			continue
		case err != nil:
			log.Error("dequeue failed", "error", err)
			w.sleep(ctx)
			continue
		case !ok:
			continue
		}
		w.handle(ctx, j)
	}
}

func (w *Worker) handle(ctx context.Context, j Job) {
	attrs := []any{"reason", j.Reason}
	if !j.EnqueuedAt.IsZero() {
		attrs = append(attrs, "queued_ms", time.Since(j.EnqueuedAt).Milliseconds())
	}
	// the engine adds campaign_id to ctx itself
	ctx, jlog := logger.Scoped(ctx, attrs...)
	err := w.runner.Run(ctx, j.CampaignID)
	dialer.LogOutcome(jlog.With("campaign_id", j.CampaignID), err)
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.opts.ErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
