package calls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"campaign-dialer/internal/telephony"
	"campaign-dialer/pkg/logger"
)

// LogStore is the part of the campaign store the enricher needs.
type LogStore interface {
	GetCallLogs(ctx context.Context, campaignID string) ([]CallLog, error)
	UpdateCallLog(ctx context.Context, id string, e Enrichment) error
}

// Enricher merges post-call detail into a campaign's call logs.
//
// Rules:
// - The enricher is the only writer of enrichment fields.
// - Entries are independent; one failure never aborts the batch.
// - Re-running overwrites in place, so it is safe to call repeatedly.
type Enricher struct {
	store       LogStore
	detail      telephony.CallDetailFetcher
	parallelism int
	now         func() time.Time
}

func NewEnricher(store LogStore, detail telephony.CallDetailFetcher, parallelism int) *Enricher {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Enricher{
		store:       store,
		detail:      detail,
		parallelism: parallelism,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type FailedEntry struct {
	CallLogID string `json:"call_log_id"`
	CallID    string `json:"call_id"`
	Error     string `json:"error"`
}

type Report struct {
	CampaignID string        `json:"campaign_id"`
	Total      int           `json:"total"`
	Enriched   int           `json:"enriched"`
	Failed     []FailedEntry `json:"failed,omitempty"`
}

// Enrich fetches detail for every call log of the campaign. Per-entry failures
// land in the report. A failure to list the call logs, or ctx ending before
// the batch finished, is returned as an error along with the partial report.
func (e *Enricher) Enrich(ctx context.Context, campaignID, credential string) (Report, error) {
	logs, err := e.store.GetCallLogs(ctx, campaignID)
	if err != nil {
		return Report{}, fmt.Errorf("list call logs: %w", err)
	}

	rep := Report{CampaignID: campaignID, Total: len(logs)}
	log := logger.From(ctx).With("campaign_id", campaignID)

	var mu sync.Mutex
	record := func(l CallLog, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			rep.Enriched++
			return
		}
		rep.Failed = append(rep.Failed, FailedEntry{CallLogID: l.ID, CallID: l.CallID, Error: err.Error()})
		log.Warn("call detail enrichment failed", "call_log_id", l.ID, "call_id", l.CallID, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, l := range logs {
		if ctx.Err() != nil {
			break
		}
		l := l
		g.Go(func() error {
			// Entries still queued when the caller goes away are skipped, not
			// reported as provider failures.
			if gctx.Err() != nil {
				return nil
			}
			record(l, e.enrichOne(gctx, credential, l))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	if err := ctx.Err(); err != nil {
		log.Warn("call log enrichment interrupted", "total", rep.Total, "enriched", rep.Enriched, "failed", len(rep.Failed))
		return rep, fmt.Errorf("enrich interrupted: %w", err)
	}

	log.Info("call logs enriched", "total", rep.Total, "enriched", rep.Enriched, "failed", len(rep.Failed))
	return rep, nil
}

func (e *Enricher) enrichOne(ctx context.Context, credential string, l CallLog) error {
	if l.CallID == "" {
		return fmt.Errorf("call log %s has no call id", l.ID)
	}
	d, err := e.detail.CallDetail(ctx, credential, l.CallID)
	if err != nil {
		return err
	}
	return e.store.UpdateCallLog(ctx, l.ID, Enrichment{
		DisconnectReason: d.DisconnectReason,
		Transcript:       d.Transcript,
		Summary:          d.Summary,
		RecordingURL:     d.RecordingURL,
		StartTime:        d.StartTime,
		EnrichedAt:       e.now(),
	})
}
