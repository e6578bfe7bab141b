package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/dialer"
	"campaign-dialer/internal/telephony"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memQueue struct {
	ch     chan []byte
	popErr error
}

func newMemQueue() *memQueue { return &memQueue{ch: make(chan []byte, 64)} }

func (q *memQueue) Push(_ context.Context, j Job) error {
	b, err := encodeJob(j)
	if err != nil {
		return err
	}
	q.ch <- b
	return nil
}

func (q *memQueue) pushRaw(b []byte) { q.ch <- b }

func (q *memQueue) Pop(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Job{}, false, ctx.Err()
	case <-t.C:
		return Job{}, false, nil
	case b := <-q.ch:
		j, err := decodeJob(b)
		if err != nil {
			return Job{}, false, err
		}
		return j, true, nil
	}
}

type blockingRunner struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	ran     []string
	release chan struct{}
	started chan string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{}), started: make(chan string, 64)}
}

func (r *blockingRunner) Run(ctx context.Context, campaignID string) error {
	r.mu.Lock()
	r.active++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
	r.ran = append(r.ran, campaignID)
	r.mu.Unlock()
	r.started <- campaignID

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitStarted(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("runner not started")
		return ""
	}
}

func TestWorker_BoundsConcurrency(t *testing.T) {
	q := newMemQueue()
	d := NewDispatcher(q)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := d.Dispatch(ctx, fmt.Sprintf("c%d", i), "start"); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	r := newBlockingRunner()
	w := NewWorker(q, r, nil, WorkerOptions{Concurrency: 2, PollTimeout: 5 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitStarted(t, r)
	waitStarted(t, r)
	select {
	case id := <-r.started:
		t.Fatalf("third loop %s started beyond the concurrency limit", id)
	case <-time.After(30 * time.Millisecond):
	}

	close(r.release)
	waitStarted(t, r)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSeen != 2 || len(r.ran) != 3 {
		t.Fatalf("max concurrent %d, ran %v", r.maxSeen, r.ran)
	}
}

func TestWorker_SkipsMalformedJobs(t *testing.T) {
	q := newMemQueue()
	q.pushRaw([]byte(`{"reason":"start"}`))
	q.pushRaw([]byte(`not json`))
	if err := q.Push(context.Background(), Job{CampaignID: "good"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newBlockingRunner()
	close(r.release)
	w := NewWorker(q, r, nil, WorkerOptions{Concurrency: 1, PollTimeout: 5 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if id := waitStarted(t, r); id != "good" {
		t.Fatalf("unexpected job %s", id)
	}
	cancel()
	<-done
}

func TestWorker_RecoverEnqueuesDialingCampaigns(t *testing.T) {
	ctx := context.Background()
	store := campaigns.NewMemoryStore()
	var dialing []string
	for i := 0; i < 3; i++ {
		c, err := store.CreateCampaign(ctx, campaigns.Campaign{OwnerID: "o", Credential: "k", OutboundNumber: "+14155550000", AgentID: "a"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if i == 2 {
			continue
		}
		if _, err := store.TransitionCampaign(ctx, c.ID, []campaigns.Status{campaigns.StatusScheduled}, campaigns.StatusDialing, true); err != nil {
			t.Fatalf("start: %v", err)
		}
		dialing = append(dialing, c.ID)
	}

	q := newMemQueue()
	n, err := NewWorker(q, nil, store, WorkerOptions{}).Recover(ctx)
	if err != nil || n != 2 {
		t.Fatalf("recover: %d %v", n, err)
	}
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		j, ok, err := q.Pop(ctx, time.Second)
		if err != nil || !ok || j.Reason != "recover" {
			t.Fatalf("pop: %+v %v %v", j, ok, err)
		}
		got[j.CampaignID] = true
	}
	for _, id := range dialing {
		if !got[id] {
			t.Fatalf("campaign %s not recovered", id)
		}
	}
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *countingProvider) ConcurrencyStatus(context.Context, string) (telephony.ConcurrencyStatus, error) {
	return telephony.ConcurrencyStatus{Current: 0, Limit: 1}, nil
}

func (p *countingProvider) CreateCall(context.Context, string, telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return telephony.CreateCallResult{CallID: fmt.Sprintf("call-%d", p.calls)}, nil
}

func TestWorker_RunsQueuedCampaignToCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := campaigns.NewMemoryStore()
	c, err := store.CreateCampaign(ctx, campaigns.Campaign{OwnerID: "o", Credential: "k", OutboundNumber: "+14155550000", AgentID: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.AddContacts(ctx, c.ID, []campaigns.Contact{{PhoneNumber: "+14155550101"}, {PhoneNumber: "+14155550102"}}); err != nil {
		t.Fatalf("contacts: %v", err)
	}

	q := newMemQueue()
	engine := dialer.NewEngine(store, &countingProvider{}, dialer.Options{Backoff: time.Millisecond})
	ctl := dialer.NewController(store, NewDispatcher(q), engine.Locker())
	if _, err := ctl.Start(ctx, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	// A duplicate job must be harmless.
	if err := NewDispatcher(q).Dispatch(ctx, c.ID, "resume"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	w := NewWorker(q, engine, store, WorkerOptions{Concurrency: 2, PollTimeout: 5 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.GetCampaign(ctx, c.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == campaigns.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("campaign not completed: %+v", got)
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	logs, _ := store.GetCallLogs(context.Background(), c.ID)
	if len(logs) != 2 {
		t.Fatalf("expected exactly 2 call logs, got %d", len(logs))
	}
}

func TestDecodeJob(t *testing.T) {
	j, err := decodeJob([]byte(`{"campaign_id":"c1","reason":"start","enqueued_at":"2026-01-02T03:04:05Z"}`))
	if err != nil || j.CampaignID != "c1" || j.Reason != "start" || j.EnqueuedAt.IsZero() {
		t.Fatalf("decode: %+v %v", j, err)
	}
	if _, err := decodeJob([]byte(`{}`)); !errors.Is(err, ErrMalformedJob) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if _, err := encodeJob(Job{}); !errors.Is(err, ErrMalformedJob) {
		t.Fatalf("expected malformed on encode, got %v", err)
	}
}
