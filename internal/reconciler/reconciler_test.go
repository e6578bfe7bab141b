package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func seed(t *testing.T, n int) (*campaigns.MemoryStore, campaigns.Campaign, []campaigns.Contact) {
	t.Helper()
	ctx := context.Background()
	store := campaigns.NewMemoryStore()
	c, err := store.CreateCampaign(ctx, campaigns.Campaign{OwnerID: "o", Credential: "k", OutboundNumber: "+14155550000", AgentID: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var in []campaigns.Contact
	for i := 0; i < n; i++ {
		in = append(in, campaigns.Contact{PhoneNumber: "+1415555010" + string(rune('0'+i))})
	}
	if err := store.AddContacts(ctx, c.ID, in); err != nil {
		t.Fatalf("add contacts: %v", err)
	}
	contacts, _ := store.GetContacts(ctx, c.ID)
	if _, err := store.TransitionCampaign(ctx, c.ID, []campaigns.Status{campaigns.StatusScheduled}, campaigns.StatusDialing, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	return store, c, contacts
}

type collector struct {
	mu    sync.Mutex
	snaps []Snapshot
	ch    chan Snapshot
}

func newCollector() *collector { return &collector{ch: make(chan Snapshot, 64)} }

func (c *collector) add(s Snapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
	c.ch <- s
}

func (c *collector) next(t *testing.T) Snapshot {
	t.Helper()
	select {
	case s := <-c.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestWatch_EmitsChangesUntilCompleted(t *testing.T) {
	store, c, contacts := seed(t, 2)
	ctx := context.Background()
	col := newCollector()

	h := New(store, time.Millisecond).Watch(ctx, c.ID, col.add)

	first := col.next(t)
	if first.Status != campaigns.StatusDialing || first.Dialed != 0 || first.Total != 2 {
		t.Fatalf("unexpected first snapshot %+v", first)
	}

	if _, err := store.RecordDial(ctx, contacts[0].ID, calls.CallLog{CallID: "c1"}, time.Now()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	for {
		s := col.next(t)
		if s.Progress == 50 && s.Dialed == 1 {
			break
		}
	}

	if _, err := store.TransitionCampaign(ctx, c.ID, []campaigns.Status{campaigns.StatusDialing}, campaigns.StatusCompleted, false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	waitDone(t, h)
	if h.Err() != nil {
		t.Fatalf("unexpected err: %v", h.Err())
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	last := col.snaps[len(col.snaps)-1]
	if last.Status != campaigns.StatusCompleted || last.Progress != 100 {
		t.Fatalf("last snapshot %+v", last)
	}
	for i := 1; i < len(col.snaps); i++ {
		if col.snaps[i].sameAs(col.snaps[i-1]) {
			t.Fatalf("duplicate snapshot emitted at %d", i)
		}
	}
}

func TestWatch_StopsWhenDeleted(t *testing.T) {
	store, c, _ := seed(t, 1)
	col := newCollector()
	h := New(store, time.Millisecond).Watch(context.Background(), c.ID, col.add)
	col.next(t)

	if err := store.DeleteCampaign(context.Background(), c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitDone(t, h)
	if !errors.Is(h.Err(), campaigns.ErrNotFound) {
		t.Fatalf("expected not found, got %v", h.Err())
	}
}

func TestWatch_StopIsIdempotent(t *testing.T) {
	store, c, _ := seed(t, 1)
	col := newCollector()
	h := New(store, time.Hour).Watch(context.Background(), c.ID, col.add)
	col.next(t)

	h.Stop()
	h.Stop()
	if h.Err() != nil {
		t.Fatalf("stop should end cleanly, got %v", h.Err())
	}
}

func TestWatch_ParentCancel(t *testing.T) {
	store, c, _ := seed(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	col := newCollector()
	h := New(store, time.Hour).Watch(ctx, c.ID, col.add)
	col.next(t)

	cancel()
	waitDone(t, h)
	if !errors.Is(h.Err(), context.Canceled) {
		t.Fatalf("expected canceled, got %v", h.Err())
	}
}

type flakyReader struct {
	Reader
	mu    sync.Mutex
	fails int
}

func (f *flakyReader) GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return campaigns.Campaign{}, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Reader.GetCampaign(ctx, id)
}

func TestWatch_RetriesReadErrors(t *testing.T) {
	store, c, _ := seed(t, 1)
	col := newCollector()
	h := New(&flakyReader{Reader: store, fails: 3}, time.Millisecond).Watch(context.Background(), c.ID, col.add)
	defer h.Stop()

	if s := col.next(t); s.Status != campaigns.StatusDialing {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestSnapshot_CountsPendingReviews(t *testing.T) {
	store, c, contacts := seed(t, 3)
	ctx := context.Background()
	if err := store.FlagContactReview(ctx, contacts[1].ID, "timeout"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	s, err := New(store, time.Second).Snapshot(ctx, c.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if s.ReviewPending != 1 || s.Total != 3 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}
