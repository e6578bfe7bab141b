package dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/telephony"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProvider scripts check and launch outcomes by call number (1-based).
type fakeProvider struct {
	mu sync.Mutex

	check  func(n int) (telephony.ConcurrencyStatus, error)
	launch func(n int, req telephony.CreateCallRequest) (telephony.CreateCallResult, error)

	checks   int
	launched []string
}

func (f *fakeProvider) ConcurrencyStatus(_ context.Context, _ string) (telephony.ConcurrencyStatus, error) {
	f.mu.Lock()
	f.checks++
	n := f.checks
	fn := f.check
	f.mu.Unlock()
	if fn == nil {
		return telephony.ConcurrencyStatus{Current: 0, Limit: 10}, nil
	}
	return fn(n)
}

func (f *fakeProvider) CreateCall(_ context.Context, _ string, req telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
	f.mu.Lock()
	f.launched = append(f.launched, req.ToNumber)
	n := len(f.launched)
	fn := f.launch
	f.mu.Unlock()
	if fn != nil {
		return fn(n, req)
	}
	return telephony.CreateCallResult{CallID: fmt.Sprintf("call-%d", n), Status: "registered"}, nil
}

func (f *fakeProvider) numbers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launched...)
}

type fakeAllowance struct {
	mu        sync.Mutex
	remaining int64
}

func (a *fakeAllowance) Remaining(context.Context, string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remaining, nil
}

func (a *fakeAllowance) set(n int64) {
	a.mu.Lock()
	a.remaining = n
	a.mu.Unlock()
}

// RecordCall decrements the allowance so the fake behaves like a wallet.
func (a *fakeAllowance) RecordCall(context.Context, string, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remaining--
	return nil
}

type fakeAuditor struct {
	mu        sync.Mutex
	reviews   []string
	exhausted []string
}

func (a *fakeAuditor) LogLaunchReview(_ context.Context, _, _, contactID, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reviews = append(a.reviews, contactID)
	return nil
}

func (a *fakeAuditor) LogResourceExhausted(_ context.Context, _, _, contactID, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exhausted = append(a.exhausted, contactID)
	return nil
}

func testOptions() Options {
	return Options{Backoff: time.Millisecond, LaunchTimeout: time.Second, LeaseTTL: time.Second}
}

// seedCampaign creates a campaign with n contacts in dial order.
func seedCampaign(t *testing.T, store *campaigns.MemoryStore, n int) (campaigns.Campaign, []campaigns.Contact) {
	t.Helper()
	ctx := context.Background()
	c, err := store.CreateCampaign(ctx, campaigns.Campaign{
		OwnerID:        "owner-1",
		Title:          "spring",
		Credential:     "key",
		OutboundNumber: "+14155550000",
		AgentID:        "agent-1",
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	in := make([]campaigns.Contact, 0, n)
	for i := 1; i <= n; i++ {
		in = append(in, campaigns.Contact{PhoneNumber: fmt.Sprintf("+1415555%04d", i), FirstName: fmt.Sprintf("c%d", i)})
	}
	if err := store.AddContacts(ctx, c.ID, in); err != nil {
		t.Fatalf("add contacts: %v", err)
	}
	contacts, _ := store.GetContacts(ctx, c.ID)
	return c, contacts
}

func callLog(id string) calls.CallLog { return calls.CallLog{CallID: id} }

func startDialing(t *testing.T, store *campaigns.MemoryStore, id string) {
	t.Helper()
	if _, err := store.TransitionCampaign(context.Background(), id, campaigns.Sources(campaigns.EventStart), campaigns.StatusDialing, true); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func mustCampaign(t *testing.T, store *campaigns.MemoryStore, id string) campaigns.Campaign {
	t.Helper()
	c, err := store.GetCampaign(context.Background(), id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c
}

func dialedCount(t *testing.T, store *campaigns.MemoryStore, id string) int {
	t.Helper()
	contacts, err := store.GetContacts(context.Background(), id)
	if err != nil {
		t.Fatalf("get contacts: %v", err)
	}
	return campaigns.CountDialed(contacts)
}

func TestRun_WaitsForFreeSlot(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, _ := seedCampaign(t, store, 3)
	startDialing(t, store, c.ID)

	var progressAtCheck []int
	p := &fakeProvider{}
	p.check = func(n int) (telephony.ConcurrencyStatus, error) {
		progressAtCheck = append(progressAtCheck, mustCampaign(t, store, c.ID).Progress)
		switch n {
		case 1:
			return telephony.ConcurrencyStatus{Current: 0, Limit: 2}, nil
		case 2:
			return telephony.ConcurrencyStatus{Current: 1, Limit: 2}, nil
		case 3:
			return telephony.ConcurrencyStatus{Current: 2, Limit: 2}, nil
		default:
			return telephony.ConcurrencyStatus{Current: 1, Limit: 2}, nil
		}
	}

	if err := NewEngine(store, p, testOptions()).Run(context.Background(), c.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := len(p.numbers()); got != 3 {
		t.Fatalf("expected 3 launches, got %d", got)
	}
	want := []int{0, 33, 67, 67}
	if fmt.Sprint(progressAtCheck) != fmt.Sprint(want) {
		t.Fatalf("progress at checks = %v, want %v", progressAtCheck, want)
	}
	final := mustCampaign(t, store, c.ID)
	if final.Status != campaigns.StatusCompleted || final.Progress != 100 {
		t.Fatalf("unexpected final campaign %+v", final)
	}
	logs, _ := store.GetCallLogs(context.Background(), c.ID)
	if len(logs) != 3 {
		t.Fatalf("expected 3 call logs, got %d", len(logs))
	}
}

func TestRun_PauseStopsBeforeNextLaunch(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, contacts := seedCampaign(t, store, 5)

	p := &fakeProvider{}
	p.launch = func(n int, _ telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
		if n == 2 {
			if _, err := store.TransitionCampaign(context.Background(), c.ID, campaigns.Sources(campaigns.EventPause), campaigns.StatusPaused, false); err != nil {
				t.Errorf("pause: %v", err)
			}
		}
		return telephony.CreateCallResult{CallID: fmt.Sprintf("call-%d", n)}, nil
	}
	engine := NewEngine(store, p, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp := NewInlineDispatcher(ctx, engine)
	ctl := NewController(store, disp, engine.Locker())

	if _, err := ctl.Start(ctx, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	disp.Wait()

	paused := mustCampaign(t, store, c.ID)
	if paused.Status != campaigns.StatusPaused || paused.Progress != 40 {
		t.Fatalf("unexpected paused campaign %+v", paused)
	}
	if n := dialedCount(t, store, c.ID); n != 2 {
		t.Fatalf("expected 2 dialed before resume, got %d", n)
	}

	if _, err := ctl.Resume(ctx, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	disp.Wait()

	got := p.numbers()
	if len(got) != 5 || got[2] != contacts[2].PhoneNumber {
		t.Fatalf("unexpected launch order %v", got)
	}
	if final := mustCampaign(t, store, c.ID); final.Status != campaigns.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestRun_RetriesCleanLaunchFailure(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, contacts := seedCampaign(t, store, 2)
	startDialing(t, store, c.ID)

	var progressAtRetry int
	p := &fakeProvider{}
	p.launch = func(n int, _ telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
		switch n {
		case 1:
			return telephony.CreateCallResult{}, &telephony.ProviderError{Kind: telephony.ErrLaunchFailed, Op: "create-phone-call", StatusCode: 500}
		case 2:
			progressAtRetry = mustCampaign(t, store, c.ID).Progress
		}
		return telephony.CreateCallResult{CallID: fmt.Sprintf("call-%d", n)}, nil
	}

	if err := NewEngine(store, p, testOptions()).Run(context.Background(), c.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if progressAtRetry != 0 {
		t.Fatalf("progress advanced on failed attempt: %d", progressAtRetry)
	}
	got := p.numbers()
	if len(got) != 3 || got[0] != contacts[0].PhoneNumber || got[1] != contacts[0].PhoneNumber {
		t.Fatalf("expected first contact retried, got %v", got)
	}
	after, _ := store.GetContacts(context.Background(), c.ID)
	if after[0].CallID != "call-2" {
		t.Fatalf("expected call id from successful attempt, got %q", after[0].CallID)
	}
}

func TestRun_RestartSkipsDialedContacts(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, contacts := seedCampaign(t, store, 5)
	startDialing(t, store, c.ID)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := store.RecordDial(ctx, contacts[i].ID, callLog(fmt.Sprintf("prev-%d", i)), time.Now()); err != nil {
			t.Fatalf("seed dial: %v", err)
		}
	}

	p := &fakeProvider{}
	if err := NewEngine(store, p, testOptions()).Run(ctx, c.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{contacts[2].PhoneNumber, contacts[3].PhoneNumber, contacts[4].PhoneNumber}
	if fmt.Sprint(p.numbers()) != fmt.Sprint(want) {
		t.Fatalf("launched %v, want %v", p.numbers(), want)
	}
	after, _ := store.GetContacts(ctx, c.ID)
	if after[0].CallID != "prev-0" || after[1].CallID != "prev-1" {
		t.Fatalf("existing call ids changed: %+v", after[:2])
	}
}

func TestRun_HaltsOnExhaustedAllowanceAndResumes(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, contacts := seedCampaign(t, store, 6)

	allowance := &fakeAllowance{remaining: 3}
	auditor := &fakeAuditor{}
	opts := testOptions()
	opts.Allowance = allowance
	opts.Meter = allowance
	opts.Auditor = auditor
	opts.RemediationURL = "https://billing.example/top-up"

	p := &fakeProvider{}
	engine := NewEngine(store, p, opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startDialing(t, store, c.ID)

	err := engine.Run(ctx, c.ID)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || !errors.Is(err, telephony.ErrInsufficientResources) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if exhausted.ContactID != contacts[3].ID || exhausted.RemediationURL != opts.RemediationURL {
		t.Fatalf("unexpected exhausted error %+v", exhausted)
	}
	halted := mustCampaign(t, store, c.ID)
	if halted.Status != campaigns.StatusDialing || halted.Progress != 50 {
		t.Fatalf("unexpected halted campaign %+v", halted)
	}
	if logs, _ := store.GetCallLogs(ctx, c.ID); len(logs) != 3 {
		t.Fatalf("expected 3 call logs kept, got %d", len(logs))
	}
	if len(auditor.exhausted) != 1 || auditor.exhausted[0] != contacts[3].ID {
		t.Fatalf("exhaustion not audited: %+v", auditor.exhausted)
	}

	allowance.set(100)
	disp := NewInlineDispatcher(ctx, engine)
	if _, err := NewController(store, disp, engine.Locker()).Resume(ctx, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	disp.Wait()

	got := p.numbers()
	if len(got) != 6 || got[3] != contacts[3].PhoneNumber {
		t.Fatalf("unexpected launches %v", got)
	}
	if final := mustCampaign(t, store, c.ID); final.Status != campaigns.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestRun_ProviderRefusalIsExhaustion(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, _ := seedCampaign(t, store, 2)
	startDialing(t, store, c.ID)

	p := &fakeProvider{}
	p.launch = func(int, telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
		return telephony.CreateCallResult{}, &telephony.ProviderError{Kind: telephony.ErrInsufficientResources, Op: "create-phone-call", StatusCode: 402}
	}
	auditor := &fakeAuditor{}
	opts := testOptions()
	opts.Auditor = auditor

	err := NewEngine(store, p, opts).Run(context.Background(), c.ID)
	var pe *telephony.ProviderError
	if !errors.Is(err, telephony.ErrInsufficientResources) || !errors.As(err, &pe) || pe.StatusCode != 402 {
		t.Fatalf("expected provider refusal, got %v", err)
	}
	if got := mustCampaign(t, store, c.ID); got.Status != campaigns.StatusDialing || got.Progress != 0 {
		t.Fatalf("unexpected campaign %+v", got)
	}
	if len(p.numbers()) != 1 || len(auditor.exhausted) != 1 {
		t.Fatalf("expected a single refused launch, got %v", p.numbers())
	}
}

func TestRun_AmbiguousLaunchFlagsForReview(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, contacts := seedCampaign(t, store, 3)
	startDialing(t, store, c.ID)

	p := &fakeProvider{}
	p.launch = func(n int, _ telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
		if n == 2 {
			return telephony.CreateCallResult{}, &telephony.ProviderError{Kind: telephony.ErrAmbiguousLaunch, Op: "create-phone-call", StatusCode: 504}
		}
		return telephony.CreateCallResult{CallID: fmt.Sprintf("call-%d", n)}, nil
	}
	auditor := &fakeAuditor{}
	opts := testOptions()
	opts.Auditor = auditor
	engine := NewEngine(store, p, opts)
	ctx := context.Background()

	err := engine.Run(ctx, c.ID)
	var review *ReviewPendingError
	if !errors.As(err, &review) || review.ContactID != contacts[1].ID || !errors.Is(err, ErrReviewPending) {
		t.Fatalf("expected review pending for second contact, got %v", err)
	}
	after, _ := store.GetContacts(ctx, c.ID)
	if !after[1].ReviewRequired || after[1].Dialed() {
		t.Fatalf("contact not flagged: %+v", after[1])
	}
	if len(auditor.reviews) != 1 {
		t.Fatalf("review not audited")
	}

	// Still blocked without touching the provider.
	if err := engine.Run(ctx, c.ID); !errors.Is(err, ErrReviewPending) {
		t.Fatalf("expected review pending again, got %v", err)
	}
	if len(p.numbers()) != 2 {
		t.Fatalf("flagged contact was relaunched: %v", p.numbers())
	}

	ctl := NewController(store, NewInlineDispatcher(ctx, engine), engine.Locker())
	resolved, err := ctl.ResolveReview(ctx, c.ID, contacts[1].ID, "call-confirmed")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Progress != 67 {
		t.Fatalf("expected progress 67 after resolve, got %d", resolved.Progress)
	}

	if err := engine.Run(ctx, c.ID); err != nil {
		t.Fatalf("run after resolve: %v", err)
	}
	got := p.numbers()
	if len(got) != 3 || got[2] != contacts[2].PhoneNumber {
		t.Fatalf("unexpected launches %v", got)
	}
	if final := mustCampaign(t, store, c.ID); final.Status != campaigns.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestRun_ClearedReviewIsRedialed(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, contacts := seedCampaign(t, store, 1)
	startDialing(t, store, c.ID)
	ctx := context.Background()
	if err := store.FlagContactReview(ctx, contacts[0].ID, "timeout"); err != nil {
		t.Fatalf("flag: %v", err)
	}

	p := &fakeProvider{}
	engine := NewEngine(store, p, testOptions())
	ctl := NewController(store, NewInlineDispatcher(ctx, engine), engine.Locker())
	if _, err := ctl.ResolveReview(ctx, c.ID, contacts[0].ID, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := engine.Run(ctx, c.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(p.numbers()) != 1 {
		t.Fatalf("expected contact redialed once, got %v", p.numbers())
	}
}

func TestRun_UnavailableConcurrencyNeverLaunches(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, _ := seedCampaign(t, store, 1)
	startDialing(t, store, c.ID)

	var launchedAtCheck []int
	p := &fakeProvider{}
	p.check = func(n int) (telephony.ConcurrencyStatus, error) {
		launchedAtCheck = append(launchedAtCheck, len(p.numbers()))
		if n < 3 {
			return telephony.ConcurrencyStatus{}, fmt.Errorf("%w: connection refused", telephony.ErrUnavailable)
		}
		return telephony.ConcurrencyStatus{Current: 0, Limit: 1}, nil
	}

	if err := NewEngine(store, p, testOptions()).Run(context.Background(), c.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fmt.Sprint(launchedAtCheck) != "[0 0 0]" || len(p.numbers()) != 1 {
		t.Fatalf("launch happened during unavailable check: checks=%v launches=%v", launchedAtCheck, p.numbers())
	}
}

func TestRun_CancelWhileWaiting(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, _ := seedCampaign(t, store, 1)
	startDialing(t, store, c.ID)

	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{}
	p.check = func(n int) (telephony.ConcurrencyStatus, error) {
		if n == 3 {
			cancel()
		}
		return telephony.ConcurrencyStatus{Current: 1, Limit: 1}, nil
	}
	err := NewEngine(store, p, testOptions()).Run(ctx, c.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if len(p.numbers()) != 0 {
		t.Fatalf("launched while at capacity")
	}
}

func TestRun_SecondLoopRejected(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, _ := seedCampaign(t, store, 1)
	startDialing(t, store, c.ID)

	locker := NewMemoryLocker()
	lock, ok, _ := locker.TryLock(context.Background(), c.ID, time.Second)
	if !ok {
		t.Fatalf("expected lock")
	}
	defer lock.Release(context.Background())

	opts := testOptions()
	opts.Locker = locker
	p := &fakeProvider{}
	if err := NewEngine(store, p, opts).Run(context.Background(), c.ID); !errors.Is(err, ErrLoopActive) {
		t.Fatalf("expected loop active, got %v", err)
	}
	if len(p.numbers()) != 0 {
		t.Fatalf("second loop launched calls")
	}
}

type losingLocker struct{}

func (losingLocker) TryLock(context.Context, string, time.Duration) (Lock, bool, error) {
	return losingLock{}, true, nil
}

func (losingLocker) Held(context.Context, string) (bool, error) { return false, nil }

type losingLock struct{}

func (losingLock) Refresh(context.Context) error { return ErrLeaseLost }
func (losingLock) Release(context.Context) error { return nil }

func TestRun_LeaseLostStopsLoop(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, _ := seedCampaign(t, store, 1)
	startDialing(t, store, c.ID)

	opts := testOptions()
	opts.Locker = losingLocker{}
	opts.LeaseTTL = 3 * time.Millisecond
	p := &fakeProvider{}
	p.check = func(int) (telephony.ConcurrencyStatus, error) {
		return telephony.ConcurrencyStatus{Current: 1, Limit: 1}, nil
	}

	if err := NewEngine(store, p, opts).Run(context.Background(), c.ID); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lease lost, got %v", err)
	}
}

func TestRun_RejectsScheduledCampaign(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, _ := seedCampaign(t, store, 1)
	err := NewEngine(store, &fakeProvider{}, testOptions()).Run(context.Background(), c.ID)
	if !errors.Is(err, campaigns.ErrGuardViolation) {
		t.Fatalf("expected guard violation, got %v", err)
	}
}

func TestNextPending(t *testing.T) {
	contacts := []campaigns.Contact{{ID: "a", CallID: "x"}, {ID: "b"}, {ID: "c"}}
	if got, ok := nextPending(contacts); !ok || got.ID != "b" {
		t.Fatalf("unexpected next %+v %v", got, ok)
	}
	if _, ok := nextPending(contacts[:1]); ok {
		t.Fatalf("expected none pending")
	}
}

// failingStore fails selected writes and delegates everything else.
type failingStore struct {
	*campaigns.MemoryStore
	recordErr error
	flagErr   error
}

func (s *failingStore) RecordDial(ctx context.Context, contactID string, log calls.CallLog, at time.Time) (calls.CallLog, error) {
	if s.recordErr != nil {
		return calls.CallLog{}, s.recordErr
	}
	return s.MemoryStore.RecordDial(ctx, contactID, log, at)
}

func (s *failingStore) FlagContactReview(ctx context.Context, contactID, note string) error {
	if s.flagErr != nil {
		return s.flagErr
	}
	return s.MemoryStore.FlagContactReview(ctx, contactID, note)
}

func TestRun_FailedDialWriteStopsLoop(t *testing.T) {
	mem := campaigns.NewMemoryStore()
	c, _ := seedCampaign(t, mem, 3)
	startDialing(t, mem, c.ID)

	errDisk := errors.New("disk full")
	store := &failingStore{MemoryStore: mem, recordErr: errDisk}
	p := &fakeProvider{}

	err := NewEngine(store, p, testOptions()).Run(context.Background(), c.ID)
	if !errors.Is(err, errDisk) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
	if n := len(p.numbers()); n != 1 {
		t.Fatalf("expected exactly one launch before stopping, got %d", n)
	}
	got := mustCampaign(t, mem, c.ID)
	if got.Status != campaigns.StatusDialing || got.Progress != 0 {
		t.Fatalf("expected untouched dialing campaign, got %+v", got)
	}
}

func TestRun_FailedReviewFlagStopsLoop(t *testing.T) {
	mem := campaigns.NewMemoryStore()
	c, _ := seedCampaign(t, mem, 3)
	startDialing(t, mem, c.ID)

	errDisk := errors.New("disk full")
	store := &failingStore{MemoryStore: mem, flagErr: errDisk}
	p := &fakeProvider{launch: func(int, telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
		return telephony.CreateCallResult{}, telephony.ErrAmbiguousLaunch
	}}

	err := NewEngine(store, p, testOptions()).Run(context.Background(), c.ID)
	if !errors.Is(err, errDisk) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
	if n := len(p.numbers()); n != 1 {
		t.Fatalf("expected exactly one launch before stopping, got %d", n)
	}
	if got := mustCampaign(t, mem, c.ID); got.Status != campaigns.StatusDialing {
		t.Fatalf("expected dialing, got %s", got.Status)
	}
}

func TestRun_ShutdownDuringLaunchRecordsCall(t *testing.T) {
	store := campaigns.NewMemoryStore()
	c, _ := seedCampaign(t, store, 2)
	startDialing(t, store, c.ID)

	accepted := make(chan struct{})
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get-concurrency":
			_, _ = io.WriteString(w, `{"current_concurrency":0,"concurrency_limit":5}`)
		case "/v2/create-phone-call":
			if creates.Add(1) == 1 {
				close(accepted)
			}
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"call_id":"call-live","call_status":"registered"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	transport := &http.Transport{}
	t.Cleanup(func() {
		transport.CloseIdleConnections()
		srv.Close()
	})
	client := telephony.NewRetellClient(telephony.RetellConfig{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Transport: transport},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- NewEngine(store, client, testOptions()).Run(ctx, c.ID) }()

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("launch never reached the provider")
	}
	cancel()

	var err error
	select {
	case err = <-errc:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := creates.Load(); n != 1 {
		t.Fatalf("expected one create request, got %d", n)
	}

	contacts, _ := store.GetContacts(context.Background(), c.ID)
	if contacts[0].CallID != "call-live" || contacts[0].ReviewRequired {
		t.Fatalf("in-flight call must be recorded, not flagged: %+v", contacts[0])
	}
	if contacts[1].Dialed() {
		t.Fatalf("no launch may start after shutdown: %+v", contacts[1])
	}
	if got := mustCampaign(t, store, c.ID); got.Progress != 50 {
		t.Fatalf("expected progress 50, got %d", got.Progress)
	}
}
