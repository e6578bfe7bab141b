package campaigns

import (
	"context"
	"errors"
	"testing"
	"time"

	"campaign-dialer/internal/calls"
)

func seedCampaign(t *testing.T, s *MemoryStore, phones ...string) Campaign {
	t.Helper()
	c, err := s.CreateCampaign(context.Background(), Campaign{
		OwnerID:        "user-1",
		Title:          "spring outreach",
		Credential:     "key",
		OutboundNumber: "+14155550100",
		AgentID:        "agent-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	contacts := make([]Contact, 0, len(phones))
	for _, p := range phones {
		contacts = append(contacts, Contact{PhoneNumber: p, FirstName: "n" + p})
	}
	if err := s.AddContacts(context.Background(), c.ID, contacts); err != nil {
		t.Fatalf("add contacts: %v", err)
	}
	return c
}

func TestMemoryStore_CreateRejectsMissingFields(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.CreateCampaign(context.Background(), Campaign{OwnerID: "u"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestMemoryStore_TransitionGuardsHasRun(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "1")
	ctx := context.Background()

	got, err := s.TransitionCampaign(ctx, c.ID, Sources(EventStart), StatusDialing, true)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !got.HasRun || got.Status != StatusDialing {
		t.Fatalf("unexpected campaign: %+v", got)
	}
	if _, err := s.TransitionCampaign(ctx, c.ID, Sources(EventStart), StatusDialing, true); !errors.Is(err, ErrGuardViolation) {
		t.Fatalf("expected guard violation on second start, got %v", err)
	}

	done, err := s.TransitionCampaign(ctx, c.ID, Sources(EventFinish), StatusCompleted, false)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.Progress != 100 {
		t.Fatalf("expected progress pinned at 100, got %d", done.Progress)
	}
}

func TestMemoryStore_RecordDialRaisesProgress(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "1", "2", "3")
	ctx := context.Background()
	contacts, _ := s.GetContacts(ctx, c.ID)

	if _, err := s.RecordDial(ctx, contacts[0].ID, calls.CallLog{CallID: "a"}, time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got, _ := s.GetCampaign(ctx, c.ID); got.Progress != 33 {
		t.Fatalf("expected 33 after 1 of 3, got %d", got.Progress)
	}
	if _, err := s.RecordDial(ctx, contacts[1].ID, calls.CallLog{CallID: "b"}, time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got, _ := s.GetCampaign(ctx, c.ID); got.Progress != 67 {
		t.Fatalf("expected 67 after 2 of 3, got %d", got.Progress)
	}

	// More contacts lower the ratio; stored progress never goes back.
	if err := s.AddContacts(ctx, c.ID, []Contact{{PhoneNumber: "4"}, {PhoneNumber: "5"}, {PhoneNumber: "6"}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.RecordDial(ctx, contacts[2].ID, calls.CallLog{CallID: "c"}, time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got, _ := s.GetCampaign(ctx, c.ID); got.Progress != 67 {
		t.Fatalf("expected progress to stay at 67, got %d", got.Progress)
	}
}

func TestMemoryStore_RecordDialIsOnce(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "1", "2")
	ctx := context.Background()

	contacts, _ := s.GetContacts(ctx, c.ID)
	if contacts[0].Position != 0 || contacts[1].Position != 1 {
		t.Fatalf("expected import order positions, got %+v", contacts)
	}

	if err := s.FlagContactReview(ctx, contacts[0].ID, "timeout"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	log, err := s.RecordDial(ctx, contacts[0].ID, calls.CallLog{CallID: "call-a"}, time.Now())
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if log.CampaignID != c.ID || log.PhoneNumber != "1" {
		t.Fatalf("call log not populated from contact: %+v", log)
	}
	if _, err := s.RecordDial(ctx, contacts[0].ID, calls.CallLog{CallID: "call-b"}, time.Now()); !errors.Is(err, ErrAlreadyDialed) {
		t.Fatalf("expected ErrAlreadyDialed, got %v", err)
	}

	contacts, _ = s.GetContacts(ctx, c.ID)
	if contacts[0].CallID != "call-a" || contacts[0].ReviewRequired {
		t.Fatalf("unexpected contact after dial: %+v", contacts[0])
	}
	logs, _ := s.GetCallLogs(ctx, c.ID)
	if len(logs) != 1 {
		t.Fatalf("expected 1 call log, got %d", len(logs))
	}
}

func TestMemoryStore_DeleteCascades(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "1")
	ctx := context.Background()
	contacts, _ := s.GetContacts(ctx, c.ID)
	if _, err := s.RecordDial(ctx, contacts[0].ID, calls.CallLog{CallID: "x"}, time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := s.DeleteCampaign(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetCampaign(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	contacts, _ = s.GetContacts(ctx, c.ID)
	logs, _ := s.GetCallLogs(ctx, c.ID)
	if len(contacts) != 0 || len(logs) != 0 {
		t.Fatalf("expected cascade, got %d contacts %d logs", len(contacts), len(logs))
	}
}

func TestMemoryStore_UpdateCallLogOverwrites(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "1")
	ctx := context.Background()
	contacts, _ := s.GetContacts(ctx, c.ID)
	log, _ := s.RecordDial(ctx, contacts[0].ID, calls.CallLog{CallID: "x"}, time.Now())

	for _, reason := range []string{"user_hangup", "agent_hangup"} {
		if err := s.UpdateCallLog(ctx, log.ID, calls.Enrichment{DisconnectReason: reason, EnrichedAt: time.Now()}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	logs, _ := s.GetCallLogs(ctx, c.ID)
	if len(logs) != 1 || logs[0].DisconnectReason != "agent_hangup" || logs[0].CallID != "x" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}
