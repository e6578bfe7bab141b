package campaigns

import (
	"context"
	"sort"
	"sync"
	"time"

	"campaign-dialer/internal/calls"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-process development.
// It honors the same conditional-update semantics as the Postgres store.
type MemoryStore struct {
	mu sync.Mutex

	campaigns map[string]Campaign
	contacts  map[string]Contact
	logs      map[string]calls.CallLog

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: map[string]Campaign{},
		contacts:  map[string]Contact{},
		logs:      map[string]calls.CallLog{},
		clock:     time.Now,
	}
}

func (s *MemoryStore) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	if err := validateCampaign(c); err != nil {
		return Campaign{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Status = StatusScheduled
	c.Progress = 0
	c.HasRun = false
	c.CreatedAt = now
	c.UpdatedAt = now
	s.campaigns[c.ID] = c
	return c, nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListCampaignsByStatus(ctx context.Context, status Status) ([]Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Campaign, 0)
	for _, c := range s.campaigns {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TransitionCampaign(ctx context.Context, id string, from []Status, to Status, markRun bool) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	if !containsStatus(from, c.Status) || (markRun && c.HasRun) {
		return c, ErrGuardViolation
	}
	c.Status = to
	if markRun {
		c.HasRun = true
	}
	if to == StatusCompleted {
		c.Progress = 100
	}
	c.UpdatedAt = s.clock().UTC()
	s.campaigns[id] = c
	return c, nil
}

func (s *MemoryStore) DeleteCampaign(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return ErrNotFound
	}
	for k, ct := range s.contacts {
		if ct.CampaignID == id {
			delete(s.contacts, k)
		}
	}
	for k, l := range s.logs {
		if l.CampaignID == id {
			delete(s.logs, k)
		}
	}
	delete(s.campaigns, id)
	return nil
}

func (s *MemoryStore) AddContacts(ctx context.Context, campaignID string, contacts []Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaignID]; !ok {
		return ErrNotFound
	}
	next := 0
	for _, ct := range s.contacts {
		if ct.CampaignID == campaignID && ct.Position >= next {
			next = ct.Position + 1
		}
	}
	now := s.clock().UTC()
	for _, ct := range contacts {
		if ct.PhoneNumber == "" {
			return ErrInvalidArgument
		}
		if ct.ID == "" {
			ct.ID = uuid.NewString()
		}
		ct.CampaignID = campaignID
		ct.Position = next
		ct.CallID = ""
		ct.DialedAt = nil
		ct.CreatedAt = now
		s.contacts[ct.ID] = ct
		next++
	}
	return nil
}

func (s *MemoryStore) GetContacts(ctx context.Context, campaignID string) ([]Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Contact, 0)
	for _, ct := range s.contacts {
		if ct.CampaignID == campaignID {
			out = append(out, ct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) RecordDial(ctx context.Context, contactID string, log calls.CallLog, at time.Time) (calls.CallLog, error) {
	if log.CallID == "" {
		return calls.CallLog{}, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.contacts[contactID]
	if !ok {
		return calls.CallLog{}, ErrNotFound
	}
	if ct.Dialed() {
		return calls.CallLog{}, ErrAlreadyDialed
	}
	at = at.UTC()
	ct.CallID = log.CallID
	ct.DialedAt = &at
	ct.ReviewRequired = false
	ct.ReviewNote = ""
	s.contacts[contactID] = ct

	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	log.CampaignID = ct.CampaignID
	log.ContactID = ct.ID
	log.PhoneNumber = ct.PhoneNumber
	log.FirstName = ct.FirstName
	log.CreatedAt = at
	s.logs[log.ID] = log

	dialed, total := 0, 0
	for _, other := range s.contacts {
		if other.CampaignID == ct.CampaignID {
			total++
			if other.Dialed() {
				dialed++
			}
		}
	}
	if c, ok := s.campaigns[ct.CampaignID]; ok {
		if p := Progress(dialed, total); p > c.Progress {
			c.Progress = p
			c.UpdatedAt = s.clock().UTC()
			s.campaigns[c.ID] = c
		}
	}
	return log, nil
}

func (s *MemoryStore) FlagContactReview(ctx context.Context, contactID, note string) error {
	return s.setReview(contactID, true, note)
}

func (s *MemoryStore) ClearContactReview(ctx context.Context, contactID string) error {
	return s.setReview(contactID, false, "")
}

func (s *MemoryStore) setReview(contactID string, flag bool, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	if ct.Dialed() {
		return ErrAlreadyDialed
	}
	ct.ReviewRequired = flag
	ct.ReviewNote = note
	s.contacts[contactID] = ct
	return nil
}

func (s *MemoryStore) GetCallLogs(ctx context.Context, campaignID string) ([]calls.CallLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.CallLog, 0)
	for _, l := range s.logs {
		if l.CampaignID == campaignID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return s.contacts[out[i].ContactID].Position < s.contacts[out[j].ContactID].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateCallLog(ctx context.Context, id string, e calls.Enrichment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return ErrNotFound
	}
	s.logs[id] = e.Apply(l)
	return nil
}
