package message

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded Store used by tests and local development.
// It applies the same transition guards as the Postgres store.
type MemoryStore struct {
	mu        sync.Mutex
	messages  map[string]Message
	scheduled map[string]ScheduledMessage
	contacts  map[string]Contact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string]Message),
		scheduled: make(map[string]ScheduledMessage),
		contacts:  make(map[string]Contact),
	}
}

// PutContact seeds a contact. Contact CRUD is out of the engine's scope, so
// the durable store only ever reads contacts.
func (s *MemoryStore) PutContact(c Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

func (s *MemoryStore) CreateMessage(_ context.Context, m Message) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ProviderID != nil {
		for _, existing := range s.messages {
			if existing.ProviderID != nil && *existing.ProviderID == *m.ProviderID {
				return existing, true, nil
			}
		}
	}
	m.UpdatedAt = m.CreatedAt
	s.messages[m.ID] = m
	return m, false, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) GetMessageByProviderID(_ context.Context, providerID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ProviderID != nil && *m.ProviderID == providerID {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *MemoryStore) MessageForScheduled(_ context.Context, scheduledID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ScheduledMessageID != nil && *m.ScheduledMessageID == scheduledID {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *MemoryStore) MarkMessageSent(_ context.Context, id, providerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Status != StatusPending {
		return false, nil
	}
	m.ProviderID = &providerID
	m.Status = StatusSent
	m.UpdatedAt = time.Now().UTC()
	s.messages[id] = m
	return true, nil
}

func (s *MemoryStore) ApplyStatus(_ context.Context, id string, upd StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || !CanTransition(m.Status, upd.Status) {
		return false, nil
	}
	m.Status = upd.Status
	if upd.ErrorCode != nil {
		m.ErrorCode = upd.ErrorCode
	}
	if upd.ErrorMessage != nil {
		m.ErrorMessage = upd.ErrorMessage
	}
	m.UpdatedAt = time.Now().UTC()
	s.messages[id] = m
	return true, nil
}

func (s *MemoryStore) CreateScheduledMessage(_ context.Context, sm ScheduledMessage) (ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm.UpdatedAt = sm.CreatedAt
	s.scheduled[sm.ID] = sm
	return sm, nil
}

func (s *MemoryStore) GetScheduledMessage(_ context.Context, id string) (ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.scheduled[id]
	if !ok {
		return ScheduledMessage{}, ErrNotFound
	}
	return sm, nil
}

func (s *MemoryStore) ListScheduledMessages(_ context.Context) ([]ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledMessage, 0, len(s.scheduled))
	for _, sm := range s.scheduled {
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	return out, nil
}

func (s *MemoryStore) DueScheduledMessages(_ context.Context, now time.Time) ([]ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledMessage
	for _, sm := range s.scheduled {
		if sm.Status == SchedulePending && !sm.SendAt.After(now) {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	return out, nil
}

func (s *MemoryStore) MarkScheduledSent(_ context.Context, id string) (bool, error) {
	return s.markScheduled(id, ScheduleSent, nil)
}

func (s *MemoryStore) MarkScheduledFailed(_ context.Context, id, reason string) (bool, error) {
	return s.markScheduled(id, ScheduleFailed, &reason)
}

func (s *MemoryStore) markScheduled(id string, status ScheduleStatus, reason *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.scheduled[id]
	if !ok || sm.Status != SchedulePending {
		return false, nil
	}
	sm.Status = status
	sm.ErrorMessage = reason
	sm.UpdatedAt = time.Now().UTC()
	s.scheduled[id] = sm
	return true, nil
}

func (s *MemoryStore) CancelScheduledMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.scheduled[id]
	if !ok {
		return ErrNotFound
	}
	if sm.Status != SchedulePending {
		return ErrNotCancellable
	}
	for _, m := range s.messages {
		if m.ScheduledMessageID != nil && *m.ScheduledMessageID == id {
			// The scheduler already dispatched this row; the cancellation
			// loses the race.
			return ErrNotCancellable
		}
	}
	sm.Status = ScheduleCancelled
	sm.UpdatedAt = time.Now().UTC()
	s.scheduled[id] = sm
	return nil
}

func (s *MemoryStore) GetContact(_ context.Context, id string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) GetContactByPhone(_ context.Context, phone string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.Phone == phone {
			return c, nil
		}
	}
	return Contact{}, ErrNotFound
}

func (s *MemoryStore) GetContactByEmail(_ context.Context, email string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.Email == email {
			return c, nil
		}
	}
	return Contact{}, ErrNotFound
}
