package store

import (
	"context"
	"sync"

	"github.com/resqlink/resqlink/internal/models"
)

// MemoryStore is a conforming in-memory Store for tests and dev runs. It
// is selected explicitly via config, never as a silent runtime fallback.
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[Collection][]*models.Message
	locations []*models.LocationPoint
	settings  map[string]string
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		messages: map[Collection][]*models.Message{},
		settings: map[string]string{},
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func (s *MemoryStore) PutMessage(ctx context.Context, c Collection, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[c] = append(s.messages[c], m.Clone())
	return nil
}

func (s *MemoryStore) find(c Collection, id string) *models.Message {
	for _, m := range s.messages[c] {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, c Collection, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.find(c, id); m != nil {
		return m.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, c Collection) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Message, 0, len(s.messages[c]))
	for _, m := range s.messages[c] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *MemoryStore) RemoveMessage(ctx context.Context, c Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[c]
	for i, m := range msgs {
		if m.ID == id {
			s.messages[c] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, c Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[c] = nil
	return nil
}

func (s *MemoryStore) KnownIDs(ctx context.Context) (map[string]Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]Collection)
	for c, msgs := range s.messages {
		for _, m := range msgs {
			ids[m.ID] = c
		}
	}
	return ids, nil
}

func (s *MemoryStore) SetDeliveryState(ctx context.Context, c Collection, id, transportID string, state models.DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.find(c, id); m != nil {
		if m.DeliveryState == nil {
			m.DeliveryState = map[string]models.DeliveryState{}
		}
		m.DeliveryState[transportID] = state
	}
	return nil
}

func (s *MemoryStore) AddReceivedVia(ctx context.Context, c Collection, id, transportID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.find(c, id); m != nil && !m.SeenVia(transportID) {
		m.ReceivedVia = append(m.ReceivedVia, transportID)
	}
	return nil
}

func (s *MemoryStore) AppendLocation(ctx context.Context, p *models.LocationPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = append(s.locations, p)
	if len(s.locations) > models.MaxLocations {
		s.locations = s.locations[len(s.locations)-models.MaxLocations:]
	}
	return nil
}

func (s *MemoryStore) ListLocations(ctx context.Context) ([]*models.LocationPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.LocationPoint(nil), s.locations...), nil
}

func (s *MemoryStore) ClearLocations(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = nil
	return nil
}

func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key], nil
}

func (s *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemoryStore) RemoveSetting(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, key)
	return nil
}

func (s *MemoryStore) ListSettings(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}
