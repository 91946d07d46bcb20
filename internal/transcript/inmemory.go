package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps transcripts in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	turns   map[string][]TurnRecord
	reports map[string][]ReportRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:   make(map[string][]TurnRecord),
		reports: make(map[string][]ReportRecord),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.turns[record.ConversationID] = append(s.turns[record.ConversationID], record)
	return nil
}

// History returns the last limit turns in chronological order. A limit of
// zero returns all of them.
func (s *InMemoryStore) History(_ context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

// SaveReport upserts by cache key within a conversation.
func (s *InMemoryStore) SaveReport(_ context.Context, record ReportRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	arr := s.reports[record.ConversationID]
	for i := range arr {
		if arr[i].CacheKey == record.CacheKey && arr[i].TurnID == record.TurnID {
			arr[i] = record
			return nil
		}
	}
	s.reports[record.ConversationID] = append(arr, record)
	return nil
}

func (s *InMemoryStore) Reports(_ context.Context, conversationID string) ([]ReportRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.reports[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	return append([]ReportRecord(nil), arr...), nil
}

func (s *InMemoryStore) Close() error { return nil }
