package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Expired records are dropped lazily
// on access.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	record  Record
	expires time.Time
}

// NewMemoryStore creates a store whose records expire after ttl. A zero ttl
// keeps records until deleted.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		records: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) expiry() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(s.ttl)
}

func (s *MemoryStore) live(e memoryEntry) bool {
	return e.expires.IsZero() || s.now().Before(e.expires)
}

func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ClientID] = memoryEntry{record: *record, expires: s.expiry()}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, clientID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[clientID]
	if !ok {
		return nil, nil
	}
	if !s.live(e) {
		delete(s.records, clientID)
		return nil, nil
	}
	r := e.record
	return &r, nil
}

func (s *MemoryStore) Delete(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, clientID)
	return nil
}

func (s *MemoryStore) RefreshTTL(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[clientID]
	if !ok || !s.live(e) {
		return nil
	}
	e.expires = s.expiry()
	s.records[clientID] = e
	return nil
}
