package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryService is an in-process Service for tests and single-node use.
type MemoryService struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
	fences  map[string]int64
}

var _ Service = (*MemoryService)(nil)

// NewMemoryService creates an in-memory lock service using the wall clock.
func NewMemoryService() *MemoryService {
	return NewMemoryServiceWithClock(time.Now)
}

// NewMemoryServiceWithClock creates an in-memory lock service whose lease
// expiry follows now.
func NewMemoryServiceWithClock(now func() time.Time) *MemoryService {
	return &MemoryService{
		now:     now,
		entries: make(map[string]memoryEntry),
		fences:  make(map[string]int64),
	}
}

func (s *MemoryService) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return nil, ErrBusy
	}

	token := uuid.NewString()
	s.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	s.fences[key]++
	return &Lease{
		Key:       key,
		Token:     token,
		Fence:     s.fences[key],
		ExpiresAt: now.Add(ttl),
	}, nil
}

func (s *MemoryService) Renew(_ context.Context, lease *Lease, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[lease.Key]
	if !ok || e.token != lease.Token || !now.Before(e.expiresAt) {
		return ErrLost
	}
	e.expiresAt = now.Add(ttl)
	s.entries[lease.Key] = e
	lease.ExpiresAt = e.expiresAt
	return nil
}

func (s *MemoryService) Release(_ context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[lease.Key]
	if !ok || e.token != lease.Token {
		return ErrLost
	}
	delete(s.entries, lease.Key)
	return nil
}
