// Package session stores revoked admin session ids until the tokens they
// belong to would have expired anyway.
package session

import (
	"context"
	"sync"
	"time"
)

const DefaultMaxRevoked = 10000

// MemoryStore is a process-local revocation list.  It is bounded: once
// full, the entry closest to expiry is evicted first.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	max     int
	now     func() time.Time
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxRevoked
	}
	return &MemoryStore{
		entries: make(map[string]time.Time),
		max:     maxEntries,
		now:     time.Now,
	}
}

func (s *MemoryStore) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if jti == "" || ttl <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, exists := s.entries[jti]; !exists && len(s.entries) >= s.max {
		s.purgeLocked(now)
		for len(s.entries) >= s.max {
			s.evictSoonestLocked()
		}
	}
	s.entries[jti] = now.Add(ttl)
	return nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.entries[jti]
	if !ok {
		return false, nil
	}
	if !s.now().Before(exp) {
		delete(s.entries, jti)
		return false, nil
	}
	return true, nil
}

// Len counts stored entries, including any not yet purged.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) purgeLocked(now time.Time) {
	for jti, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, jti)
		}
	}
}

func (s *MemoryStore) evictSoonestLocked() {
	var (
		victim string
		soonest time.Time
	)
	for jti, exp := range s.entries {
		if victim == "" || exp.Before(soonest) {
			victim, soonest = jti, exp
		}
	}
	delete(s.entries, victim)
}
