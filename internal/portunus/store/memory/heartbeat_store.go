package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
)

// HeartbeatStore keeps heartbeat history in a slice.
type HeartbeatStore struct {
	mu   sync.RWMutex
	data []store.HeartbeatRecord
}

func NewHeartbeatStore() *HeartbeatStore {
	return &HeartbeatStore{}
}

func (s *HeartbeatStore) AppendHeartbeat(_ context.Context, rec store.HeartbeatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	s.data = append(s.data, rec)
	return nil
}

func (s *HeartbeatStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.data[:0]
	var deleted int64
	for _, rec := range s.data {
		if rec.ReceivedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.data = kept
	return deleted, nil
}

// Heartbeats returns a copy of the stored history (test helper).
func (s *HeartbeatStore) Heartbeats() []store.HeartbeatRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.HeartbeatRecord, len(s.data))
	copy(out, s.data)
	return out
}
