package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. Used by the memory driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	entry, ok := s.entries[id]
	if ok && !entry.expired(now) {
		if entry.Fingerprint != fingerprint {
			return 0, Entry{}, ErrFingerprintMismatch
		}
		return entry.state(), entry, nil
	}
	entry = Entry{Key: key, Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	s.entries[id] = entry
	return StateNew, entry, nil
}

func (s *MemoryStore) Complete(_ context.Context, entry Entry, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(entry.Key)
	if current, ok := s.entries[id]; ok && current.Fingerprint != entry.Fingerprint {
		return ErrFingerprintMismatch
	}
	entry.Completed = true
	entry.Header = replayableHeader(entry.Header)
	entry.Body = append([]byte(nil), entry.Body...)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.ExpiresAt = now.Add(ttl)
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, documentID(key))
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if entry.expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
