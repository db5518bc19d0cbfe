package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNotFound is returned when a session id is unknown, expired or evicted.
var ErrNotFound = errors.New("session not found")

// Store owns session records. Implementations must return copies so callers
// never share memory with the stored record.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]*Session, error)
}

// Default bounds for MemoryStore.
const (
	DefaultStoreCapacity = 1000
	DefaultSessionTTL    = 24 * time.Hour
)

// MemoryStore keeps sessions in process memory, bounded by capacity and
// expiring entries TTL after their last write.
type MemoryStore struct {
	cache *expirable.LRU[string, *Session]
}

// NewMemoryStore creates a MemoryStore. Non-positive arguments use defaults.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemoryStore{cache: expirable.NewLRU[string, *Session](capacity, nil, ttl)}
}

// Get returns a copy of the session with the given id.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Put stores a copy of s, replacing any existing record with the same id.
func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("session: put: id is required")
	}
	m.cache.Add(s.ID, s.Clone())
	return nil
}

// Delete removes a session. Deleting an unknown id is not an error.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.cache.Remove(id)
	return nil
}

// ListActive returns copies of all non-terminal sessions, oldest first.
func (m *MemoryStore) ListActive(_ context.Context) ([]*Session, error) {
	var out []*Session
	// Values is ordered oldest to newest.
	for _, s := range m.cache.Values() {
		if !s.Status.Terminal() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

// Len returns the number of sessions currently held.
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}
