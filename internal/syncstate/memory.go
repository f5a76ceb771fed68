package syncstate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a single-process Store. It is used when no Redis is
// configured and in tests.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	lockedTil time.Time
	owner     string
	meta      Metadata
}

// NewMemoryStore creates a MemoryStore whose lock expires after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:  ttl,
		now:  time.Now,
		meta: Metadata{Status: StatusIdle},
	}
}

// SetClock overrides the time source (for tests).
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) AcquireLock(ctx context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Before(m.lockedTil) {
		return "", false, nil
	}
	m.owner = uuid.NewString()
	m.lockedTil = now.Add(m.ttl)
	return m.owner, true, nil
}

// ReleaseLock frees the lock only for the current owner; a holder whose
// TTL lapsed and was taken over releases nothing.
func (m *MemoryStore) ReleaseLock(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" || token != m.owner {
		return nil
	}
	m.owner = ""
	m.lockedTil = time.Time{}
	return nil
}

func (m *MemoryStore) IsLocked(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.lockedTil), nil
}

func (m *MemoryStore) ReadMetadata(ctx context.Context) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.meta
	if m.meta.LastSyncAt != nil {
		t := *m.meta.LastSyncAt
		out.LastSyncAt = &t
	}
	return out, nil
}

func (m *MemoryStore) WriteMetadata(ctx context.Context, p Patch) error {
	m.mu.Lock()
	p.Apply(&m.meta)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ClearMetadata(ctx context.Context) error {
	m.mu.Lock()
	m.meta = Metadata{Status: StatusIdle}
	m.mu.Unlock()
	return nil
}
