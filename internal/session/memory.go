package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	rec       *Record
	expiresAt time.Time
}

// MemoryStore keeps records in process. It is the development default and
// does not survive restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	ttl      time.Duration
	now      func() time.Time
	onExpire func(*Record)
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemoryStore) SetExpireHook(hook func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *MemoryStore) Get(_ context.Context, callID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[callID]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}
	return e.rec.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Version++
	m.sessions[rec.CallID] = &memoryEntry{rec: rec.Clone(), expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, rec *Record, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if e, ok := m.sessions[rec.CallID]; ok && m.now().Before(e.expiresAt) {
		current = e.rec.Version
	}
	if current != expected {
		return ErrConflict
	}
	rec.Version = expected + 1
	m.sessions[rec.CallID] = &memoryEntry{rec: rec.Clone(), expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// ActiveCount reports live records whose call has not ended.
func (m *MemoryStore) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	count := 0
	for _, e := range m.sessions {
		if e.rec.Status == StatusActive && now.Before(e.expiresAt) {
			count++
		}
	}
	return count
}

// StartJanitor evicts expired records until ctx is done.
func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expire()
			}
		}
	}()
}

func (m *MemoryStore) expire() {
	now := m.now()
	var expired []*Record

	m.mu.Lock()
	for id, e := range m.sessions {
		if now.Before(e.expiresAt) {
			continue
		}
		expired = append(expired, e.rec)
		delete(m.sessions, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, rec := range expired {
			hook(rec)
		}
	}
}
