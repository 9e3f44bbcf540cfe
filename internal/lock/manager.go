package lock

import (
	"sync"
	"time"
)

// Token marks a deployment in flight for a delivery group.
type Token struct {
	RecordID   string
	AcquiredAt time.Time
}

// Manager enforces "one active deployment at a time" per delivery group.
//
// The unit of mutual exclusion is the existence of a token, not a held
// mutex: the token is acquired during admission and released by whichever
// goroutine drives the owning record to a terminal state (the async
// runner, the engine callback handler, or the stuck-deployment reaper).
// A single mutex guards the token map, held only for the check-and-set.
type Manager struct {
	mu   sync.Mutex
	held map[string]Token
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{held: make(map[string]Token)}
}

// TryAcquire attempts to mark a deployment in flight for the group.
//
// Returns true if the token was acquired. Returns false if another
// deployment already holds the group; the caller should reject with
// CONCURRENCY_LIMIT_REACHED. Non-blocking.
func (m *Manager) TryAcquire(groupID, recordID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.held[groupID]; exists {
		return false
	}
	m.held[groupID] = Token{RecordID: recordID, AcquiredAt: time.Now().UTC()}
	return true
}

// Release frees the group's token. Safe to call when no token is held.
func (m *Manager) Release(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, groupID)
}

// Holder reports the token currently held for a group, if any.
func (m *Manager) Holder(groupID string) (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.held[groupID]
	return tok, ok
}

// Seed installs a token unconditionally. Used at startup to rebuild
// tokens for records that were non-terminal when the process stopped.
func (m *Manager) Seed(groupID, recordID string, acquiredAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[groupID] = Token{RecordID: recordID, AcquiredAt: acquiredAt}
}
