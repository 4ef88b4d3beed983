package memory

import (
	"context"
	"sync"
)

// InMemory is a process-local Store. History does not survive a restart.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]History
	maxTurns int
}

// NewInMemory returns an empty store. maxTurns > 0 trims each session to
// its most recent turns after every append, rounded down to whole pairs.
func NewInMemory(maxTurns int) *InMemory {
	return &InMemory{sessions: make(map[string]History), maxTurns: PairCap(maxTurns)}
}

func (m *InMemory) Load(_ context.Context, sessionID string) (History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.sessions[sessionID]
	out := make(History, len(h))
	copy(out, h)
	return out, nil
}

func (m *InMemory) Append(_ context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.sessions[sessionID], turns...)
	m.sessions[sessionID] = h.Last(m.maxTurns)
	return nil
}

// Len reports how many turns are stored for a session.
func (m *InMemory) Len(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[sessionID])
}
