package persistence

import (
	"context"
	"sync"

	"github.com/apex-trading/apex-core/internal/model"
)

// MemStore is an in-memory Store for tests; it never touches a
// database, matching the core's own in-memory-only scope.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	history  map[string][]model.Message
}

func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]model.Session),
		history:  make(map[string][]model.Message),
	}
}

func (m *MemStore) SaveSession(ctx context.Context, session model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID.String()] = session
	return nil
}

func (m *MemStore) AppendMessage(ctx context.Context, sessionID string, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[sessionID] = append(m.history[sessionID], msg)
	return nil
}

func (m *MemStore) LoadHistory(ctx context.Context, sessionID string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.history[sessionID]...), nil
}
