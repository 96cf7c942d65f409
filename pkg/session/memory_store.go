package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/ctxlab/internal/observability"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Ensure(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		sess = &Session{ID: id, CreatedAt: time.Now()}
		m.sessions[id] = sess
		observability.SetActiveSessions(len(m.sessions))
	}
	return sess.clone(), nil
}

func (m *MemoryStore) AppendTurn(ctx context.Context, id string, turn Turn) error {
	if err := validateTurn(turn); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return &NotFoundError{ID: id}
	}

	var last time.Time
	if n := len(sess.Turns); n > 0 {
		last = sess.Turns[n-1].Timestamp
	}
	sess.Turns = append(sess.Turns, stamp(turn, last))
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return sess.clone(), nil
}

func (m *MemoryStore) Clear(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	sess.Turns = nil
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return &NotFoundError{ID: id}
	}
	delete(m.sessions, id)
	observability.SetActiveSessions(len(m.sessions))
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
