package qrsession

import (
	"context"
	"sync"
)

// MemoryStore keeps sessions in process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	active   map[int64]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session), active: make(map[int64]string)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) Active(_ context.Context, lectureID int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[lectureID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return clone(m.sessions[id]), nil
}

func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.State == StateActive {
		if _, ok := m.active[s.LectureID]; ok {
			return ErrActiveExists
		}
		m.active[s.LectureID] = s.ID
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	switch current, ok := m.active[s.LectureID]; {
	case s.State == StateActive && ok && current != s.ID:
		return ErrActiveExists
	case s.State == StateActive:
		m.active[s.LectureID] = s.ID
	case current == s.ID:
		delete(m.active, s.LectureID)
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func clone(s Session) Session {
	if s.LastUsedAt != nil {
		t := *s.LastUsedAt
		s.LastUsedAt = &t
	}
	return s
}
