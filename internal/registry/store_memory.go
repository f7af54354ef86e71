package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default single-process store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = clone(sess)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *MemoryStore) IdleSince(_ context.Context, cutoff time.Time) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var idle []*Session
	for _, sess := range s.sessions {
		if sess.Status == StatusClosed {
			continue
		}
		if sess.LastSeenAt.Before(cutoff) {
			idle = append(idle, clone(sess))
		}
	}
	return idle, nil
}

func (s *MemoryStore) OpenCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.Status != StatusClosed {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error { return nil }

func clone(s *Session) *Session {
	c := *s
	return &c
}
