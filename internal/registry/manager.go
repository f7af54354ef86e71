package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Manager owns the canonical session records and all lifecycle rules:
// token generation, forward-only status transitions, idempotent removal
// and idle expiry. The bridge only ever looks sessions up by token.
type Manager struct {
	store    Store
	ttl      time.Duration
	onExpire func(*Session)
}

func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Manager{store: store, ttl: ttl}
}

// SetExpireHook registers a callback invoked for each session the
// janitor expires. Must be called before StartJanitor.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.onExpire = hook
}

func (m *Manager) Create(ctx context.Context, subjectID, subjectName, conversationID string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		Token:          uuid.NewString(),
		SubjectID:      subjectID,
		SubjectName:    subjectName,
		ConversationID: conversationID,
		Status:         StatusCreated,
		CreatedAt:      now,
		LastSeenAt:     now,
	}
	if err := m.store.Save(ctx, s); err != nil {
		return nil, err
	}
	return clone(s), nil
}

func (m *Manager) Get(ctx context.Context, token string) (*Session, error) {
	return m.store.Get(ctx, token)
}

// Touch refreshes the idle clock for a live session.
func (m *Manager) Touch(ctx context.Context, token string) error {
	s, err := m.store.Get(ctx, token)
	if err != nil {
		return err
	}
	s.LastSeenAt = time.Now().UTC()
	return m.store.Save(ctx, s)
}

// Activate records the upstream engine handshake. Transitions are
// forward-only: activating an already active session is a no-op,
// activating a closed one is an error.
func (m *Manager) Activate(ctx context.Context, token string) error {
	s, err := m.store.Get(ctx, token)
	if err != nil {
		return err
	}
	switch s.Status {
	case StatusActive:
		return nil
	case StatusClosed:
		return fmt.Errorf("session %s already closed", token)
	}
	s.Status = StatusActive
	s.LastSeenAt = time.Now().UTC()
	return m.store.Save(ctx, s)
}

// Remove closes and deletes a session. Unknown or already removed
// tokens are a no-op: abrupt client disconnects race with explicit end
// requests, and both converge here.
func (m *Manager) Remove(ctx context.Context, token string) error {
	if _, err := m.store.Get(ctx, token); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return m.store.Delete(ctx, token)
}

func (m *Manager) OpenCount(ctx context.Context) int {
	count, err := m.store.OpenCount(ctx)
	if err != nil {
		return 0
	}
	return count
}

// StartJanitor periodically removes sessions idle past the TTL.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle(ctx)
			}
		}
	}()
}

func (m *Manager) expireIdle(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.ttl)
	idle, err := m.store.IdleSince(ctx, cutoff)
	if err != nil {
		return
	}
	for _, s := range idle {
		if err := m.store.Delete(ctx, s.Token); err != nil {
			continue
		}
		s.Status = StatusClosed
		s.ClosedAt = time.Now().UTC()
		if m.onExpire != nil {
			m.onExpire(s)
		}
	}
}
