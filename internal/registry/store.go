package registry

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Store persists session records. The manager owns all lifecycle rules;
// stores only move bytes.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
	// IdleSince returns active or created sessions not seen since cutoff.
	IdleSince(ctx context.Context, cutoff time.Time) ([]*Session, error)
	OpenCount(ctx context.Context) (int, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
