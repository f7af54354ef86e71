package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares session records between bridge replicas. Records
// are transient connection state, dropped on removal; this is not a
// call-history archive.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			token TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			subject_name TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_last_seen ON voice_sessions (last_seen_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, sess *Session) error {
	var closedAt *time.Time
	if !sess.ClosedAt.IsZero() {
		closedAt = &sess.ClosedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (token, subject_id, subject_name, conversation_id, status, created_at, last_seen_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (token) DO UPDATE SET
			status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at,
			closed_at = EXCLUDED.closed_at`,
		sess.Token,
		sess.SubjectID,
		sess.SubjectName,
		sess.ConversationID,
		sess.Status,
		sess.CreatedAt,
		sess.LastSeenAt,
		closedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, token string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT token, subject_id, subject_name, conversation_id, status, created_at, last_seen_at, closed_at
		 FROM voice_sessions WHERE token=$1`,
		token,
	)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Delete(ctx context.Context, token string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM voice_sessions WHERE token=$1`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) IdleSince(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token, subject_id, subject_name, conversation_id, status, created_at, last_seen_at, closed_at
		 FROM voice_sessions WHERE status <> $1 AND last_seen_at < $2`,
		StatusClosed,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()

	var idle []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		idle = append(idle, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return idle, nil
}

func (s *PostgresStore) OpenCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM voice_sessions WHERE status <> $1`, StatusClosed,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open sessions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	var closedAt *time.Time
	if err := row.Scan(
		&sess.Token,
		&sess.SubjectID,
		&sess.SubjectName,
		&sess.ConversationID,
		&sess.Status,
		&sess.CreatedAt,
		&sess.LastSeenAt,
		&closedAt,
	); err != nil {
		return nil, err
	}
	if closedAt != nil {
		sess.ClosedAt = *closedAt
	}
	return &sess, nil
}
