package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationSmartSessions is the SQL DDL for the smart_sessions table. It is
// safe to execute multiple times (uses IF NOT EXISTS). The migrate
// subcommand runs this at deploy time.
const MigrationSmartSessions = `
CREATE TABLE IF NOT EXISTS smart_sessions (
    id           TEXT PRIMARY KEY,
    session_json JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_smart_sessions_expires_at
    ON smart_sessions (expires_at);
`

// PGSessionStore is a PostgreSQL-backed SessionStore. Sessions are stored
// whole as JSONB; every Put replaces the record and slides its expiry
// forward by the TTL.
type PGSessionStore struct {
	db  pgConn
	ttl time.Duration
}

// NewPGSessionStore creates a PG-backed session store. Use
// NewPGSessionStoreFromPool to wrap a *pgxpool.Pool, or pass a mock in
// tests.
func NewPGSessionStore(db pgConn, ttl time.Duration) *PGSessionStore {
	return &PGSessionStore{db: db, ttl: ttl}
}

// NewPGSessionStoreFromPool creates a PG-backed session store directly from
// a *pgxpool.Pool. This is the recommended constructor for production use.
func NewPGSessionStoreFromPool(pool *pgxpool.Pool, ttl time.Duration) *PGSessionStore {
	return &PGSessionStore{db: &pgxPoolWrapper{pool: pool}, ttl: ttl}
}

// Get selects the session only if it has not expired. Returns (nil, nil)
// when absent.
func (s *PGSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	const query = `SELECT session_json FROM smart_sessions
WHERE id = $1 AND expires_at > now()`

	var data []byte
	if err := s.db.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess := &Session{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

// Put inserts or replaces (upsert) the session whole. The single-statement
// upsert keeps the write atomic: readers see either the old record or the
// new one, never a partial token.
func (s *PGSessionStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	const query = `INSERT INTO smart_sessions (id, session_json, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET session_json = EXCLUDED.session_json,
                               updated_at   = EXCLUDED.updated_at,
                               expires_at   = EXCLUDED.expires_at`

	expiresAt := time.Now().Add(s.ttl)
	if _, err := s.db.Exec(ctx, query, sess.ID, data, sess.CreatedAt, sess.UpdatedAt, expiresAt); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// Delete removes the session.
func (s *PGSessionStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM smart_sessions WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Cleanup deletes all expired sessions, returning the number removed.
func (s *PGSessionStore) Cleanup(ctx context.Context) (int, error) {
	const query = `DELETE FROM smart_sessions WHERE expires_at <= now()`
	n, err := s.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return int(n), nil
}
