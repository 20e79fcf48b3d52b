package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationAuthorizationStates is the SQL DDL for the authorization_states
// table. It is safe to execute multiple times (uses IF NOT EXISTS). The
// migrate subcommand runs this at deploy time.
const MigrationAuthorizationStates = `
CREATE TABLE IF NOT EXISTS authorization_states (
    state       TEXT PRIMARY KEY,
    state_json  JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at  TIMESTAMPTZ NOT NULL,
    consumed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_authorization_states_expires_at
    ON authorization_states (expires_at);
`

// ---------------------------------------------------------------------------
// pgRow / pgConn abstractions (allow unit testing without a real DB)
// ---------------------------------------------------------------------------

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by the PG-backed stores.
// Both *pgxpool.Pool (via a thin adapter) and test mocks implement this.
// Exec returns the number of rows affected.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// ---------------------------------------------------------------------------
// PGStateStore
// ---------------------------------------------------------------------------

// PGStateStore is a PostgreSQL-backed StateStore. States are stored as JSONB
// with an explicit expires_at column the database filters on. Consume marks
// the row consumed in one atomic UPDATE ... RETURNING, and the row is kept
// until expiry so a replayed state is distinguishable from one that never
// existed.
type PGStateStore struct {
	db pgConn
}

// NewPGStateStore creates a PG-backed store. The db parameter must satisfy
// the pgConn interface -- use NewPGStateStoreFromPool to wrap a
// *pgxpool.Pool, or pass a mock in tests.
func NewPGStateStore(db pgConn) *PGStateStore {
	return &PGStateStore{db: db}
}

// Save inserts the authorization state keyed by its nonce.
func (s *PGStateStore) Save(ctx context.Context, st *AuthorizationState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal authorization state: %w", err)
	}

	const query = `INSERT INTO authorization_states (state, state_json, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (state) DO UPDATE SET state_json  = EXCLUDED.state_json,
                                  created_at  = EXCLUDED.created_at,
                                  expires_at  = EXCLUDED.expires_at,
                                  consumed_at = NULL`

	if _, err := s.db.Exec(ctx, query, st.State, data, st.CreatedAt, st.ExpiresAt); err != nil {
		return fmt.Errorf("save authorization state: %w", err)
	}
	return nil
}

// Consume atomically marks the row consumed and returns it. The WHERE clause
// restricts to unconsumed, unexpired rows, so of two racing callbacks
// exactly one gets the row; the loser and any later replay see the consumed
// row and get ErrStateConsumed.
func (s *PGStateStore) Consume(ctx context.Context, state string) (*AuthorizationState, error) {
	const query = `UPDATE authorization_states SET consumed_at = now()
WHERE state = $1 AND consumed_at IS NULL AND expires_at > now()
RETURNING state_json`

	var data []byte
	if err := s.db.QueryRow(ctx, query, state).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, s.classifyMiss(ctx, state)
		}
		return nil, fmt.Errorf("consume authorization state: %w", err)
	}

	st := &AuthorizationState{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("unmarshal authorization state: %w", err)
	}
	return st, nil
}

// classifyMiss distinguishes a replayed state (consumed row still present)
// from one that never matched.
func (s *PGStateStore) classifyMiss(ctx context.Context, state string) error {
	const query = `SELECT 1 FROM authorization_states
WHERE state = $1 AND consumed_at IS NOT NULL AND expires_at > now()`

	var one int
	if err := s.db.QueryRow(ctx, query, state).Scan(&one); err != nil {
		if isNoRows(err) {
			return nil
		}
		return fmt.Errorf("classify state miss: %w", err)
	}
	return ErrStateConsumed
}

// Cleanup deletes all expired rows, consumed or not, returning the number
// removed.
func (s *PGStateStore) Cleanup(ctx context.Context) (int, error) {
	const query = `DELETE FROM authorization_states WHERE expires_at <= now()`
	n, err := s.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("cleanup authorization states: %w", err)
	}
	return int(n), nil
}

// isNoRows returns true when the error represents a "no rows" condition.
// It works with both pgx (pgx.ErrNoRows) and the mock used in tests.
func isNoRows(err error) bool {
	if err == pgx.ErrNoRows {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// ---------------------------------------------------------------------------
// pgxPoolWrapper adapts *pgxpool.Pool to the pgConn interface
// ---------------------------------------------------------------------------

// pgxPoolWrapper wraps a *pgxpool.Pool so it satisfies the pgConn interface.
// The adapter is necessary because pgxpool.Pool.Exec returns
// (pgconn.CommandTag, error) whereas pgConn.Exec returns a row count.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := w.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// NewPGStateStoreFromPool creates a PG-backed store directly from a
// *pgxpool.Pool. This is the recommended constructor for production use.
func NewPGStateStoreFromPool(pool *pgxpool.Pool) *PGStateStore {
	return &PGStateStore{db: &pgxPoolWrapper{pool: pool}}
}
