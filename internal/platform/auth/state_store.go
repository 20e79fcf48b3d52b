package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Authorization state storage
// ---------------------------------------------------------------------------

// AuthorizationState binds one in-flight authorization attempt to its
// callback: the single-use state nonce, the PKCE verifier when one was
// minted, the session the attempt belongs to, and the exact redirect URI
// used in the authorization request. Immutable once saved; consumed exactly
// once by the matching callback.
type AuthorizationState struct {
	State        string        `json:"state"`
	SessionID    string        `json:"session_id"`
	PKCEVerifier string        `json:"pkce_verifier,omitempty"`
	RedirectURI  string        `json:"redirect_uri"`
	Launch       LaunchContext `json:"launch"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// ErrStateConsumed is returned by StateStore.Consume when the state value was
// already consumed by an earlier callback. The flow controller maps it to
// *StateReplayError.
var ErrStateConsumed = errors.New("authorization state already consumed")

// StateStore persists pending authorization states keyed by their state
// nonce. Consume is the crash point of the CSRF defense: it must atomically
// return-and-invalidate, so that of two racing callbacks exactly one wins.
//
// Consume returns (nil, nil) when no live entry exists for the state, and
// ErrStateConsumed when the entry was already consumed.
type StateStore interface {
	Save(ctx context.Context, st *AuthorizationState) error
	Consume(ctx context.Context, state string) (*AuthorizationState, error)
	Cleanup(ctx context.Context) (int, error)
}

// MemoryStateStore is a thread-safe in-memory StateStore. Consumed states
// leave a tombstone until their original expiry so a replayed callback is
// distinguishable from one that never matched.
type MemoryStateStore struct {
	mu       sync.Mutex
	states   map[string]*AuthorizationState
	consumed map[string]time.Time // state -> original expiry

	// nowFunc is overridable in tests to control expiry.
	nowFunc func() time.Time
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states:   make(map[string]*AuthorizationState),
		consumed: make(map[string]time.Time),
		nowFunc:  time.Now,
	}
}

// Save stores a pending authorization state keyed by its nonce.
func (s *MemoryStateStore) Save(_ context.Context, st *AuthorizationState) error {
	s.mu.Lock()
	s.states[st.State] = st
	s.mu.Unlock()
	return nil
}

// Consume atomically removes and returns the state entry. One-time use: the
// first caller wins, later callers get ErrStateConsumed while the tombstone
// lives, and (nil, nil) once it has expired.
func (s *MemoryStateStore) Consume(_ context.Context, state string) (*AuthorizationState, error) {
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[state]
	if !ok {
		if exp, consumed := s.consumed[state]; consumed && now.Before(exp) {
			return nil, ErrStateConsumed
		}
		return nil, nil
	}

	if now.After(st.ExpiresAt) {
		delete(s.states, state)
		return nil, nil
	}

	delete(s.states, state)
	s.consumed[state] = st.ExpiresAt
	return st, nil
}

// Cleanup removes expired states and tombstones, returning the number of
// pending states dropped.
func (s *MemoryStateStore) Cleanup(_ context.Context) (int, error) {
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, st := range s.states {
		if now.After(st.ExpiresAt) {
			delete(s.states, state)
			removed++
		}
	}
	for state, exp := range s.consumed {
		if now.After(exp) {
			delete(s.consumed, state)
		}
	}
	return removed, nil
}

// StartCleanup starts a background goroutine that sweeps expired entries
// until ctx is cancelled. Abandoned launches (no callback ever arrives) are
// garbage-collected here.
func (s *MemoryStateStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup(ctx)
			}
		}
	}()
}
