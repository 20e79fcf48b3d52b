package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sessions and token sets
// ---------------------------------------------------------------------------

// TokenSet holds the tokens granted for one session. Created whole on a
// successful code exchange and replaced whole on refresh; a session is never
// observable with a partially populated token.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	PatientID    string    `json:"patient,omitempty"`
	EncounterID  string    `json:"encounter,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	FHIRUser     string    `json:"fhirUser,omitempty"`
}

// Valid reports whether the access token is still usable at now, leaving
// skew as a guard against clock drift between us and the token server.
func (t *TokenSet) Valid(now time.Time, skew time.Duration) bool {
	return now.Before(t.ExpiresAt.Add(-skew))
}

// GrantedScopes returns the granted scope string split into individual
// scopes. The server may have narrowed the set we requested.
func (t *TokenSet) GrantedScopes() []string {
	return strings.Fields(t.Scope)
}

// HasScope checks whether a specific scope was granted.
func (t *TokenSet) HasScope(scope string) bool {
	return containsScope(t.Scope, scope)
}

// Session ties a browser session to its launch context and token set. The
// Token field is nil until the authorization flow completes and is reset to
// nil when a refresh fails, forcing re-authorization.
type Session struct {
	ID        string        `json:"id"`
	Token     *TokenSet     `json:"token,omitempty"`
	Launch    LaunchContext `json:"launch"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Authenticated reports whether the session holds a token set.
func (s *Session) Authenticated() bool {
	return s.Token != nil
}

// SessionStore is the key-value collaborator that owns session persistence.
// The core reads and writes whole Session records through it and never
// defines the persistence format. Get returns (nil, nil) when no session
// exists for the id.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, id string) error
}

// MemorySessionStore is a thread-safe in-memory SessionStore with a sliding
// TTL: every Put extends the session's life.
type MemorySessionStore struct {
	mu      sync.RWMutex
	entries map[string]*memorySessionEntry
	ttl     time.Duration

	// nowFunc is overridable in tests to control expiry.
	nowFunc func() time.Time
}

type memorySessionEntry struct {
	sess      *Session
	expiresAt time.Time
}

// NewMemorySessionStore creates an in-memory session store whose entries
// expire ttl after their last Put.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		entries: make(map[string]*memorySessionEntry),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// Get retrieves a session by id. Returns nil if not found or expired.
func (s *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if s.nowFunc().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return nil, nil
	}
	return entry.sess, nil
}

// Put stores the session whole, replacing any previous record and extending
// its expiry.
func (s *MemorySessionStore) Put(_ context.Context, sess *Session) error {
	s.mu.Lock()
	s.entries[sess.ID] = &memorySessionEntry{
		sess:      sess,
		expiresAt: s.nowFunc().Add(s.ttl),
	}
	s.mu.Unlock()
	return nil
}

// Delete removes a session.
func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Cleanup removes expired sessions, returning the number dropped.
func (s *MemorySessionStore) Cleanup(_ context.Context) (int, error) {
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// StartCleanup starts a background goroutine that sweeps expired sessions
// until ctx is cancelled.
func (s *MemorySessionStore) StartCleanup(ctx context.Context, interval time.Duration) {
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
