package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/clinflow/smartlaunch/internal/platform/telemetry"
)

// ---------------------------------------------------------------------------
// Token manager
// ---------------------------------------------------------------------------

// TokenManagerConfig holds the knobs for token validity and refresh.
type TokenManagerConfig struct {
	ClientID     string
	ClientSecret string
	Skew         time.Duration // guard against clock drift vs. the token server
	TokenTimeout time.Duration
}

// TokenManager keeps session tokens valid: it answers EnsureValid from the
// stored token while it is fresh and refreshes it otherwise. Concurrent
// refreshes for one session coalesce into a single outbound call, because
// refresh tokens commonly rotate and a duplicate request would invalidate
// the winner's new grant.
type TokenManager struct {
	cfg       TokenManagerConfig
	resolver  MetadataResolver
	sessions  SessionStore
	client    *tokenEndpointClient
	group     singleflight.Group
	telemetry *telemetry.TelemetryProvider
	logger    zerolog.Logger

	// nowFunc is overridable in tests to control expiry.
	nowFunc func() time.Time
}

// NewTokenManager creates a token manager. tp may be nil when metrics are
// not collected.
func NewTokenManager(cfg TokenManagerConfig, resolver MetadataResolver, sessions SessionStore, tp *telemetry.TelemetryProvider, logger zerolog.Logger) *TokenManager {
	if cfg.Skew <= 0 {
		cfg.Skew = 30 * time.Second
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 10 * time.Second
	}
	return &TokenManager{
		cfg:       cfg,
		resolver:  resolver,
		sessions:  sessions,
		client:    newTokenEndpointClient(cfg.TokenTimeout),
		telemetry: tp,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// EnsureValid returns the session's token set, refreshing it first when it
// expires within the skew. A *TokenRefreshError means the session is back
// to unauthenticated and the caller must re-run the authorization flow;
// refresh failures are never retried silently.
func (m *TokenManager) EnsureValid(ctx context.Context, sessionID string) (*TokenSet, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil || sess.Token == nil {
		return nil, &TokenRefreshError{Reason: "session is not authenticated"}
	}
	if sess.Token.Valid(m.nowFunc(), m.cfg.Skew) {
		return sess.Token, nil
	}
	return m.refresh(ctx, sessionID)
}

// refresh coalesces concurrent refresh attempts for one session: callers
// arriving during an in-flight refresh share its outcome instead of issuing
// their own request.
func (m *TokenManager) refresh(ctx context.Context, sessionID string) (*TokenSet, error) {
	v, err, shared := m.group.Do(sessionID, func() (interface{}, error) {
		return m.doRefresh(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.telemetry.RefreshCounter("coalesced")
		m.logger.Debug().Str("session_id", sessionID).Msg("refresh coalesced with in-flight request")
	}
	return v.(*TokenSet), nil
}

func (m *TokenManager) doRefresh(ctx context.Context, sessionID string) (*TokenSet, error) {
	// Re-read inside the flight: a racing caller may have refreshed while
	// we waited for the singleflight slot.
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil || sess.Token == nil {
		return nil, &TokenRefreshError{Reason: "session is not authenticated"}
	}
	if sess.Token.Valid(m.nowFunc(), m.cfg.Skew) {
		return sess.Token, nil
	}
	if sess.Token.RefreshToken == "" {
		return nil, m.forceReauth(ctx, sess, "no refresh token granted", nil)
	}

	// Discovery failures propagate as *fhir.DiscoveryError without touching
	// the session: the refresh token was never presented, so the grant is
	// still intact and a later attempt may succeed.
	md, err := m.resolver.Discover(ctx, sess.Launch.IssuerURL)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", sess.Token.RefreshToken)
	form.Set("client_id", m.cfg.ClientID)
	if m.cfg.ClientSecret != "" {
		form.Set("client_secret", m.cfg.ClientSecret)
	}

	tr, err := m.client.post(ctx, md.TokenEndpoint, form)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			return nil, m.forceReauth(ctx, sess, "refresh token rejected", oauthErr)
		}
		return nil, m.forceReauth(ctx, sess, "refresh request failed", err)
	}

	token := tr.toTokenSet(m.nowFunc())
	// A rotated refresh token replaces the stored one; an absent one keeps
	// the prior grant. The launch context fields survive rotation: the
	// session's identity does not change.
	if token.RefreshToken == "" {
		token.RefreshToken = sess.Token.RefreshToken
	}
	if token.Scope == "" {
		token.Scope = sess.Token.Scope
	}
	if token.PatientID == "" {
		token.PatientID = sess.Token.PatientID
	}
	if token.EncounterID == "" {
		token.EncounterID = sess.Token.EncounterID
	}
	if token.IDToken == "" {
		token.IDToken = sess.Token.IDToken
	}
	token.FHIRUser = sess.Token.FHIRUser

	sess.Token = token
	sess.UpdatedAt = m.nowFunc()
	if err := m.sessions.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("storing refreshed session: %w", err)
	}

	m.telemetry.RefreshCounter("success")
	m.logger.Info().
		Str("session_id", sess.ID).
		Time("expires_at", token.ExpiresAt).
		Msg("access token refreshed")
	return token, nil
}

// forceReauth clears the session's token set so the next request must run
// the full authorization flow again. The returned error never carries the
// provider's response body in its message; the cause stays available to
// logs via Unwrap.
func (m *TokenManager) forceReauth(ctx context.Context, sess *Session, reason string, cause error) error {
	sess.Token = nil
	sess.UpdatedAt = m.nowFunc()
	if err := m.sessions.Put(ctx, sess); err != nil {
		m.logger.Error().Err(err).Str("session_id", sess.ID).Msg("clearing session token failed")
	}
	m.telemetry.RefreshCounter("failure")
	m.logger.Warn().
		Str("session_id", sess.ID).
		Str("reason", reason).
		Err(cause).
		Msg("token refresh failed, re-authorization required")
	return &TokenRefreshError{Reason: reason, Err: cause}
}

// Logout deletes the session and best-effort revokes its token when the
// server advertises a revocation endpoint. Revocation failures are logged
// and otherwise ignored; the local session is gone either way.
func (m *TokenManager) Logout(ctx context.Context, sessionID string) error {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil
	}

	if sess.Token != nil {
		if md, err := m.resolver.Discover(ctx, sess.Launch.IssuerURL); err == nil && md.RevocationEndpoint != "" {
			token := sess.Token.RefreshToken
			if token == "" {
				token = sess.Token.AccessToken
			}
			if err := m.client.revoke(ctx, md.RevocationEndpoint, token, m.cfg.ClientID, m.cfg.ClientSecret); err != nil {
				m.logger.Debug().Err(err).Str("session_id", sessionID).Msg("token revocation failed")
			}
		}
	}

	m.logger.Info().Str("session_id", sessionID).Msg("session logged out")
	return m.sessions.Delete(ctx, sessionID)
}
