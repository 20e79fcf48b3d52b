package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinflow/smartlaunch/internal/platform/fhir"
	"github.com/clinflow/smartlaunch/internal/platform/telemetry"
)

// ---------------------------------------------------------------------------
// Authorization flow controller
// ---------------------------------------------------------------------------

// FlowState names the phases of one authorization attempt. The machine is
// INIT -> REDIRECTED -> CALLBACK_RECEIVED -> EXCHANGING -> AUTHENTICATED,
// with FAILED reachable from every non-terminal state.
type FlowState string

const (
	FlowInit             FlowState = "INIT"
	FlowRedirected       FlowState = "REDIRECTED"
	FlowCallbackReceived FlowState = "CALLBACK_RECEIVED"
	FlowExchanging       FlowState = "EXCHANGING"
	FlowAuthenticated    FlowState = "AUTHENTICATED"
	FlowFailed           FlowState = "FAILED"
)

// PKCE policy values for FlowConfig.PKCEMode.
const (
	PKCEAuto     = "auto"     // send a challenge when the server advertises S256
	PKCEAlways   = "always"   // send a challenge regardless of advertisement
	PKCEDisabled = "disabled" // never send a challenge
)

// MetadataResolver resolves OAuth endpoint metadata for a FHIR issuer.
// *fhir.Discoverer implements it.
type MetadataResolver interface {
	Discover(ctx context.Context, issuer string) (*fhir.ServerMetadata, error)
}

// CallbackParams are the raw query parameters delivered to the OAuth
// redirect target. The HTTP layer extracts them and hands them to the flow
// controller explicitly; the controller never reads ambient request state.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// CallbackParamsFromQuery extracts callback parameters from query values.
func CallbackParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// FlowConfig holds the client registration and policy knobs for the
// authorization flow.
type FlowConfig struct {
	ClientID     string
	ClientSecret string // optional; set only for confidential clients
	RedirectURI  string
	PKCEMode     string
	StateTTL     time.Duration
	TokenTimeout time.Duration
}

// FlowController drives the SMART authorization-code flow: it builds the
// authorization redirect, validates and consumes the callback, exchanges the
// code, and hands the authenticated session to the session store.
type FlowController struct {
	cfg       FlowConfig
	resolver  MetadataResolver
	states    StateStore
	sessions  SessionStore
	client    *tokenEndpointClient
	telemetry *telemetry.TelemetryProvider
	logger    zerolog.Logger

	// nowFunc is overridable in tests to control expiry.
	nowFunc func() time.Time
}

// NewFlowController creates a flow controller. tp may be nil when metrics
// are not collected.
func NewFlowController(cfg FlowConfig, resolver MetadataResolver, states StateStore, sessions SessionStore, tp *telemetry.TelemetryProvider, logger zerolog.Logger) *FlowController {
	if cfg.PKCEMode == "" {
		cfg.PKCEMode = PKCEAuto
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 10 * time.Second
	}
	return &FlowController{
		cfg:       cfg,
		resolver:  resolver,
		states:    states,
		sessions:  sessions,
		client:    newTokenEndpointClient(cfg.TokenTimeout),
		telemetry: tp,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Begin runs INIT -> REDIRECTED: discovers the issuer's endpoints, mints and
// persists an AuthorizationState bound to the session, and returns the
// authorization redirect URL. The aud parameter carries the FHIR issuer as
// SMART requires; EHR launches echo the launch token.
func (c *FlowController) Begin(ctx context.Context, lc *LaunchContext, sessionID string) (string, error) {
	md, err := c.resolver.Discover(ctx, lc.IssuerURL)
	if err != nil {
		return "", err
	}

	state, err := generateRandomHex(32)
	if err != nil {
		return "", fmt.Errorf("generating state nonce: %w", err)
	}

	now := c.nowFunc()
	st := &AuthorizationState{
		State:       state,
		SessionID:   sessionID,
		RedirectURI: c.cfg.RedirectURI,
		Launch:      *lc,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.cfg.StateTTL),
	}

	usePKCE := c.usePKCE(md)
	var challenge string
	if usePKCE {
		st.PKCEVerifier, challenge = newPKCEPair()
	}

	if err := c.states.Save(ctx, st); err != nil {
		return "", fmt.Errorf("saving authorization state: %w", err)
	}

	authURL, err := url.Parse(md.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint %q: %w", md.AuthorizationEndpoint, err)
	}
	q := authURL.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", st.RedirectURI)
	q.Set("scope", lc.Scope())
	q.Set("state", state)
	q.Set("aud", lc.IssuerURL)
	if lc.Mode == LaunchModeEHR {
		q.Set("launch", lc.LaunchToken)
	}
	if usePKCE {
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", codeChallengeMethodS256)
	}
	authURL.RawQuery = q.Encode()

	c.telemetry.LaunchCounter(string(lc.Mode))
	c.logger.Debug().
		Str("session_id", sessionID).
		Str("issuer", lc.IssuerURL).
		Str("mode", string(lc.Mode)).
		Bool("pkce", usePKCE).
		Str("flow_state", string(FlowRedirected)).
		Msg("authorization redirect built")
	return authURL.String(), nil
}

// usePKCE decides whether to send a code challenge for this server.
func (c *FlowController) usePKCE(md *fhir.ServerMetadata) bool {
	switch c.cfg.PKCEMode {
	case PKCEAlways:
		return true
	case PKCEDisabled:
		return false
	default:
		return md.SupportsPKCE()
	}
}

// HandleCallback runs REDIRECTED -> CALLBACK_RECEIVED -> EXCHANGING ->
// AUTHENTICATED. The state nonce is consumed exactly once before anything
// else is looked at: a second callback presenting the same state fails with
// *StateReplayError no matter what the rest of its payload says. Provider
// denials surface as *AuthorizationDeniedError without an exchange attempt.
// On success the authenticated session has been written to the session
// store; on any failure no token is written at all.
func (c *FlowController) HandleCallback(ctx context.Context, params CallbackParams) (*Session, error) {
	if params.State == "" {
		c.telemetry.CallbackCounter("state_mismatch")
		c.logger.Warn().Msg("callback without state parameter")
		return nil, &StateMismatchError{State: ""}
	}

	st, err := c.states.Consume(ctx, params.State)
	if err != nil {
		if errors.Is(err, ErrStateConsumed) {
			c.telemetry.CallbackCounter("state_replay")
			c.logger.Warn().
				Str("state", params.State).
				Str("event", "state_replay").
				Msg("replayed authorization state rejected")
			return nil, &StateReplayError{State: params.State}
		}
		return nil, fmt.Errorf("consuming authorization state: %w", err)
	}
	if st == nil {
		c.telemetry.CallbackCounter("state_mismatch")
		c.logger.Warn().
			Str("state", params.State).
			Str("event", "state_mismatch").
			Msg("callback state matches no pending authorization")
		return nil, &StateMismatchError{State: params.State}
	}

	logger := c.logger.With().
		Str("session_id", st.SessionID).
		Str("issuer", st.Launch.IssuerURL).
		Str("mode", string(st.Launch.Mode)).
		Logger()
	logger.Debug().Str("flow_state", string(FlowCallbackReceived)).Msg("authorization state consumed")

	if params.Error != "" {
		c.telemetry.CallbackCounter("denied")
		logger.Info().
			Str("flow_state", string(FlowFailed)).
			Str("provider_error", params.Error).
			Msg("authorization denied by provider")
		return nil, &AuthorizationDeniedError{Code: params.Error, Description: params.ErrorDescription}
	}
	if params.Code == "" {
		c.telemetry.CallbackCounter("exchange_failed")
		return nil, &TokenExchangeError{Err: fmt.Errorf("callback carries neither code nor error")}
	}

	md, err := c.resolver.Discover(ctx, st.Launch.IssuerURL)
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("flow_state", string(FlowExchanging)).Msg("exchanging authorization code")
	token, err := c.exchangeWithRetry(ctx, md.TokenEndpoint, st, params.Code)
	if err != nil {
		c.telemetry.CallbackCounter("exchange_failed")
		logger.Warn().Err(err).Str("flow_state", string(FlowFailed)).Msg("token exchange failed")
		return nil, err
	}

	// The token endpoint was derived from the stored launch issuer, never
	// from callback input. When the id_token names a different issuer the
	// token was minted for some other server and is rejected.
	if token.IDToken != "" {
		claims, err := ParseIDTokenClaims(token.IDToken)
		if err != nil {
			logger.Debug().Err(err).Msg("id_token claims not parseable")
		} else {
			if claims.Issuer != "" && claims.Issuer != st.Launch.IssuerURL {
				c.telemetry.CallbackCounter("exchange_failed")
				logger.Warn().
					Str("id_token_issuer", claims.Issuer).
					Str("flow_state", string(FlowFailed)).
					Msg("id_token issuer does not match launch issuer")
				return nil, &TokenExchangeError{Err: fmt.Errorf("id_token issuer %q does not match launch issuer", claims.Issuer)}
			}
			token.FHIRUser = claims.FHIRUser
		}
	}

	now := c.nowFunc()
	sess := &Session{
		ID:        st.SessionID,
		Token:     token,
		Launch:    st.Launch,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, _ := c.sessions.Get(ctx, st.SessionID); existing != nil {
		sess.CreatedAt = existing.CreatedAt
	}
	if err := c.sessions.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	c.telemetry.CallbackCounter("authenticated")
	logger.Info().
		Str("flow_state", string(FlowAuthenticated)).
		Str("patient", token.PatientID).
		Str("granted_scope", token.Scope).
		Msg("authorization complete")
	return sess, nil
}

// exchangeWithRetry performs the code exchange with one automatic retry.
// The retry is safe: the server does not consume the code unless an exchange
// succeeds. A second failure is surfaced to the caller.
func (c *FlowController) exchangeWithRetry(ctx context.Context, endpoint string, st *AuthorizationState, code string) (*TokenSet, error) {
	token, err := c.exchange(ctx, endpoint, st, code)
	if err == nil {
		return token, nil
	}
	c.telemetry.ExchangeRetryCounter()
	c.logger.Debug().Err(err).Msg("retrying token exchange")
	return c.exchange(ctx, endpoint, st, code)
}

// exchange posts the authorization code to the token endpoint. The
// redirect_uri sent here is the byte-identical string stored when the
// authorization request was built.
func (c *FlowController) exchange(ctx context.Context, endpoint string, st *AuthorizationState, code string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", st.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	if st.PKCEVerifier != "" {
		form.Set("code_verifier", st.PKCEVerifier)
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	tr, err := c.client.post(ctx, endpoint, form)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			return nil, &TokenExchangeError{Code: oauthErr.Code, Description: oauthErr.Description, Err: oauthErr}
		}
		return nil, &TokenExchangeError{Err: err}
	}
	return tr.toTokenSet(c.nowFunc()), nil
}
