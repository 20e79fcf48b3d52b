package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinflow/smartlaunch/internal/platform/fhir"
)

// sessionCookieName carries the browser session id. The cookie is HttpOnly
// and SameSite=Lax so it survives the top-level redirect back from the
// authorization server without being readable by page scripts.
const sessionCookieName = "sl_session"

// HandlerConfig holds the HTTP-surface settings.
type HandlerConfig struct {
	// PostLoginPath is where the browser is sent after a successful callback.
	PostLoginPath string
	// CookieSecure sets the Secure flag on the session cookie.
	CookieSecure bool
	// SessionTTL bounds the session cookie lifetime.
	SessionTTL time.Duration
}

// Handler exposes the SMART launch endpoints.
type Handler struct {
	cfg      HandlerConfig
	launches *LaunchResolver
	flow     *FlowController
	tokens   *TokenManager
	sessions SessionStore
	logger   zerolog.Logger
}

// NewHandler creates the launch HTTP handler.
func NewHandler(cfg HandlerConfig, launches *LaunchResolver, flow *FlowController, tokens *TokenManager, sessions SessionStore, logger zerolog.Logger) *Handler {
	if cfg.PostLoginPath == "" {
		cfg.PostLoginPath = "/"
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	return &Handler{
		cfg:      cfg,
		launches: launches,
		flow:     flow,
		tokens:   tokens,
		sessions: sessions,
		logger:   logger.With().Str("module", "auth_handler").Logger(),
	}
}

// RegisterRoutes mounts the launch endpoints on the Echo instance.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/launch", h.EHRLaunch)
	e.GET("/standalone", h.StandaloneLaunch)
	e.GET("/callback", h.Callback)
	e.GET("/session", h.SessionInfo)
	e.POST("/logout", h.Logout)
}

// EHRLaunch handles the EHR-initiated launch: the EHR opens this URL with
// iss and launch query parameters, and the browser is redirected to the
// server's authorization endpoint.
func (h *Handler) EHRLaunch(c echo.Context) error {
	lc, err := h.launches.ResolveEHRLaunch(c.QueryParam("iss"), c.QueryParam("launch"))
	if err != nil {
		return h.mapError(c, err)
	}
	return h.beginFlow(c, lc)
}

// StandaloneLaunch starts an app-initiated launch against the configured
// FHIR base, or the one given in the fhir query parameter.
func (h *Handler) StandaloneLaunch(c echo.Context) error {
	lc, err := h.launches.ResolveStandaloneLaunch(c.QueryParam("fhir"))
	if err != nil {
		return h.mapError(c, err)
	}
	return h.beginFlow(c, lc)
}

func (h *Handler) beginFlow(c echo.Context, lc *LaunchContext) error {
	sessionID := h.ensureSessionID(c)

	authorizeURL, err := h.flow.Begin(c.Request().Context(), lc, sessionID)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.Redirect(http.StatusFound, authorizeURL)
}

// Callback handles the authorization server's redirect back to the app. On
// success the browser is sent to the post-login page with its session
// cookie re-established from the stored launch state.
func (h *Handler) Callback(c echo.Context) error {
	params := CallbackParamsFromQuery(c.QueryParams())

	sess, err := h.flow.HandleCallback(c.Request().Context(), params)
	if err != nil {
		return h.mapError(c, err)
	}

	h.setSessionCookie(c, sess.ID)
	return c.Redirect(http.StatusSeeOther, h.cfg.PostLoginPath)
}

// sessionInfoResponse is the session introspection body. Raw token material
// never leaves the server.
type sessionInfoResponse struct {
	Authenticated bool       `json:"authenticated"`
	Issuer        string     `json:"issuer,omitempty"`
	PatientID     string     `json:"patient,omitempty"`
	EncounterID   string     `json:"encounter,omitempty"`
	FHIRUser      string     `json:"fhir_user,omitempty"`
	Scopes        []string   `json:"scopes,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// SessionInfo reports the current session's launch context. It runs the
// token through the validity check first, so a near-expiry access token is
// refreshed before the app relies on the answer.
func (h *Handler) SessionInfo(c echo.Context) error {
	sessionID := h.sessionIDFromCookie(c)
	if sessionID == "" {
		return c.JSON(http.StatusUnauthorized, sessionInfoResponse{Authenticated: false})
	}

	token, err := h.tokens.EnsureValid(c.Request().Context(), sessionID)
	if err != nil {
		var refreshErr *TokenRefreshError
		if errors.As(err, &refreshErr) {
			return c.JSON(http.StatusUnauthorized, sessionInfoResponse{Authenticated: false})
		}
		return h.mapError(c, err)
	}

	sess, err := h.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return h.mapError(c, err)
	}
	if sess == nil || !sess.Authenticated() {
		return c.JSON(http.StatusUnauthorized, sessionInfoResponse{Authenticated: false})
	}

	expiresAt := token.ExpiresAt
	return c.JSON(http.StatusOK, sessionInfoResponse{
		Authenticated: true,
		Issuer:        sess.Launch.IssuerURL,
		PatientID:     token.PatientID,
		EncounterID:   token.EncounterID,
		FHIRUser:      token.FHIRUser,
		Scopes:        token.GrantedScopes(),
		ExpiresAt:     &expiresAt,
	})
}

// Logout revokes the refresh token when the server advertises a revocation
// endpoint, deletes the session, and clears the cookie.
func (h *Handler) Logout(c echo.Context) error {
	sessionID := h.sessionIDFromCookie(c)
	if sessionID != "" {
		if err := h.tokens.Logout(c.Request().Context(), sessionID); err != nil {
			h.logger.Warn().Err(err).Msg("logout cleanup failed")
		}
	}
	h.clearSessionCookie(c)
	return c.NoContent(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Cookie helpers
// ---------------------------------------------------------------------------

func (h *Handler) sessionIDFromCookie(c echo.Context) string {
	ck, err := c.Cookie(sessionCookieName)
	if err != nil || ck.Value == "" {
		return ""
	}
	return ck.Value
}

// ensureSessionID returns the browser's session id, minting one when the
// request carries no cookie.
func (h *Handler) ensureSessionID(c echo.Context) string {
	if id := h.sessionIDFromCookie(c); id != "" {
		return id
	}
	id := uuid.NewString()
	h.setSessionCookie(c, id)
	return id
}

func (h *Handler) setSessionCookie(c echo.Context, id string) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.cfg.SessionTTL.Seconds()),
	})
}

func (h *Handler) clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

// mapError translates the flow error taxonomy onto HTTP statuses. Upstream
// server failures surface as 502 so callers can tell them apart from bad
// requests.
func (h *Handler) mapError(c echo.Context, err error) error {
	status := http.StatusInternalServerError

	var (
		invalidLaunch *InvalidLaunchError
		discovery     *fhir.DiscoveryError
		replay        *StateReplayError
		mismatch      *StateMismatchError
		denied        *AuthorizationDeniedError
		exchange      *TokenExchangeError
		refresh       *TokenRefreshError
	)
	switch {
	case errors.As(err, &invalidLaunch):
		status = http.StatusBadRequest
	case errors.As(err, &discovery):
		status = http.StatusBadGateway
	case errors.As(err, &replay):
		status = http.StatusBadRequest
	case errors.As(err, &mismatch):
		status = http.StatusBadRequest
	case errors.As(err, &denied):
		status = http.StatusForbidden
	case errors.As(err, &exchange):
		status = http.StatusBadGateway
	case errors.As(err, &refresh):
		status = http.StatusUnauthorized
	}

	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("unhandled launch error")
		return echo.NewHTTPError(status, "internal error")
	}

	h.logger.Warn().Err(err).Str("path", c.Path()).Int("status", status).Msg("launch request rejected")
	return echo.NewHTTPError(status, err.Error())
}
