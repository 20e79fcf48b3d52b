package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// handlerFixture wires the full launch surface against in-memory stores and
// a scriptable token endpoint.
type handlerFixture struct {
	echo     *echo.Echo
	sessions *MemorySessionStore
	tokens   *tokenServer
	issuer   string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	issuer := "https://fhir.example.com/r4"
	ts := newTokenServer(t, map[string]any{
		"access_token":  "at-1",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "rt-1",
		"scope":         "launch openid fhirUser patient/Patient.read",
		"patient":       "pat-9",
		"encounter":     "enc-3",
	})

	resolver := &staticResolver{md: testServerMetadata(issuer, ts.srv.URL, true)}
	sessions := NewMemorySessionStore(time.Hour)
	states := NewMemoryStateStore()
	logger := zerolog.Nop()

	flowCfg := FlowConfig{ClientID: "smartlaunch-app", RedirectURI: "https://app.example.com/callback"}
	flow := NewFlowController(flowCfg, resolver, states, sessions, nil, logger)
	tokens := NewTokenManager(TokenManagerConfig{ClientID: "smartlaunch-app"}, resolver, sessions, nil, logger)
	launches := NewLaunchResolver("", nil, false, logger)

	h := NewHandler(HandlerConfig{PostLoginPath: "/app"}, launches, flow, tokens, sessions, logger)
	e := echo.New()
	h.RegisterRoutes(e)

	return &handlerFixture{echo: e, sessions: sessions, tokens: ts, issuer: issuer}
}

func (f *handlerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == sessionCookieName {
			return ck
		}
	}
	return nil
}

// completeLaunch drives /launch then /callback and returns the session
// cookie the browser would hold afterwards.
func (f *handlerFixture) completeLaunch(t *testing.T) *http.Cookie {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/launch?iss="+url.QueryEscape(f.issuer)+"&launch=abc123", nil)
	rec := f.do(req)
	if rec.Code != http.StatusFound {
		t.Fatalf("launch status = %d, want 302", rec.Code)
	}
	launchCookie := sessionCookie(rec)
	if launchCookie == nil {
		t.Fatal("launch response set no session cookie")
	}

	redirect, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse authorize redirect: %v", err)
	}
	state := redirect.Query().Get("state")

	cb := httptest.NewRequest(http.MethodGet, "/callback?state="+url.QueryEscape(state)+"&code=code-1", nil)
	cb.AddCookie(launchCookie)
	rec = f.do(cb)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("callback status = %d, want 303", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/app" {
		t.Errorf("post-login redirect = %q, want /app", got)
	}

	ck := sessionCookie(rec)
	if ck == nil {
		t.Fatal("callback response set no session cookie")
	}
	return ck
}

// ---------------------------------------------------------------------------
// Launch endpoints
// ---------------------------------------------------------------------------

func TestLaunchEndpoint_RedirectsToAuthorize(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/launch?iss="+url.QueryEscape(f.issuer)+"&launch=abc123", nil)
	rec := f.do(req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}

	redirect, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if !strings.HasPrefix(redirect.String(), f.issuer+"/authorize") {
		t.Errorf("redirect = %q, want the issuer's authorize endpoint", redirect)
	}
	q := redirect.Query()
	if q.Get("launch") != "abc123" {
		t.Errorf("launch = %q, want abc123", q.Get("launch"))
	}
	if q.Get("aud") != f.issuer {
		t.Errorf("aud = %q, want %q", q.Get("aud"), f.issuer)
	}

	ck := sessionCookie(rec)
	if ck == nil {
		t.Fatal("no session cookie set")
	}
	if !ck.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
	if ck.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", ck.SameSite)
	}
}

func TestLaunchEndpoint_MissingParams(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/launch?launch=abc123", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing iss: status = %d, want 400", rec.Code)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/launch?iss="+url.QueryEscape(f.issuer), nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing launch: status = %d, want 400", rec.Code)
	}
}

func TestLaunchEndpoint_ReusesCookie(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/launch?iss="+url.QueryEscape(f.issuer)+"&launch=abc123", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "existing-session"})
	rec := f.do(req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if ck := sessionCookie(rec); ck != nil && ck.Value != "existing-session" {
		t.Errorf("handler replaced the existing session cookie with %q", ck.Value)
	}
}

func TestStandaloneEndpoint_NoDefaultConfigured(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/standalone", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStandaloneEndpoint_ExplicitServer(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/standalone?fhir="+url.QueryEscape(f.issuer), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	redirect, _ := url.Parse(rec.Header().Get("Location"))
	if _, present := redirect.Query()["launch"]; present {
		t.Error("standalone redirect must not carry a launch parameter")
	}
	if !containsScope(redirect.Query().Get("scope"), "launch/patient") {
		t.Errorf("scope = %q, want launch/patient", redirect.Query().Get("scope"))
	}
}

// ---------------------------------------------------------------------------
// Callback endpoint
// ---------------------------------------------------------------------------

func TestCallbackEndpoint_EstablishesSession(t *testing.T) {
	f := newHandlerFixture(t)
	ck := f.completeLaunch(t)

	sess, err := f.sessions.Get(context.Background(), ck.Value)
	if err != nil || sess == nil {
		t.Fatalf("session not stored under cookie id %q: %v", ck.Value, err)
	}
	if !sess.Authenticated() {
		t.Error("session should be authenticated after the callback")
	}
	if sess.Token.PatientID != "pat-9" {
		t.Errorf("patient = %q, want pat-9", sess.Token.PatientID)
	}
}

func TestCallbackEndpoint_UnknownState(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/callback?state=never-issued&code=code-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCallbackEndpoint_Replay(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/launch?iss="+url.QueryEscape(f.issuer)+"&launch=abc123", nil)
	rec := f.do(req)
	redirect, _ := url.Parse(rec.Header().Get("Location"))
	state := redirect.Query().Get("state")

	cb := "/callback?state=" + url.QueryEscape(state) + "&code=code-1"
	if rec := f.do(httptest.NewRequest(http.MethodGet, cb, nil)); rec.Code != http.StatusSeeOther {
		t.Fatalf("first callback status = %d, want 303", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, cb, nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("replayed callback status = %d, want 400", rec.Code)
	}
	if f.tokens.requestCount() != 1 {
		t.Errorf("token endpoint requests = %d, want 1", f.tokens.requestCount())
	}
}

func TestCallbackEndpoint_ProviderDenial(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/launch?iss="+url.QueryEscape(f.issuer)+"&launch=abc123", nil)
	rec := f.do(req)
	redirect, _ := url.Parse(rec.Header().Get("Location"))
	state := redirect.Query().Get("state")

	cb := "/callback?state=" + url.QueryEscape(state) + "&error=access_denied&error_description=declined"
	rec = f.do(httptest.NewRequest(http.MethodGet, cb, nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("denied callback status = %d, want 403", rec.Code)
	}
	if f.tokens.requestCount() != 0 {
		t.Errorf("denial must not reach the token endpoint, saw %d requests", f.tokens.requestCount())
	}
}

// ---------------------------------------------------------------------------
// Session introspection
// ---------------------------------------------------------------------------

func decodeSessionInfo(t *testing.T, rec *httptest.ResponseRecorder) sessionInfoResponse {
	t.Helper()
	var body sessionInfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode session info: %v", err)
	}
	return body
}

func TestSessionEndpoint_NoCookie(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/session", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeSessionInfo(t, rec); body.Authenticated {
		t.Error("authenticated = true without a cookie")
	}
}

func TestSessionEndpoint_UnknownSession(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "never-authenticated"})
	rec := f.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSessionEndpoint_Authenticated(t *testing.T) {
	f := newHandlerFixture(t)
	ck := f.completeLaunch(t)

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.AddCookie(ck)
	rec := f.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	body := decodeSessionInfo(t, rec)
	if !body.Authenticated {
		t.Error("authenticated = false")
	}
	if body.Issuer != f.issuer {
		t.Errorf("issuer = %q, want %q", body.Issuer, f.issuer)
	}
	if body.PatientID != "pat-9" || body.EncounterID != "enc-3" {
		t.Errorf("context = %q/%q, want pat-9/enc-3", body.PatientID, body.EncounterID)
	}
	if body.ExpiresAt == nil || !body.ExpiresAt.After(time.Now()) {
		t.Errorf("expires_at = %v, want a future instant", body.ExpiresAt)
	}
	if len(body.Scopes) == 0 {
		t.Error("scopes missing from session info")
	}
	if strings.Contains(rec.Body.String(), "at-1") || strings.Contains(rec.Body.String(), "rt-1") {
		t.Error("raw token material leaked into the session info body")
	}
}

func TestSessionEndpoint_RefreshFailureReportsUnauthenticated(t *testing.T) {
	f := newHandlerFixture(t)
	ck := f.completeLaunch(t)

	// Expire the access token and make the refresh fail: the endpoint
	// reports unauthenticated instead of erroring.
	sess, _ := f.sessions.Get(context.Background(), ck.Value)
	sess.Token.ExpiresAt = time.Now().Add(-time.Minute)
	f.sessions.Put(context.Background(), sess)
	f.tokens.mu.Lock()
	f.tokens.status = http.StatusBadRequest
	f.tokens.body = map[string]any{"error": "invalid_grant"}
	f.tokens.mu.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.AddCookie(ck)
	rec := f.do(req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeSessionInfo(t, rec); body.Authenticated {
		t.Error("authenticated = true after a failed refresh")
	}

	stored, _ := f.sessions.Get(context.Background(), ck.Value)
	if stored == nil || stored.Token != nil {
		t.Error("failed refresh should leave an unauthenticated session record")
	}
}

// ---------------------------------------------------------------------------
// Logout
// ---------------------------------------------------------------------------

func TestLogoutEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	ck := f.completeLaunch(t)

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(ck)
	rec := f.do(req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	cleared := sessionCookie(rec)
	if cleared == nil || cleared.MaxAge != -1 {
		t.Errorf("logout should clear the session cookie, got %+v", cleared)
	}
	if sess, _ := f.sessions.Get(context.Background(), ck.Value); sess != nil {
		t.Error("session should be deleted after logout")
	}
}

func TestLogoutEndpoint_NoCookie(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/logout", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}
