package auth

import "fmt"

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// InvalidLaunchError indicates malformed or missing launch parameters. These
// are user-facing and never retried: the launch request itself is wrong.
type InvalidLaunchError struct {
	Reason string
}

func (e *InvalidLaunchError) Error() string {
	return "invalid launch: " + e.Reason
}

// StateMismatchError indicates a callback whose state parameter matches no
// pending, unexpired authorization attempt. Treated as a CSRF signal and
// logged as a security-relevant event.
type StateMismatchError struct {
	State string
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("no pending authorization matches state %q", e.State)
}

// StateReplayError indicates a callback that presented a state value which
// was already consumed by an earlier callback. The second presentation is
// always rejected regardless of payload.
type StateReplayError struct {
	State string
}

func (e *StateReplayError) Error() string {
	return fmt.Sprintf("authorization state %q was already consumed", e.State)
}

// AuthorizationDeniedError indicates that the end user or the identity
// provider declined the authorization request. Code and Description carry
// the provider's stated reason and are surfaced to the user verbatim.
type AuthorizationDeniedError struct {
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description == "" {
		return "authorization denied: " + e.Code
	}
	return fmt.Sprintf("authorization denied: %s (%s)", e.Code, e.Description)
}

// TokenExchangeError indicates a transport or protocol failure while
// exchanging the authorization code. Code/Description are populated when the
// token endpoint returned a structured OAuth error body.
type TokenExchangeError struct {
	Code        string
	Description string
	Err         error
}

func (e *TokenExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token exchange failed: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenRefreshError indicates that refreshing an access token failed. The
// session is forced back to an unauthenticated state and the caller must
// re-run the authorization flow. Error() prints only Reason; provider error
// bodies stay out of user-facing messages.
type TokenRefreshError struct {
	Reason string
	Err    error
}

func (e *TokenRefreshError) Error() string {
	return "token refresh failed: " + e.Reason
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// OAuthError is the structured error body returned by OAuth token endpoints
// (RFC 6749 §5.2).
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
