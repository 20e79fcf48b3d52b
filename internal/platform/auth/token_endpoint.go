package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Token endpoint client
// ---------------------------------------------------------------------------

// maxTokenResponseBytes caps token endpoint response bodies so a misbehaving
// server cannot exhaust memory.
const maxTokenResponseBytes = 1 << 20

// defaultTokenLifetime is assumed when a token response omits expires_in.
const defaultTokenLifetime = time.Hour

// tokenResponse is the wire form of a token endpoint success body, including
// the SMART launch context fields delivered alongside the tokens.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
	Patient      string `json:"patient"`
	Encounter    string `json:"encounter"`
}

// toTokenSet converts the wire response into a TokenSet with an absolute
// expiry.
func (tr *tokenResponse) toTokenSet(now time.Time) *TokenSet {
	expiresAt := now.Add(defaultTokenLifetime)
	if tr.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &TokenSet{
		AccessToken:  tr.AccessToken,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
		PatientID:    tr.Patient,
		EncounterID:  tr.Encounter,
		IDToken:      tr.IDToken,
	}
}

// tokenEndpointClient posts form-encoded grant requests to OAuth token
// endpoints. Shared by the code exchange and the refresh path.
type tokenEndpointClient struct {
	httpClient *http.Client
}

func newTokenEndpointClient(timeout time.Duration) *tokenEndpointClient {
	return &tokenEndpointClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// post sends the form to the token endpoint and decodes the response. A
// structured OAuth error body comes back as *OAuthError; transport and
// schema failures come back as plain errors.
func (c *tokenEndpointClient) post(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr OAuthError
		if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Code != "" {
			return nil, &oauthErr
		}
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	if tr.TokenType != "" && !strings.EqualFold(tr.TokenType, "bearer") {
		return nil, fmt.Errorf("unsupported token type %q", tr.TokenType)
	}
	return &tr, nil
}

// revoke posts a best-effort RFC 7009 revocation for the given token.
func (c *tokenEndpointClient) revoke(ctx context.Context, endpoint, token, clientID, clientSecret string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", clientID)
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting revocation: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxTokenResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
