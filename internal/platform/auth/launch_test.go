package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestLaunchResolver(defaultBase string, extra []string, allowHTTP bool) *LaunchResolver {
	return NewLaunchResolver(defaultBase, extra, allowHTTP, zerolog.Nop())
}

// ---------------------------------------------------------------------------
// EHR launch
// ---------------------------------------------------------------------------

func TestResolveEHRLaunch(t *testing.T) {
	r := newTestLaunchResolver("", []string{"patient/Patient.read"}, false)

	lc, err := r.ResolveEHRLaunch("https://fhir.example.com/r4", "abc123")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if lc.Mode != LaunchModeEHR {
		t.Errorf("mode = %q, want %q", lc.Mode, LaunchModeEHR)
	}
	if lc.IssuerURL != "https://fhir.example.com/r4" {
		t.Errorf("issuer = %q, want https://fhir.example.com/r4", lc.IssuerURL)
	}
	if lc.LaunchToken != "abc123" {
		t.Errorf("launch token = %q, want abc123", lc.LaunchToken)
	}

	scope := lc.Scope()
	for _, want := range []string{"launch", "openid", "fhirUser", "patient/Patient.read"} {
		if !containsScope(scope, want) {
			t.Errorf("scope %q missing from %q", want, scope)
		}
	}
	if containsScope(scope, "launch/patient") {
		t.Errorf("EHR launch must not request launch/patient, got %q", scope)
	}
}

func TestResolveEHRLaunch_MissingParams(t *testing.T) {
	r := newTestLaunchResolver("", nil, false)

	var invalidErr *InvalidLaunchError

	_, err := r.ResolveEHRLaunch("", "abc123")
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidLaunchError for missing iss, got %v", err)
	}
	if !strings.Contains(invalidErr.Reason, "iss") {
		t.Errorf("reason should name iss, got %q", invalidErr.Reason)
	}

	_, err = r.ResolveEHRLaunch("https://fhir.example.com", "")
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidLaunchError for missing launch, got %v", err)
	}
	if !strings.Contains(invalidErr.Reason, "launch") {
		t.Errorf("reason should name launch, got %q", invalidErr.Reason)
	}
}

func TestResolveEHRLaunch_TrimsTrailingSlash(t *testing.T) {
	r := newTestLaunchResolver("", nil, false)

	lc, err := r.ResolveEHRLaunch("https://fhir.example.com/r4/", "tok")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if lc.IssuerURL != "https://fhir.example.com/r4" {
		t.Errorf("issuer = %q, want trailing slash removed", lc.IssuerURL)
	}
}

// ---------------------------------------------------------------------------
// Standalone launch
// ---------------------------------------------------------------------------

func TestResolveStandaloneLaunch(t *testing.T) {
	r := newTestLaunchResolver("https://fhir.example.com/r4", []string{"patient/Observation.read"}, false)

	lc, err := r.ResolveStandaloneLaunch("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if lc.Mode != LaunchModeStandalone {
		t.Errorf("mode = %q, want %q", lc.Mode, LaunchModeStandalone)
	}
	if lc.IssuerURL != "https://fhir.example.com/r4" {
		t.Errorf("issuer = %q, want configured default", lc.IssuerURL)
	}
	if lc.LaunchToken != "" {
		t.Errorf("standalone launch must carry no launch token, got %q", lc.LaunchToken)
	}

	scope := lc.Scope()
	if !containsScope(scope, "launch/patient") {
		t.Errorf("scope %q must include launch/patient", scope)
	}
	if containsScope(scope, "launch") {
		t.Errorf("standalone launch must not request the bare launch scope, got %q", scope)
	}
}

func TestResolveStandaloneLaunch_ExplicitBase(t *testing.T) {
	r := newTestLaunchResolver("https://default.example.com", nil, false)

	lc, err := r.ResolveStandaloneLaunch("https://other.example.com/fhir")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if lc.IssuerURL != "https://other.example.com/fhir" {
		t.Errorf("issuer = %q, want the explicit base", lc.IssuerURL)
	}
}

func TestResolveStandaloneLaunch_NoBaseConfigured(t *testing.T) {
	r := newTestLaunchResolver("", nil, false)

	var invalidErr *InvalidLaunchError
	_, err := r.ResolveStandaloneLaunch("")
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidLaunchError, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Issuer validation
// ---------------------------------------------------------------------------

func TestValidateIssuer_RejectsBadURLs(t *testing.T) {
	r := newTestLaunchResolver("", nil, false)

	tests := []struct {
		name string
		iss  string
	}{
		{"relative", "fhir.example.com/r4"},
		{"http without dev mode", "http://fhir.example.com"},
		{"ftp scheme", "ftp://fhir.example.com"},
		{"query string", "https://fhir.example.com/r4?tenant=1"},
		{"fragment", "https://fhir.example.com/r4#frag"},
		{"empty host", "https:///r4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var invalidErr *InvalidLaunchError
			_, err := r.ResolveEHRLaunch(tt.iss, "tok")
			if !errors.As(err, &invalidErr) {
				t.Errorf("expected InvalidLaunchError for %q, got %v", tt.iss, err)
			}
		})
	}
}

func TestValidateIssuer_DevModeAllowsHTTP(t *testing.T) {
	r := newTestLaunchResolver("", nil, true)

	lc, err := r.ResolveEHRLaunch("http://localhost:8080/fhir", "tok")
	if err != nil {
		t.Fatalf("expected http issuer to pass in dev mode, got %v", err)
	}
	if lc.IssuerURL != "http://localhost:8080/fhir" {
		t.Errorf("issuer = %q", lc.IssuerURL)
	}
}

// ---------------------------------------------------------------------------
// Configured scope filtering
// ---------------------------------------------------------------------------

func TestNewLaunchResolver_DropsInvalidScopes(t *testing.T) {
	r := newTestLaunchResolver("", []string{"patient/Patient.read", "not a scope", "patient/Patient.delete"}, false)

	lc, err := r.ResolveEHRLaunch("https://fhir.example.com", "tok")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	scope := lc.Scope()
	if !containsScope(scope, "patient/Patient.read") {
		t.Errorf("valid configured scope missing from %q", scope)
	}
	if strings.Contains(scope, "not a scope") || strings.Contains(scope, "delete") {
		t.Errorf("invalid configured scopes must be dropped, got %q", scope)
	}
}
