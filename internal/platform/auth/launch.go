package auth

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Launch context resolution
// ---------------------------------------------------------------------------

// LaunchMode tags how the app was launched. The flow controller is
// mode-agnostic beyond context construction; only scope baselines and the
// launch token differ.
type LaunchMode string

const (
	LaunchModeEHR        LaunchMode = "ehr"
	LaunchModeStandalone LaunchMode = "standalone"
)

// LaunchContext describes one launch of the app against a FHIR server:
// which mode, which issuer, the opaque launch token handed over by the EHR
// (EHR mode only), and the scopes to request. Immutable once the
// authorization request is built.
type LaunchContext struct {
	Mode            LaunchMode `json:"mode"`
	IssuerURL       string     `json:"issuer_url"`
	LaunchToken     string     `json:"launch,omitempty"`
	RequestedScopes []string   `json:"requested_scopes"`
}

// Scope returns the requested scopes as the space-separated string sent in
// the authorization request.
func (lc *LaunchContext) Scope() string {
	return strings.Join(lc.RequestedScopes, " ")
}

// LaunchResolver validates inbound launch parameters and produces
// LaunchContexts. Application-specific read scopes come from static
// configuration; invalid entries are dropped at construction with a warning
// so a typo cannot break every launch.
type LaunchResolver struct {
	defaultFHIRBase string
	extraScopes     []string
	allowHTTP       bool
	logger          zerolog.Logger
}

// NewLaunchResolver creates a resolver. defaultFHIRBase is the operator
// configured FHIR server for standalone launches; allowHTTP permits plain
// HTTP issuers and must only be set in local development.
func NewLaunchResolver(defaultFHIRBase string, extraScopes []string, allowHTTP bool, logger zerolog.Logger) *LaunchResolver {
	var valid []string
	for _, s := range extraScopes {
		if !isValidSMARTScope(s) {
			logger.Warn().Str("scope", s).Msg("dropping configured scope that is not a valid SMART scope")
			continue
		}
		valid = append(valid, s)
	}
	return &LaunchResolver{
		defaultFHIRBase: defaultFHIRBase,
		extraScopes:     valid,
		allowHTTP:       allowHTTP,
		logger:          logger,
	}
}

// ResolveEHRLaunch builds the LaunchContext for an EHR-initiated launch.
// Both iss and launch are required; iss must be an absolute HTTPS URL.
func (r *LaunchResolver) ResolveEHRLaunch(iss, launch string) (*LaunchContext, error) {
	if iss == "" {
		return nil, &InvalidLaunchError{Reason: "missing iss parameter"}
	}
	if launch == "" {
		return nil, &InvalidLaunchError{Reason: "missing launch parameter"}
	}

	issuer, err := r.validateIssuer(iss)
	if err != nil {
		return nil, err
	}

	return &LaunchContext{
		Mode:            LaunchModeEHR,
		IssuerURL:       issuer,
		LaunchToken:     launch,
		RequestedScopes: assembleScopes(ehrBaselineScopes, r.extraScopes),
	}, nil
}

// ResolveStandaloneLaunch builds the LaunchContext for a standalone launch.
// fhirBase is the user-entered FHIR server base URL; when empty the
// configured default is used. Standalone launches carry no launch token.
func (r *LaunchResolver) ResolveStandaloneLaunch(fhirBase string) (*LaunchContext, error) {
	if fhirBase == "" {
		fhirBase = r.defaultFHIRBase
	}
	if fhirBase == "" {
		return nil, &InvalidLaunchError{Reason: "no FHIR server URL provided and no default configured"}
	}

	issuer, err := r.validateIssuer(fhirBase)
	if err != nil {
		return nil, err
	}

	return &LaunchContext{
		Mode:            LaunchModeStandalone,
		IssuerURL:       issuer,
		RequestedScopes: assembleScopes(standaloneBaselineScopes, r.extraScopes),
	}, nil
}

// validateIssuer checks that the issuer is an absolute HTTPS URL (HTTP only
// when explicitly allowed for local development) and normalizes away the
// trailing slash.
func (r *LaunchResolver) validateIssuer(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", &InvalidLaunchError{Reason: fmt.Sprintf("iss is not a valid URL: %q", raw)}
	}
	if !u.IsAbs() || u.Host == "" {
		return "", &InvalidLaunchError{Reason: fmt.Sprintf("iss must be an absolute URL, got %q", raw)}
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !r.allowHTTP {
			return "", &InvalidLaunchError{Reason: "iss must use https"}
		}
		r.logger.Warn().Str("iss", raw).Msg("accepting plain-HTTP issuer (development mode)")
	default:
		return "", &InvalidLaunchError{Reason: fmt.Sprintf("iss must use https, got scheme %q", u.Scheme)}
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", &InvalidLaunchError{Reason: "iss must not carry a query string or fragment"}
	}
	return strings.TrimRight(u.String(), "/"), nil
}
