package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/clinflow/smartlaunch/internal/platform/telemetry"
)

// SMART on FHIR discovery locations and the CapabilityStatement extension
// that carries OAuth endpoints on servers predating smart-configuration.
const (
	smartConfigurationPath = "/.well-known/smart-configuration"
	capabilityPath         = "/metadata"
	oauthURIsExtensionURL  = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"
)

// maxMetadataBytes caps discovery response bodies so a misbehaving server
// cannot exhaust memory.
const maxMetadataBytes = 1 << 20

// DiscoveryError indicates that a FHIR server's OAuth endpoints could not be
// resolved: the configuration documents were unreachable, malformed, or
// missing the required endpoints.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovering OAuth endpoints for %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ServerMetadata holds the OAuth endpoints discovered for a FHIR server.
// Instances are immutable once published to the cache; a refresh replaces
// the entry wholesale.
type ServerMetadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	IntrospectionEndpoint string
	RevocationEndpoint    string
	Capabilities          []string
	CodeChallengeMethods  []string
	FetchedAt             time.Time
}

// SupportsPKCE reports whether the server advertises the S256 code challenge
// method. SMART App Launch 2.0 requires S256; plain is never used.
func (m *ServerMetadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethods {
		if method == "S256" {
			return true
		}
	}
	return false
}

// smartConfiguration is the wire form of the SMART on FHIR well-known
// configuration as defined by the SMART App Launch Framework (HL7).
type smartConfiguration struct {
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	Capabilities                  []string `json:"capabilities"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// capabilityStatement is the minimal slice of a FHIR CapabilityStatement
// needed to locate the oauth-uris security extension.
type capabilityStatement struct {
	ResourceType string `json:"resourceType"`
	Rest         []struct {
		Security struct {
			Extension []capabilityExtension `json:"extension"`
		} `json:"security"`
	} `json:"rest"`
}

type capabilityExtension struct {
	URL       string                `json:"url"`
	ValueURI  string                `json:"valueUri"`
	Extension []capabilityExtension `json:"extension"`
}

// Discoverer resolves OAuth endpoint metadata for FHIR issuers and caches
// the result per issuer with a TTL. Concurrent discoveries for the same
// issuer coalesce into a single outbound fetch.
type Discoverer struct {
	client    *http.Client
	ttl       time.Duration
	logger    zerolog.Logger
	telemetry *telemetry.TelemetryProvider

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*ServerMetadata

	// nowFunc is overridable in tests to control TTL expiry.
	nowFunc func() time.Time
}

// NewDiscoverer creates a discoverer with the given cache TTL and outbound
// request timeout. tp may be nil when metrics are not collected.
func NewDiscoverer(ttl, timeout time.Duration, logger zerolog.Logger, tp *telemetry.TelemetryProvider) *Discoverer {
	return &Discoverer{
		client:    &http.Client{Timeout: timeout},
		ttl:       ttl,
		logger:    logger,
		telemetry: tp,
		cache:     make(map[string]*ServerMetadata),
		nowFunc:   time.Now,
	}
}

// Discover returns the OAuth endpoint metadata for the given issuer,
// fetching it when no fresh cache entry exists. Resolution order: the
// issuer's /.well-known/smart-configuration document; on 404 or a document
// missing the required endpoints, the CapabilityStatement oauth-uris
// extension. Returns *DiscoveryError when neither yields both endpoints.
func (d *Discoverer) Discover(ctx context.Context, issuer string) (*ServerMetadata, error) {
	issuer = strings.TrimRight(issuer, "/")

	if md := d.cached(issuer); md != nil {
		d.telemetry.DiscoveryCounter("cache_hit")
		return md, nil
	}

	v, err, shared := d.group.Do(issuer, func() (interface{}, error) {
		// Re-check under the flight: a previous caller may have just
		// populated the cache.
		if md := d.cached(issuer); md != nil {
			d.telemetry.DiscoveryCounter("cache_hit")
			return md, nil
		}
		md, err := d.fetch(ctx, issuer)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cache[issuer] = md
		size := len(d.cache)
		d.mu.Unlock()
		d.telemetry.DiscoveryCacheGauge(int64(size))
		return md, nil
	})
	if err != nil {
		d.telemetry.DiscoveryCounter("error")
		return nil, err
	}
	if shared {
		d.logger.Debug().Str("issuer", issuer).Msg("discovery coalesced with in-flight fetch")
	}
	return v.(*ServerMetadata), nil
}

// Invalidate drops the cached metadata for an issuer so the next Discover
// fetches fresh endpoints.
func (d *Discoverer) Invalidate(issuer string) {
	issuer = strings.TrimRight(issuer, "/")
	d.mu.Lock()
	delete(d.cache, issuer)
	d.mu.Unlock()
}

// cached returns the fresh cache entry for issuer, or nil.
func (d *Discoverer) cached(issuer string) *ServerMetadata {
	d.mu.RLock()
	md, ok := d.cache[issuer]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	if d.nowFunc().Sub(md.FetchedAt) > d.ttl {
		return nil
	}
	return md
}

// fetch resolves metadata from the network.
func (d *Discoverer) fetch(ctx context.Context, issuer string) (*ServerMetadata, error) {
	md, fallback, err := d.fetchSMARTConfiguration(ctx, issuer)
	if err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}
	if fallback {
		d.logger.Debug().Str("issuer", issuer).Msg("smart-configuration unusable, falling back to CapabilityStatement")
		md, err = d.fetchCapabilityStatement(ctx, issuer)
		if err != nil {
			return nil, &DiscoveryError{Issuer: issuer, Err: err}
		}
		d.telemetry.DiscoveryCounter("fallback")
	} else {
		d.telemetry.DiscoveryCounter("fetched")
	}

	d.logger.Info().
		Str("issuer", issuer).
		Str("authorization_endpoint", md.AuthorizationEndpoint).
		Str("token_endpoint", md.TokenEndpoint).
		Bool("pkce", md.SupportsPKCE()).
		Msg("discovered OAuth endpoints")
	return md, nil
}

// fetchSMARTConfiguration fetches the well-known document. The second return
// is true when the caller should fall back to the CapabilityStatement: the
// document is absent (404) or does not carry both required endpoints.
func (d *Discoverer) fetchSMARTConfiguration(ctx context.Context, issuer string) (*ServerMetadata, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+smartConfigurationPath, nil)
	if err != nil {
		return nil, false, fmt.Errorf("building smart-configuration request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetching smart-configuration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("smart-configuration endpoint returned status %d", resp.StatusCode)
	}

	var cfg smartConfiguration
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&cfg); err != nil {
		return nil, true, nil
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, true, nil
	}

	return &ServerMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: cfg.AuthorizationEndpoint,
		TokenEndpoint:         cfg.TokenEndpoint,
		IntrospectionEndpoint: cfg.IntrospectionEndpoint,
		RevocationEndpoint:    cfg.RevocationEndpoint,
		Capabilities:          cfg.Capabilities,
		CodeChallengeMethods:  cfg.CodeChallengeMethodsSupported,
		FetchedAt:             d.nowFunc(),
	}, false, nil
}

// fetchCapabilityStatement resolves endpoints from the server's
// CapabilityStatement oauth-uris extension.
func (d *Discoverer) fetchCapabilityStatement(ctx context.Context, issuer string) (*ServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+capabilityPath, nil)
	if err != nil {
		return nil, fmt.Errorf("building CapabilityStatement request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching CapabilityStatement: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CapabilityStatement endpoint returned status %d", resp.StatusCode)
	}

	var cs capabilityStatement
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&cs); err != nil {
		return nil, fmt.Errorf("decoding CapabilityStatement: %w", err)
	}

	md := &ServerMetadata{Issuer: issuer, FetchedAt: d.nowFunc()}
	for _, rest := range cs.Rest {
		for _, ext := range rest.Security.Extension {
			if ext.URL != oauthURIsExtensionURL {
				continue
			}
			for _, sub := range ext.Extension {
				switch sub.URL {
				case "authorize":
					md.AuthorizationEndpoint = sub.ValueURI
				case "token":
					md.TokenEndpoint = sub.ValueURI
				case "introspect":
					md.IntrospectionEndpoint = sub.ValueURI
				case "revoke":
					md.RevocationEndpoint = sub.ValueURI
				}
			}
		}
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, fmt.Errorf("CapabilityStatement missing authorize or token endpoint in %s extension", oauthURIsExtensionURL)
	}
	return md, nil
}

// StartCleanup starts a background goroutine that sweeps expired cache
// entries until ctx is cancelled.
func (d *Discoverer) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweep()
			}
		}
	}()
}

// sweep removes expired entries from the cache.
func (d *Discoverer) sweep() {
	now := d.nowFunc()

	d.mu.Lock()
	for issuer, md := range d.cache {
		if now.Sub(md.FetchedAt) > d.ttl {
			delete(d.cache, issuer)
		}
	}
	size := len(d.cache)
	d.mu.Unlock()

	d.telemetry.DiscoveryCacheGauge(int64(size))
}
