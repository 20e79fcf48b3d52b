package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDiscoverer() *Discoverer {
	return NewDiscoverer(time.Hour, 5*time.Second, zerolog.Nop(), nil)
}

// newSMARTConfigServer serves a smart-configuration document and counts
// well-known fetches.
func newSMARTConfigServer(t *testing.T, cfg smartConfiguration, fetches *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(smartConfigurationPath, func(w http.ResponseWriter, r *http.Request) {
		if fetches != nil {
			fetches.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cfg)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func capabilityWithOAuthURIs(authorize, token string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"rest": []map[string]interface{}{
			{
				"mode": "server",
				"security": map[string]interface{}{
					"extension": []map[string]interface{}{
						{
							"url": oauthURIsExtensionURL,
							"extension": []map[string]interface{}{
								{"url": "authorize", "valueUri": authorize},
								{"url": "token", "valueUri": token},
							},
						},
					},
				},
			},
		},
	}
}

func TestDiscover_WellKnown(t *testing.T) {
	srv := newSMARTConfigServer(t, smartConfiguration{
		AuthorizationEndpoint:         "https://ehr.example/auth",
		TokenEndpoint:                 "https://ehr.example/token",
		Capabilities:                  []string{"launch-ehr", "launch-standalone"},
		CodeChallengeMethodsSupported: []string{"S256"},
	}, nil)

	d := newTestDiscoverer()
	md, err := d.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.AuthorizationEndpoint != "https://ehr.example/auth" {
		t.Errorf("authorization endpoint: got %q", md.AuthorizationEndpoint)
	}
	if md.TokenEndpoint != "https://ehr.example/token" {
		t.Errorf("token endpoint: got %q", md.TokenEndpoint)
	}
	if !md.SupportsPKCE() {
		t.Error("expected PKCE support to be advertised")
	}
}

func TestDiscover_TrimsTrailingSlash(t *testing.T) {
	srv := newSMARTConfigServer(t, smartConfiguration{
		AuthorizationEndpoint: "https://ehr.example/auth",
		TokenEndpoint:         "https://ehr.example/token",
	}, nil)

	d := newTestDiscoverer()
	md, err := d.Discover(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.Issuer != srv.URL {
		t.Errorf("expected issuer without trailing slash, got %q", md.Issuer)
	}
}

func TestDiscover_CapabilityFallbackOn404(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(smartConfigurationPath, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc(capabilityPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		json.NewEncoder(w).Encode(capabilityWithOAuthURIs("https://ehr.example/auth", "https://ehr.example/token"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDiscoverer()
	md, err := d.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.AuthorizationEndpoint != "https://ehr.example/auth" || md.TokenEndpoint != "https://ehr.example/token" {
		t.Errorf("fallback endpoints wrong: %+v", md)
	}
	if md.SupportsPKCE() {
		t.Error("CapabilityStatement fallback advertises no code challenge methods")
	}
}

func TestDiscover_CapabilityFallbackOnMissingEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	// Well-known responds 200 but without a token endpoint.
	mux.HandleFunc(smartConfigurationPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(smartConfiguration{AuthorizationEndpoint: "https://ehr.example/auth"})
	})
	mux.HandleFunc(capabilityPath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(capabilityWithOAuthURIs("https://cap.example/auth", "https://cap.example/token"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDiscoverer()
	md, err := d.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.AuthorizationEndpoint != "https://cap.example/auth" {
		t.Errorf("expected CapabilityStatement endpoints to win, got %q", md.AuthorizationEndpoint)
	}
}

func TestDiscover_ErrorWhenBothUnusable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(smartConfigurationPath, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc(capabilityPath, func(w http.ResponseWriter, r *http.Request) {
		// CapabilityStatement without the oauth-uris extension.
		json.NewEncoder(w).Encode(map[string]interface{}{"resourceType": "CapabilityStatement"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDiscoverer()
	_, err := d.Discover(context.Background(), srv.URL)
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DiscoveryError, got %T: %v", err, err)
	}
	if de.Issuer != srv.URL {
		t.Errorf("expected issuer %q in error, got %q", srv.URL, de.Issuer)
	}
}

func TestDiscover_ErrorOnUnreachableIssuer(t *testing.T) {
	d := newTestDiscoverer()
	d.client.Timeout = 200 * time.Millisecond

	_, err := d.Discover(context.Background(), "http://127.0.0.1:1")
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DiscoveryError, got %T: %v", err, err)
	}
}

func TestDiscover_CachesWithinTTL(t *testing.T) {
	var fetches atomic.Int64
	srv := newSMARTConfigServer(t, smartConfiguration{
		AuthorizationEndpoint: "https://ehr.example/auth",
		TokenEndpoint:         "https://ehr.example/token",
	}, &fetches)

	d := newTestDiscoverer()

	first, err := d.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := d.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetches.Load() != 1 {
		t.Errorf("expected 1 outbound fetch within TTL, got %d", fetches.Load())
	}
	if first != second {
		t.Error("expected the cached entry to be returned")
	}
}

func TestDiscover_RefetchesAfterTTL(t *testing.T) {
	var fetches atomic.Int64
	srv := newSMARTConfigServer(t, smartConfiguration{
		AuthorizationEndpoint: "https://ehr.example/auth",
		TokenEndpoint:         "https://ehr.example/token",
	}, &fetches)

	d := newTestDiscoverer()
	now := time.Now()
	d.nowFunc = func() time.Time { return now }

	if _, err := d.Discover(context.Background(), srv.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Advance the clock past the TTL; the cache entry must be considered
	// stale and replaced wholesale.
	now = now.Add(d.ttl + time.Minute)
	if _, err := d.Discover(context.Background(), srv.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetches.Load() != 2 {
		t.Errorf("expected refetch after TTL expiry, got %d fetches", fetches.Load())
	}
}

func TestDiscover_CoalescesConcurrentFetches(t *testing.T) {
	var fetches atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc(smartConfigurationPath, func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(smartConfiguration{
			AuthorizationEndpoint: "https://ehr.example/auth",
			TokenEndpoint:         "https://ehr.example/token",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDiscoverer()

	const callers = 10
	results := make([]*ServerMetadata, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			md, err := d.Discover(context.Background(), srv.URL)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = md
		}(i)
	}
	wg.Wait()

	if fetches.Load() != 1 {
		t.Errorf("expected concurrent discoveries to coalesce into 1 fetch, got %d", fetches.Load())
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Errorf("caller %d observed a different metadata instance", i)
		}
	}
}

func TestDiscoverer_Invalidate(t *testing.T) {
	var fetches atomic.Int64
	srv := newSMARTConfigServer(t, smartConfiguration{
		AuthorizationEndpoint: "https://ehr.example/auth",
		TokenEndpoint:         "https://ehr.example/token",
	}, &fetches)

	d := newTestDiscoverer()
	if _, err := d.Discover(context.Background(), srv.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Invalidate(srv.URL)
	if _, err := d.Discover(context.Background(), srv.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetches.Load() != 2 {
		t.Errorf("expected refetch after Invalidate, got %d fetches", fetches.Load())
	}
}

func TestDiscoverer_Sweep(t *testing.T) {
	d := newTestDiscoverer()
	now := time.Now()
	d.nowFunc = func() time.Time { return now }

	d.mu.Lock()
	d.cache["https://fresh.example"] = &ServerMetadata{FetchedAt: now}
	d.cache["https://stale.example"] = &ServerMetadata{FetchedAt: now.Add(-2 * d.ttl)}
	d.mu.Unlock()

	d.sweep()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.cache["https://fresh.example"]; !ok {
		t.Error("fresh entry should survive the sweep")
	}
	if _, ok := d.cache["https://stale.example"]; ok {
		t.Error("stale entry should be swept")
	}
}
