// Package discovery fetches and caches OIDC discovery documents and key
// sets, and resolves the signing keys used to verify ID tokens.
//
// The cache is process-scoped with an explicit TTL and explicit clear.
// Concurrent callers asking for the same uncached issuer coalesce onto a
// single outbound fetch.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/crosslane/crosslane/pkg/cache"
	"github.com/crosslane/crosslane/pkg/errdefs"
)

const (
	// DefaultTTL is how long a discovery document stays cached.
	DefaultTTL = 24 * time.Hour

	// DefaultTimeout bounds each outbound fetch.
	DefaultTimeout = 10 * time.Second

	wellKnownPath = "/.well-known/openid-configuration"
	cachePrefix   = "discovery:"

	maxResponseBytes = 1 << 20
)

// Document is a cached per-issuer discovery document plus its fetched JWKS.
type Document struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string   `json:"jwks_uri"`
	EndSessionEndpoint    string   `json:"end_session_endpoint,omitempty"`
	SigningAlgs           []string `json:"id_token_signing_alg_values_supported,omitempty"`

	JWKS      jose.JSONWebKeySet `json:"jwks"`
	FetchedAt time.Time          `json:"fetched_at"`
}

// Service fetches and caches discovery documents.
type Service struct {
	cache  cache.Cache
	client *http.Client
	ttl    time.Duration
	flight singleflight.Group
	log    *logrus.Entry
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides the discovery cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithHTTPClient overrides the HTTP client used for fetches. The client
// should carry its own timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) { s.client = client }
}

// NewService creates a discovery service fronted by c.
func NewService(c cache.Cache, opts ...Option) *Service {
	s := &Service{
		cache: c,
		ttl:   DefaultTTL,
		client: &http.Client{
			Timeout: DefaultTimeout,
			// External discovery URLs are operator-supplied but still
			// untrusted; permit at most one redirect hop.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 2 {
					return fmt.Errorf("too many redirects fetching %s", req.URL)
				}
				return nil
			},
		},
		log: logrus.WithField("component", "discovery"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Discover returns the discovery document for issuer, fetching
// {issuer}/.well-known/openid-configuration on a cache miss.
func (s *Service) Discover(ctx context.Context, issuer string) (*Document, error) {
	return s.discover(ctx, issuer, strings.TrimSuffix(issuer, "/")+wellKnownPath, false)
}

// DiscoverFromURL fetches the discovery document from an explicit URL,
// for providers whose discovery path does not follow the well-known
// convention. The document is cached under its issuer.
func (s *Service) DiscoverFromURL(ctx context.Context, issuer, explicitURL string) (*Document, error) {
	return s.discover(ctx, issuer, explicitURL, false)
}

// ClearCache drops the cached document for issuer, forcing a refetch on
// next use. Called after administrator-triggered reconfiguration.
func (s *Service) ClearCache(ctx context.Context, issuer string) {
	s.cache.Delete(ctx, cachePrefix+issuer)
}

// ResolveSigningKey returns the JWKS key with the given key id for issuer.
// discoveryURL overrides the well-known convention when non-empty, so
// providers with non-standard discovery paths refetch from the right place.
// On a key-id miss it forces exactly one refetch, bounding the retry
// amplification a hostile token presenter could otherwise trigger.
func (s *Service) ResolveSigningKey(ctx context.Context, issuer, discoveryURL, keyID string) (*jose.JSONWebKey, error) {
	url := discoveryURL
	if url == "" {
		url = strings.TrimSuffix(issuer, "/") + wellKnownPath
	}

	doc, err := s.discover(ctx, issuer, url, false)
	if err != nil {
		return nil, err
	}
	if key := findKey(&doc.JWKS, keyID); key != nil {
		return key, nil
	}

	// Plausible key rotation: one forced refresh, no more.
	doc, err = s.discover(ctx, issuer, url, true)
	if err != nil {
		return nil, err
	}
	if key := findKey(&doc.JWKS, keyID); key != nil {
		return key, nil
	}
	return nil, errdefs.Authentication(fmt.Sprintf("no signing key %q for issuer %s", keyID, issuer))
}

func findKey(set *jose.JSONWebKeySet, keyID string) *jose.JSONWebKey {
	for _, key := range set.Key(keyID) {
		if key.Use == "" || key.Use == "sig" {
			k := key
			return &k
		}
	}
	return nil
}

func (s *Service) discover(ctx context.Context, issuer, url string, force bool) (*Document, error) {
	key := cachePrefix + issuer

	if !force {
		if data, ok := s.cache.Get(ctx, key); ok {
			var doc Document
			if err := json.Unmarshal(data, &doc); err == nil {
				return &doc, nil
			}
			// Corrupt cache payload: drop it and refetch.
			s.cache.Delete(ctx, key)
		}
	}

	// Coalesce concurrent fetches for the same issuer onto one request.
	// Forced fetches fly under their own key so a rotation refetch can
	// never join an in-flight ordinary fetch and come back with the
	// stale document it was trying to replace.
	flightKey := issuer
	if force {
		flightKey = "force\x00" + issuer
	}
	v, err, _ := s.flight.Do(flightKey, func() (interface{}, error) {
		if !force {
			// A racing caller may have populated the cache while we
			// waited our turn.
			if data, ok := s.cache.Get(ctx, key); ok {
				var doc Document
				if err := json.Unmarshal(data, &doc); err == nil {
					return &doc, nil
				}
			}
		}

		doc, err := s.fetch(ctx, issuer, url)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(doc); err == nil {
			s.cache.Set(ctx, key, data, s.ttl)
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (s *Service) fetch(ctx context.Context, issuer, url string) (*Document, error) {
	body, err := s.get(ctx, url)
	if err != nil {
		return nil, errdefs.WrapConfiguration(err, fmt.Sprintf("issuer %s discovery fetch failed", issuer))
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errdefs.WrapConfiguration(err, fmt.Sprintf("issuer %s returned malformed discovery document", issuer))
	}
	if doc.Issuer != issuer {
		return nil, errdefs.Configuration("discovery document issuer %q does not match %q", doc.Issuer, issuer)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		return nil, errdefs.Configuration("issuer %s discovery document is missing required endpoints", issuer)
	}

	jwksBody, err := s.get(ctx, doc.JWKSURI)
	if err != nil {
		return nil, errdefs.WrapConfiguration(err, fmt.Sprintf("issuer %s JWKS fetch failed", issuer))
	}
	if err := json.Unmarshal(jwksBody, &doc.JWKS); err != nil {
		return nil, errdefs.WrapConfiguration(err, fmt.Sprintf("issuer %s returned malformed JWKS", issuer))
	}

	doc.FetchedAt = time.Now().UTC()
	s.log.WithFields(logrus.Fields{"issuer": issuer, "keys": len(doc.JWKS.Keys)}).Debug("discovery document fetched")
	return &doc, nil
}

func (s *Service) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}
