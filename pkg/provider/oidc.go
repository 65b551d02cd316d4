package provider

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/crosslane/crosslane/pkg/attrmap"
	"github.com/crosslane/crosslane/pkg/configstore"
	"github.com/crosslane/crosslane/pkg/discovery"
	"github.com/crosslane/crosslane/pkg/errdefs"
)

// signatureAlgorithms are the JWS algorithms accepted on ID tokens.
var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

// OIDCHandler performs the authorization-code exchange and ID token
// verification for configured providers. Issuer metadata and signing keys
// come from the shared discovery service, so repeated logins against the
// same issuer reuse cached documents.
type OIDCHandler struct {
	discovery *discovery.Service
	log       *logrus.Entry
}

// NewOIDCHandler creates the OIDC handler on top of disc.
func NewOIDCHandler(disc *discovery.Service) *OIDCHandler {
	return &OIDCHandler{
		discovery: disc,
		log:       logrus.WithField("component", "oidc"),
	}
}

func (h *OIDCHandler) Protocol() configstore.Protocol { return configstore.ProtocolOIDC }

// LoginURL returns the authorization endpoint URL carrying state.
func (h *OIDCHandler) LoginURL(ctx context.Context, config *configstore.ProviderConfig, state string) (string, error) {
	oauthConfig, _, err := h.oauthConfig(ctx, config)
	if err != nil {
		return "", err
	}
	return oauthConfig.AuthCodeURL(state), nil
}

// ResolveIdentity exchanges the authorization code, verifies the returned
// ID token against the issuer's published keys, and extracts its claims.
func (h *OIDCHandler) ResolveIdentity(ctx context.Context, config *configstore.ProviderConfig, payload Payload) (*Identity, error) {
	if payload.Code == "" {
		return nil, errdefs.Authentication("missing authorization code")
	}

	oauthConfig, doc, err := h.oauthConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	token, err := oauthConfig.Exchange(ctx, payload.Code)
	if err != nil {
		return nil, errdefs.WrapAuthentication(err, "code exchange failed")
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errdefs.Authentication("token response carries no id_token")
	}

	verifier := oidc.NewVerifier(doc.Issuer, &discoveryKeySet{
		issuer:       doc.Issuer,
		discoveryURL: config.OIDC.DiscoveryURL,
		discovery:    h.discovery,
	}, &oidc.Config{ClientID: config.OIDC.ClientID})

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, errdefs.WrapAuthentication(err, "id token verification failed")
	}
	if idToken.Subject == "" {
		return nil, errdefs.Authentication("id token carries no subject")
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, errdefs.WrapAuthentication(err, "id token claims unparsable")
	}

	return &Identity{
		Issuer:     doc.Issuer,
		Subject:    idToken.Subject,
		Attributes: claimAttributes(claims),
	}, nil
}

// oauthConfig resolves the issuer's endpoints through discovery and builds
// the oauth2 configuration for config.
func (h *OIDCHandler) oauthConfig(ctx context.Context, config *configstore.ProviderConfig) (*oauth2.Config, *discovery.Document, error) {
	settings := config.OIDC
	if settings == nil {
		return nil, nil, errdefs.Configuration("provider %s has no OIDC settings", config.ID)
	}
	if settings.Issuer == "" || settings.ClientID == "" {
		return nil, nil, errdefs.Configuration("provider %s is missing OIDC issuer or client id", config.ID)
	}

	var doc *discovery.Document
	var err error
	if settings.DiscoveryURL != "" {
		doc, err = h.discovery.DiscoverFromURL(ctx, settings.Issuer, settings.DiscoveryURL)
	} else {
		doc, err = h.discovery.Discover(ctx, settings.Issuer)
	}
	if err != nil {
		return nil, nil, err
	}

	scopes := settings.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &oauth2.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		RedirectURL:  settings.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}, doc, nil
}

// discoveryKeySet verifies ID token signatures with keys resolved through
// the discovery service, so an unknown kid triggers at most one forced
// JWKS refetch. discoveryURL carries the provider's non-standard discovery
// path so that refetch hits the same endpoint the login flow does.
type discoveryKeySet struct {
	issuer       string
	discoveryURL string
	discovery    *discovery.Service
}

func (k *discoveryKeySet) VerifySignature(ctx context.Context, jwt string) ([]byte, error) {
	jws, err := jose.ParseSigned(jwt, signatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("malformed jwt: %w", err)
	}
	if len(jws.Signatures) == 0 {
		return nil, fmt.Errorf("jwt carries no signature")
	}

	keyID := jws.Signatures[0].Header.KeyID
	key, err := k.discovery.ResolveSigningKey(ctx, k.issuer, k.discoveryURL, keyID)
	if err != nil {
		return nil, err
	}
	return jws.Verify(key)
}

// claimAttributes flattens ID token claims into raw attributes. String
// claims map directly; string arrays, as used for groups, keep every
// element.
func claimAttributes(claims map[string]interface{}) attrmap.RawAttributes {
	raw := make(attrmap.RawAttributes)
	for name, value := range claims {
		switch v := value.(type) {
		case string:
			raw.Add(name, v)
		case bool:
			raw.Add(name, fmt.Sprintf("%t", v))
		case []interface{}:
			for _, elem := range v {
				if s, ok := elem.(string); ok {
					raw.Add(name, s)
				}
			}
		}
	}
	return raw
}
