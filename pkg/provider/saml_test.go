package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslane/crosslane/pkg/cache"
	"github.com/crosslane/crosslane/pkg/certs"
	"github.com/crosslane/crosslane/pkg/configstore"
	"github.com/crosslane/crosslane/pkg/discovery"
	"github.com/crosslane/crosslane/pkg/errdefs"
)

type memoryCertStore struct {
	saved map[string][][]byte
}

func newMemoryCertStore() *memoryCertStore {
	return &memoryCertStore{saved: make(map[string][][]byte)}
}

func (s *memoryCertStore) SaveCertificate(_ context.Context, owner string, pemData []byte) error {
	s.saved[owner] = append(s.saved[owner], pemData)
	return nil
}

func (s *memoryCertStore) ActiveCertificate(_ context.Context, owner string) ([]byte, error) {
	certsList := s.saved[owner]
	if len(certsList) == 0 {
		return nil, errdefs.Certificate("no certificate for %s", owner)
	}
	return certsList[len(certsList)-1], nil
}

func (s *memoryCertStore) ListCertificates(_ context.Context) (map[string][][]byte, error) {
	return s.saved, nil
}

func samlConfig(t *testing.T) *configstore.ProviderConfig {
	t.Helper()
	manager := certs.NewManager(nil)
	idpCert, err := manager.GenerateSelfSigned("idp.example.com", 365)
	require.NoError(t, err)

	return &configstore.ProviderConfig{
		ID:       "cfg-saml",
		OrgID:    "org1",
		Protocol: configstore.ProtocolSAML,
		Enabled:  true,
		SAML: &configstore.SAMLSettings{
			IdPEntityID:     "https://idp.example.com/saml",
			SSOURL:          "https://idp.example.com/sso",
			IdPCertificates: []string{string(idpCert.PEM)},
		},
	}
}

func idpMetadataXML(t *testing.T, validUntil string) string {
	t.Helper()
	manager := certs.NewManager(nil)
	idpCert, err := manager.GenerateSelfSigned("idp.example.com", 365)
	require.NoError(t, err)

	validUntilAttr := ""
	if validUntil != "" {
		validUntilAttr = fmt.Sprintf(` validUntil=%q`, validUntil)
	}
	return fmt.Sprintf(`<?xml version="1.0"?>
<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.com/saml"%s>
  <IDPSSODescriptor>
    <KeyDescriptor use="signing">
      <KeyInfo xmlns="http://www.w3.org/2000/09/xmldsig#">
        <X509Data><X509Certificate>%s</X509Certificate></X509Data>
      </KeyInfo>
    </KeyDescriptor>
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.com/metadata-sso"/>
  </IDPSSODescriptor>
</EntityDescriptor>`, validUntilAttr, base64.StdEncoding.EncodeToString(idpCert.Cert.Raw))
}

func TestSAMLLoginURL(t *testing.T) {
	handler := NewSAMLHandler("https://broker.example.com", newMemoryCertStore())
	config := samlConfig(t)

	loginURL, err := handler.LoginURL(context.Background(), config, "state-456")
	require.NoError(t, err)

	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", parsed.Host)
	assert.Equal(t, "/sso", parsed.Path)
	assert.Equal(t, "state-456", parsed.Query().Get("RelayState"))
	assert.NotEmpty(t, parsed.Query().Get("SAMLRequest"))
}

func TestSAMLSignedRequestsPersistCertificate(t *testing.T) {
	store := newMemoryCertStore()
	handler := NewSAMLHandler("https://broker.example.com", store)
	config := samlConfig(t)
	config.SAML.SignRequests = true

	_, err := handler.LoginURL(context.Background(), config, "s")
	require.NoError(t, err)
	require.Len(t, store.saved["cfg-saml"], 1)

	// A second login reuses the cached credential instead of minting
	// another certificate.
	_, err = handler.LoginURL(context.Background(), config, "s2")
	require.NoError(t, err)
	assert.Len(t, store.saved["cfg-saml"], 1)
}

func TestSAMLConfigurationErrors(t *testing.T) {
	handler := NewSAMLHandler("https://broker.example.com", newMemoryCertStore())

	tests := []struct {
		name   string
		mutate func(*configstore.ProviderConfig)
	}{
		{"no saml settings", func(c *configstore.ProviderConfig) { c.SAML = nil }},
		{"no sso url", func(c *configstore.ProviderConfig) { c.SAML.SSOURL = "" }},
		{"no certificates", func(c *configstore.ProviderConfig) { c.SAML.IdPCertificates = nil }},
		{"malformed certificate", func(c *configstore.ProviderConfig) {
			c.SAML.IdPCertificates = []string{"not a certificate"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := samlConfig(t)
			tt.mutate(config)
			_, err := handler.LoginURL(context.Background(), config, "s")
			require.Error(t, err)
			assert.True(t, errdefs.IsConfiguration(err))
		})
	}
}

func TestSAMLLoginURLFromUploadedMetadata(t *testing.T) {
	handler := NewSAMLHandler("https://broker.example.com", newMemoryCertStore())
	config := samlConfig(t)
	// The uploaded document is the only source of entity id, SSO
	// endpoint, and trust anchors.
	config.SAML = &configstore.SAMLSettings{
		MetadataXML: idpMetadataXML(t, ""),
	}

	loginURL, err := handler.LoginURL(context.Background(), config, "state-789")
	require.NoError(t, err)

	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)
	assert.Equal(t, "/metadata-sso", parsed.Path)
	assert.Equal(t, "state-789", parsed.Query().Get("RelayState"))
}

func TestSAMLExplicitSettingsOverrideMetadata(t *testing.T) {
	handler := NewSAMLHandler("https://broker.example.com", newMemoryCertStore())
	config := samlConfig(t)
	config.SAML.MetadataXML = idpMetadataXML(t, "")

	loginURL, err := handler.LoginURL(context.Background(), config, "s")
	require.NoError(t, err)

	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)
	assert.Equal(t, "/sso", parsed.Path)
}

func TestSAMLRejectsExpiredIdPMetadata(t *testing.T) {
	handler := NewSAMLHandler("https://broker.example.com", newMemoryCertStore())
	config := samlConfig(t)
	expired := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	config.SAML = &configstore.SAMLSettings{
		MetadataXML: idpMetadataXML(t, expired),
	}

	_, err := handler.LoginURL(context.Background(), config, "s")
	require.Error(t, err)
	assert.True(t, errdefs.IsMetadata(err))
}

func TestSAMLResolveIdentityMissingResponse(t *testing.T) {
	handler := NewSAMLHandler("https://broker.example.com", newMemoryCertStore())

	_, err := handler.ResolveIdentity(context.Background(), samlConfig(t), Payload{})
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthentication(err))
	assert.Equal(t, "authentication failed", err.Error())
}

func TestSAMLResolveIdentityGarbageResponse(t *testing.T) {
	handler := NewSAMLHandler("https://broker.example.com", newMemoryCertStore())

	_, err := handler.ResolveIdentity(context.Background(), samlConfig(t), Payload{
		SAMLResponse: "bm90IHNhbWw=",
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthentication(err))
}

func TestFactoryDispatch(t *testing.T) {
	factory := NewFactory("https://broker.example.com",
		discovery.NewService(cache.NewMemoryCache(16)), newMemoryCertStore())

	samlHandler, err := factory.Handler(configstore.ProtocolSAML)
	require.NoError(t, err)
	assert.Equal(t, configstore.ProtocolSAML, samlHandler.Protocol())

	oidcHandler, err := factory.Handler(configstore.ProtocolOIDC)
	require.NoError(t, err)
	assert.Equal(t, configstore.ProtocolOIDC, oidcHandler.Protocol())

	_, err = factory.Handler("ldap")
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestFactorySharesSAMLHandler(t *testing.T) {
	factory := NewFactory("https://broker.example.com",
		discovery.NewService(cache.NewMemoryCache(16)), newMemoryCertStore())

	dispatched, err := factory.Handler(configstore.ProtocolSAML)
	require.NoError(t, err)

	// The metadata surface and the login flow must share one handler so
	// both see the same signer cache.
	assert.Same(t, dispatched, factory.SAML())
}

func TestPresetMapping(t *testing.T) {
	rules, err := PresetMapping("okta")
	require.NoError(t, err)
	assert.NotEmpty(t, rules)
	assert.Equal(t, "sub", rules[0].Source)

	_, err = PresetMapping("unknown-idp")
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}
