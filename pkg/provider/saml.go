package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/sirupsen/logrus"

	"github.com/crosslane/crosslane/pkg/attrmap"
	"github.com/crosslane/crosslane/pkg/certs"
	"github.com/crosslane/crosslane/pkg/configstore"
	"github.com/crosslane/crosslane/pkg/errdefs"
	"github.com/crosslane/crosslane/pkg/metadata"
)

// SAMLHandler validates SAML 2.0 responses for configured providers.
type SAMLHandler struct {
	baseURL  string
	manager  *certs.Manager
	metadata *metadata.Manager

	mu      sync.Mutex
	signers map[string]*certs.Certificate // config id -> SP signing credential
	log     *logrus.Entry
}

// NewSAMLHandler creates the SAML handler. certStore persists SP signing
// certificates so they can be published in SP metadata; the matching
// private keys stay in memory.
func NewSAMLHandler(baseURL string, certStore certs.Store) *SAMLHandler {
	manager := certs.NewManager(certStore)
	return &SAMLHandler{
		baseURL:  baseURL,
		manager:  manager,
		metadata: metadata.NewManager(manager),
		signers:  make(map[string]*certs.Certificate),
		log:      logrus.WithField("component", "saml"),
	}
}

func (h *SAMLHandler) Protocol() configstore.Protocol { return configstore.ProtocolSAML }

// LoginURL builds a redirect-binding AuthnRequest URL for the configured
// IdP.
func (h *SAMLHandler) LoginURL(ctx context.Context, config *configstore.ProviderConfig, state string) (string, error) {
	sp, err := h.serviceProvider(ctx, config)
	if err != nil {
		return "", err
	}
	authURL, err := sp.BuildAuthURL(state)
	if err != nil {
		return "", errdefs.WrapConfiguration(err, "failed to build SAML auth URL")
	}
	return authURL, nil
}

// ResolveIdentity validates the SAMLResponse against the configured IdP
// certificates and extracts the asserted attributes.
func (h *SAMLHandler) ResolveIdentity(ctx context.Context, config *configstore.ProviderConfig, payload Payload) (*Identity, error) {
	if payload.SAMLResponse == "" {
		return nil, errdefs.Authentication("missing SAMLResponse")
	}

	sp, err := h.serviceProvider(ctx, config)
	if err != nil {
		return nil, err
	}

	assertionInfo, err := sp.RetrieveAssertionInfo(payload.SAMLResponse)
	if err != nil {
		return nil, errdefs.WrapAuthentication(err, "assertion validation failed")
	}
	if warnings := assertionInfo.WarningInfo; warnings != nil {
		if warnings.InvalidTime {
			return nil, errdefs.Authentication("assertion outside its validity window")
		}
		if warnings.NotInAudience {
			return nil, errdefs.Authentication("assertion audience does not include this service provider")
		}
	}
	if assertionInfo.NameID == "" {
		return nil, errdefs.Authentication("assertion carries no NameID")
	}

	raw := make(attrmap.RawAttributes)
	raw.Add("name_id", assertionInfo.NameID)
	for _, attr := range assertionInfo.Values {
		for _, value := range attr.Values {
			raw.Add(attr.Name, value.Value)
		}
	}

	return &Identity{
		Issuer:     sp.IdentityProviderIssuer,
		Subject:    assertionInfo.NameID,
		Attributes: raw,
	}, nil
}

// serviceProvider assembles the gosaml2 service provider for config. The
// IdP trust store is rebuilt from the configured PEM certificates on every
// call so certificate updates take effect without restarts. When an IdP
// metadata document was uploaded it supplies the entity id, SSO endpoint,
// and signing certificates; explicit settings take precedence over it.
func (h *SAMLHandler) serviceProvider(ctx context.Context, config *configstore.ProviderConfig) (*saml2.SAMLServiceProvider, error) {
	settings := config.SAML
	if settings == nil {
		return nil, errdefs.Configuration("provider %s has no SAML settings", config.ID)
	}

	ssoURL := settings.SSOURL
	entityID := settings.IdPEntityID
	trustStore := dsig.MemoryX509CertificateStore{}

	if settings.MetadataXML != "" {
		doc, err := h.metadata.ParseIdPMetadata([]byte(settings.MetadataXML))
		if err != nil {
			return nil, err
		}
		// An expired document must not authorize new exchanges.
		if res := h.metadata.Validate(doc, time.Now()); !res.Valid {
			return nil, res.Err
		}
		if entityID == "" {
			entityID = doc.EntityID
		}
		if ssoURL == "" {
			ssoURL = doc.SSOURL(metadata.BindingHTTPRedirect)
		}
		for _, cert := range doc.SigningCertificates {
			trustStore.Roots = append(trustStore.Roots, cert.Cert)
		}
	}

	if ssoURL == "" || entityID == "" {
		return nil, errdefs.Configuration("provider %s is missing SAML SSO endpoint or entity id", config.ID)
	}

	for _, pemData := range settings.IdPCertificates {
		cert, err := certs.ParsePEM([]byte(pemData))
		if err != nil {
			return nil, errdefs.WrapConfiguration(err, fmt.Sprintf("provider %s has a malformed IdP certificate", config.ID))
		}
		trustStore.Roots = append(trustStore.Roots, cert.Cert)
	}
	if len(trustStore.Roots) == 0 {
		return nil, errdefs.Configuration("provider %s has no IdP signing certificates", config.ID)
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      ssoURL,
		IdentityProviderIssuer:      entityID,
		ServiceProviderIssuer:       h.EntityID(config.OrgID),
		AssertionConsumerServiceURL: h.CallbackURL(config.OrgID),
		AudienceURI:                 h.EntityID(config.OrgID),
		IDPCertificateStore:         &trustStore,
		SignAuthnRequests:           settings.SignRequests,
	}
	if settings.NameIDFormat != "" {
		sp.NameIdFormat = settings.NameIDFormat
	}

	if settings.SignRequests {
		signer, err := h.signingCredential(ctx, config)
		if err != nil {
			return nil, err
		}
		sp.SPKeyStore = &dsig.TLSCertKeyStore{
			PrivateKey:  signer.PrivateKey,
			Certificate: [][]byte{signer.Cert.Raw},
		}
	}
	return sp, nil
}

// SigningCertificate returns the SP signing certificate for config,
// generating one on first use. The certificate is persisted so metadata
// generation can publish it; the private key never leaves the process.
func (h *SAMLHandler) SigningCertificate(ctx context.Context, config *configstore.ProviderConfig) (*certs.Certificate, error) {
	return h.signingCredential(ctx, config)
}

func (h *SAMLHandler) signingCredential(ctx context.Context, config *configstore.ProviderConfig) (*certs.Certificate, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if signer, ok := h.signers[config.ID]; ok {
		return signer, nil
	}

	signer, err := h.manager.GenerateSelfSigned(h.EntityID(config.OrgID), spCertValidityDays)
	if err != nil {
		return nil, err
	}
	if err := h.manager.Store(ctx, signer, config.ID); err != nil {
		return nil, errdefs.WrapCertificate(err, "failed to persist SP signing certificate")
	}
	h.log.WithFields(logrus.Fields{
		"org":         config.OrgID,
		"fingerprint": signer.Fingerprint(),
	}).Info("generated SP signing certificate")

	h.signers[config.ID] = signer
	return signer, nil
}

// EntityID returns the SP entity id published for an organization.
func (h *SAMLHandler) EntityID(orgID string) string {
	return fmt.Sprintf("%s/auth/%s/saml/metadata", h.baseURL, orgID)
}

// CallbackURL returns the assertion consumer service URL for an
// organization.
func (h *SAMLHandler) CallbackURL(orgID string) string {
	return fmt.Sprintf("%s/auth/%s/saml/callback", h.baseURL, orgID)
}

const spCertValidityDays = 365
