// Package configstore persists per-organization SSO provider configuration
// and fronts its hot-path reads with the shared cache layer.
package configstore

import (
	"time"

	"github.com/crosslane/crosslane/pkg/attrmap"
)

// Protocol identifies the federation protocol a provider speaks.
type Protocol string

const (
	ProtocolSAML Protocol = "saml"
	ProtocolOIDC Protocol = "oidc"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolSAML || p == ProtocolOIDC
}

// ProvisioningPolicy controls how a validated identity is resolved to a
// local user.
type ProvisioningPolicy string

const (
	PolicyCreateOrUpdate ProvisioningPolicy = "create_or_update"
	PolicyUpdateOnly     ProvisioningPolicy = "update_only"
	PolicyCreateOnly     ProvisioningPolicy = "create_only"
)

// SAMLSettings holds the SAML side of a provider configuration.
type SAMLSettings struct {
	IdPEntityID     string   `json:"idp_entity_id"`
	SSOURL          string   `json:"sso_url"`
	IdPCertificates []string `json:"idp_certificates"` // PEM encoded
	SignRequests    bool     `json:"sign_requests"`
	MetadataXML     string   `json:"metadata_xml,omitempty"` // uploaded IdP metadata, if any
	NameIDFormat    string   `json:"name_id_format,omitempty"`
}

// OIDCSettings holds the OIDC side of a provider configuration.
type OIDCSettings struct {
	Issuer       string   `json:"issuer"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // never serialized outward
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
	DiscoveryURL string   `json:"discovery_url,omitempty"` // non-standard discovery path
}

// ProvisioningSettings selects the JIT provisioning behavior.
type ProvisioningSettings struct {
	Policy ProvisioningPolicy `json:"policy"`
	// EmailFallback permits matching an existing user by email when no
	// (issuer, subject) mapping exists yet.
	EmailFallback bool `json:"email_fallback,omitempty"`
	DefaultRole   string `json:"default_role,omitempty"`
}

// ProviderConfig is one organization's configured identity provider.
// At most one enabled configuration may exist per (organization, protocol).
type ProviderConfig struct {
	ID          string   `json:"id"`
	OrgID       string   `json:"org_id"`
	Protocol    Protocol `json:"protocol"`
	DisplayName string   `json:"display_name"`
	Enabled     bool     `json:"enabled"`

	SAML *SAMLSettings `json:"saml,omitempty"`
	OIDC *OIDCSettings `json:"oidc,omitempty"`

	MappingRules []attrmap.Rule       `json:"mapping_rules"`
	Provisioning ProvisioningSettings `json:"provisioning"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
