// Package provider implements the protocol-specific federation handlers
// behind a closed dispatch set. Handlers validate external assertions and
// tokens and hand back raw attributes; mapping and provisioning happen
// upstream.
package provider

import (
	"context"

	"github.com/crosslane/crosslane/pkg/attrmap"
	"github.com/crosslane/crosslane/pkg/certs"
	"github.com/crosslane/crosslane/pkg/configstore"
	"github.com/crosslane/crosslane/pkg/discovery"
	"github.com/crosslane/crosslane/pkg/errdefs"
)

// Payload carries the protocol callback material delivered by the IdP.
// Exactly one of SAMLResponse or Code is set depending on the protocol.
type Payload struct {
	// SAMLResponse is the base64-encoded SAMLResponse form value.
	SAMLResponse string
	// Code is the OIDC authorization code.
	Code string
	// RelayState round-trips the broker state value.
	RelayState string
}

// Identity is a validated external identity plus its raw attributes.
type Identity struct {
	Issuer     string
	Subject    string
	Attributes attrmap.RawAttributes
}

// Handler validates a protocol exchange against a provider configuration.
type Handler interface {
	Protocol() configstore.Protocol

	// LoginURL returns the IdP URL that starts a login with the given
	// opaque state value.
	LoginURL(ctx context.Context, config *configstore.ProviderConfig, state string) (string, error)

	// ResolveIdentity validates the callback payload and extracts the
	// asserted identity. Validation failures surface as authentication
	// errors with no detail about which check failed.
	ResolveIdentity(ctx context.Context, config *configstore.ProviderConfig, payload Payload) (*Identity, error)
}

// Factory dispatches to the handler for a protocol. The set of protocols
// is closed; unknown values are rejected, never defaulted.
type Factory struct {
	saml *SAMLHandler
	oidc *OIDCHandler
}

// NewFactory builds the handler set. baseURL is the externally visible
// broker URL used for SP entity and callback addresses.
func NewFactory(baseURL string, disc *discovery.Service, certStore certs.Store) *Factory {
	return &Factory{
		saml: NewSAMLHandler(baseURL, certStore),
		oidc: NewOIDCHandler(disc),
	}
}

// SAML returns the factory's SAML handler. Callers needing the SP
// metadata surface share this instance so the signer cache stays single.
func (f *Factory) SAML() *SAMLHandler {
	return f.saml
}

// Handler returns the handler for protocol.
func (f *Factory) Handler(protocol configstore.Protocol) (Handler, error) {
	switch protocol {
	case configstore.ProtocolSAML:
		return f.saml, nil
	case configstore.ProtocolOIDC:
		return f.oidc, nil
	default:
		return nil, errdefs.Validation("unsupported protocol %q", protocol)
	}
}
