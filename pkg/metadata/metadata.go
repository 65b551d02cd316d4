// Package metadata generates this broker's SAML SP metadata and parses and
// validates uploaded IdP metadata documents.
package metadata

import (
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"time"

	"github.com/crosslane/crosslane/pkg/certs"
	"github.com/crosslane/crosslane/pkg/errdefs"
)

// SAML 2.0 binding URNs accepted for SSO endpoints.
const (
	BindingHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	BindingHTTPRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
)

// Endpoint is one SSO or SLO endpoint advertised by an IdP.
type Endpoint struct {
	Binding  string
	Location string
}

// IdPMetadataDocument is the parsed form of an uploaded IdP metadata
// document. A document past ValidUntil must not authorize new exchanges.
type IdPMetadataDocument struct {
	EntityID            string
	SSOEndpoints        []Endpoint
	SLOEndpoints        []Endpoint
	SigningCertificates []*certs.Certificate

	// ValidUntil is zero when the document does not declare an expiry.
	ValidUntil time.Time
}

// SSOURL returns the first endpoint matching binding, preferring it, or the
// first endpoint of any binding when none matches.
func (d *IdPMetadataDocument) SSOURL(binding string) string {
	for _, ep := range d.SSOEndpoints {
		if ep.Binding == binding {
			return ep.Location
		}
	}
	if len(d.SSOEndpoints) > 0 {
		return d.SSOEndpoints[0].Location
	}
	return ""
}

// Manager generates SP metadata and parses IdP metadata. Certificate
// validation is delegated to the certificate manager.
type Manager struct {
	certs *certs.Manager
}

// NewManager creates a metadata manager.
func NewManager(certManager *certs.Manager) *Manager {
	return &Manager{certs: certManager}
}

// Wire structures. Kept minimal: only the elements the broker consumes.

type entityDescriptor struct {
	XMLName          xml.Name          `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	EntityID         string            `xml:"entityID,attr"`
	ValidUntil       string            `xml:"validUntil,attr,omitempty"`
	IDPSSODescriptor *idpSSODescriptor `xml:"IDPSSODescriptor"`
	SPSSODescriptor  *spSSODescriptor  `xml:"SPSSODescriptor"`
}

type idpSSODescriptor struct {
	KeyDescriptors       []keyDescriptor `xml:"KeyDescriptor"`
	SingleSignOnServices []service       `xml:"SingleSignOnService"`
	SingleLogoutServices []service       `xml:"SingleLogoutService"`
}

type spSSODescriptor struct {
	ProtocolSupport           string          `xml:"protocolSupportEnumeration,attr"`
	AuthnRequestsSigned       bool            `xml:"AuthnRequestsSigned,attr"`
	WantAssertionsSigned      bool            `xml:"WantAssertionsSigned,attr"`
	KeyDescriptors            []keyDescriptor `xml:"KeyDescriptor"`
	AssertionConsumerServices []acsService    `xml:"AssertionConsumerService"`
}

type keyDescriptor struct {
	Use     string  `xml:"use,attr,omitempty"`
	KeyInfo keyInfo `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
}

type keyInfo struct {
	X509Data x509Data `xml:"X509Data"`
}

type x509Data struct {
	X509Certificates []string `xml:"X509Certificate"`
}

type service struct {
	Binding  string `xml:"Binding,attr"`
	Location string `xml:"Location,attr"`
}

type acsService struct {
	Binding  string `xml:"Binding,attr"`
	Location string `xml:"Location,attr"`
	Index    int    `xml:"index,attr"`
}

// SPConfig is the input to SP metadata generation.
type SPConfig struct {
	EntityID             string
	ACSURL               string
	Certificate          *certs.Certificate // optional signing certificate
	SignRequests         bool
	WantAssertionsSigned bool
}

// GenerateSPMetadata renders SP metadata for config. Output is stable
// byte-for-byte for identical input so it can be cached and compared.
func (m *Manager) GenerateSPMetadata(config SPConfig) ([]byte, error) {
	if config.EntityID == "" {
		return nil, errdefs.Configuration("SP entity id is required")
	}
	if config.ACSURL == "" {
		return nil, errdefs.Configuration("SP ACS URL is required")
	}

	sp := &spSSODescriptor{
		ProtocolSupport:      "urn:oasis:names:tc:SAML:2.0:protocol",
		AuthnRequestsSigned:  config.SignRequests,
		WantAssertionsSigned: config.WantAssertionsSigned,
		AssertionConsumerServices: []acsService{
			{Binding: BindingHTTPPost, Location: config.ACSURL, Index: 0},
		},
	}

	if config.Certificate != nil {
		block, _ := pem.Decode(config.Certificate.PEM)
		if block == nil {
			return nil, errdefs.Certificate("SP certificate is not valid PEM")
		}
		sp.KeyDescriptors = []keyDescriptor{{
			Use: "signing",
			KeyInfo: keyInfo{X509Data: x509Data{
				X509Certificates: []string{base64.StdEncoding.EncodeToString(block.Bytes)},
			}},
		}}
	}

	doc := entityDescriptor{
		EntityID:        config.EntityID,
		SPSSODescriptor: sp,
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errdefs.WrapMetadata(err, "SP metadata marshaling failed")
	}
	return append([]byte(xml.Header), out...), nil
}

// ParseIdPMetadata parses an IdP metadata document. It fails with a
// metadata error on malformed XML or when the entity id, an SSO endpoint,
// or a signing certificate is missing.
func (m *Manager) ParseIdPMetadata(raw []byte) (*IdPMetadataDocument, error) {
	var doc entityDescriptor
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, errdefs.WrapMetadata(err, "malformed IdP metadata XML")
	}

	if doc.EntityID == "" {
		return nil, errdefs.Metadata("IdP metadata missing entity id")
	}
	if doc.IDPSSODescriptor == nil {
		return nil, errdefs.Metadata("IdP metadata missing IDPSSODescriptor")
	}
	if len(doc.IDPSSODescriptor.SingleSignOnServices) == 0 {
		return nil, errdefs.Metadata("IdP metadata declares no SSO endpoint")
	}

	parsed := &IdPMetadataDocument{EntityID: doc.EntityID}

	if doc.ValidUntil != "" {
		until, err := time.Parse(time.RFC3339, doc.ValidUntil)
		if err != nil {
			return nil, errdefs.WrapMetadata(err, "unparsable validUntil timestamp")
		}
		parsed.ValidUntil = until
	}

	for _, svc := range doc.IDPSSODescriptor.SingleSignOnServices {
		parsed.SSOEndpoints = append(parsed.SSOEndpoints, Endpoint{Binding: svc.Binding, Location: svc.Location})
	}
	for _, svc := range doc.IDPSSODescriptor.SingleLogoutServices {
		parsed.SLOEndpoints = append(parsed.SLOEndpoints, Endpoint{Binding: svc.Binding, Location: svc.Location})
	}

	for _, kd := range doc.IDPSSODescriptor.KeyDescriptors {
		// use="" advertises a key for both signing and encryption.
		if kd.Use != "" && kd.Use != "signing" {
			continue
		}
		for _, b64 := range kd.KeyInfo.X509Data.X509Certificates {
			der, err := base64.StdEncoding.DecodeString(normalizeBase64(b64))
			if err != nil {
				return nil, errdefs.WrapMetadata(err, "undecodable certificate in IdP metadata")
			}
			pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
			cert, err := certs.ParsePEM(pemData)
			if err != nil {
				return nil, errdefs.WrapMetadata(err, "unparsable certificate in IdP metadata")
			}
			parsed.SigningCertificates = append(parsed.SigningCertificates, cert)
		}
	}

	if len(parsed.SigningCertificates) == 0 {
		return nil, errdefs.Metadata("IdP metadata declares no signing certificate")
	}

	return parsed, nil
}

// Validate checks that the document is usable at the given time: its
// validUntil has not passed and at least one signing certificate is itself
// currently valid. An expired document is rejected even if cached.
func (m *Manager) Validate(doc *IdPMetadataDocument, at time.Time) certs.ValidationResult {
	if !doc.ValidUntil.IsZero() && at.After(doc.ValidUntil) {
		return certs.ValidationResult{Err: errdefs.Metadata(
			"IdP metadata for %s expired at %s", doc.EntityID, doc.ValidUntil.UTC().Format(time.RFC3339))}
	}

	var lastErr error
	for _, cert := range doc.SigningCertificates {
		res := m.certs.Validate(cert, at, nil)
		if res.Valid {
			return certs.ValidationResult{Valid: true}
		}
		lastErr = res.Err
	}
	return certs.ValidationResult{Err: errdefs.Metadata(
		"IdP metadata for %s has no currently valid signing certificate: %v", doc.EntityID, lastErr)}
}

// normalizeBase64 strips the whitespace IdPs commonly wrap certificate
// blobs with.
func normalizeBase64(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
