// Package certs manages the X.509 material used to sign and verify SAML
// exchanges: self-signed SP certificates, uploaded IdP certificates, and
// their rotation lifecycle.
package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/crosslane/crosslane/pkg/errdefs"
)

// Encoding identifies a certificate wire encoding.
type Encoding string

const (
	EncodingPEM Encoding = "pem"
	EncodingDER Encoding = "der"
)

const spKeyBits = 2048

// Certificate bundles an X.509 certificate with its optional private key.
// IdP trust certificates carry no key; SP signing certificates do.
type Certificate struct {
	Cert       *x509.Certificate
	PrivateKey *rsa.PrivateKey

	// PEM is the canonical encoded form, exactly as stored.
	PEM []byte
}

// Subject returns the certificate subject in RFC 2253 form.
func (c *Certificate) Subject() string { return c.Cert.Subject.String() }

// Fingerprint returns the colon-separated SHA-256 fingerprint of the DER
// encoding, the identity under which certificate errors are surfaced.
func (c *Certificate) Fingerprint() string {
	sum := sha256.Sum256(c.Cert.Raw)
	hexed := hex.EncodeToString(sum[:])
	parts := make([]string, 0, len(hexed)/2)
	for i := 0; i < len(hexed); i += 2 {
		parts = append(parts, hexed[i:i+2])
	}
	return strings.Join(parts, ":")
}

// ValidationResult reports the outcome of a certificate validation. When
// Valid is false, Err carries a certificate error naming the certificate;
// callers decide whether to hard-fail or warn.
type ValidationResult struct {
	Valid bool
	Err   error
}

// Store persists certificates alongside their owning provider
// configuration. Implemented by the configuration repository.
type Store interface {
	// SaveCertificate appends a PEM-encoded certificate for the owner
	// config, marking any previously active certificate superseded.
	SaveCertificate(ctx context.Context, ownerConfigID string, pemData []byte) error

	// ActiveCertificate returns the PEM of the owner's current certificate.
	ActiveCertificate(ctx context.Context, ownerConfigID string) ([]byte, error)

	// ListCertificates returns the PEMs of all stored certificates,
	// superseded ones included, keyed by owner config id.
	ListCertificates(ctx context.Context) (map[string][][]byte, error)
}

// Manager performs certificate operations. It holds no long-lived state;
// persistence is delegated to the Store.
type Manager struct {
	store Store
}

// NewManager creates a certificate manager backed by store. A nil store is
// allowed for managers used only for generation and validation.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateSelfSigned produces a fresh RSA key pair and self-signed
// certificate for SP use, valid from now for validityDays.
func (m *Manager) GenerateSelfSigned(subject string, validityDays int) (*Certificate, error) {
	if validityDays <= 0 {
		return nil, errdefs.Certificate("validity must be positive, got %d days", validityDays)
	}

	key, err := rsa.GenerateKey(rand.Reader, spKeyBits)
	if err != nil {
		return nil, errdefs.WrapCertificate(err, "key generation failed")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errdefs.WrapCertificate(err, "serial generation failed")
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: subject},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errdefs.WrapCertificate(err, "certificate creation failed")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errdefs.WrapCertificate(err, "generated certificate unparsable")
	}

	return &Certificate{
		Cert:       cert,
		PrivateKey: key,
		PEM:        pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// Validate checks the certificate validity window at the given time and,
// when trust is non-nil, that the certificate is signed by trust. The
// window is inclusive at both ends. An invalid certificate is reported in
// the result, never as a panic or a foreign error kind.
func (m *Manager) Validate(cert *Certificate, at time.Time, trust *Certificate) ValidationResult {
	if at.Before(cert.Cert.NotBefore) {
		return ValidationResult{Err: errdefs.Certificate(
			"certificate %s not valid until %s", cert.Fingerprint(), cert.Cert.NotBefore.UTC().Format(time.RFC3339))}
	}
	if at.After(cert.Cert.NotAfter) {
		return ValidationResult{Err: errdefs.Certificate(
			"certificate %s expired at %s", cert.Fingerprint(), cert.Cert.NotAfter.UTC().Format(time.RFC3339))}
	}
	if trust != nil {
		if err := cert.Cert.CheckSignatureFrom(trust.Cert); err != nil {
			return ValidationResult{Err: errdefs.WrapCertificate(err,
				fmt.Sprintf("certificate %s not signed by trust anchor %s", cert.Fingerprint(), trust.Fingerprint()))}
		}
	}
	return ValidationResult{Valid: true}
}

// ExtractPublicKey returns the certificate's RSA public key.
func (m *Manager) ExtractPublicKey(cert *Certificate) (*rsa.PublicKey, error) {
	pub, ok := cert.Cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errdefs.Certificate("certificate %s does not carry an RSA key", cert.Fingerprint())
	}
	return pub, nil
}

// Convert transcodes certificate bytes between PEM and DER. Converting to
// the same encoding returns the canonical re-encoding of the input.
func (m *Manager) Convert(data []byte, from, to Encoding) ([]byte, error) {
	var der []byte
	switch from {
	case EncodingPEM:
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "CERTIFICATE" {
			return nil, errdefs.Certificate("input is not a PEM certificate")
		}
		der = block.Bytes
	case EncodingDER:
		der = data
	default:
		return nil, errdefs.Certificate("unsupported source encoding %q", from)
	}

	if _, err := x509.ParseCertificate(der); err != nil {
		return nil, errdefs.WrapCertificate(err, "malformed certificate")
	}

	switch to {
	case EncodingPEM:
		return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
	case EncodingDER:
		return der, nil
	default:
		return nil, errdefs.Certificate("unsupported target encoding %q", to)
	}
}

// ParsePEM parses a PEM-encoded certificate into a Certificate without key
// material, as used for uploaded IdP trust certificates.
func ParsePEM(pemData []byte) (*Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errdefs.Certificate("input is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errdefs.WrapCertificate(err, "malformed certificate")
	}
	return &Certificate{Cert: cert, PEM: pemData}, nil
}

// Store persists cert for the owning provider configuration, superseding
// any previously active certificate so rollover can overlap.
func (m *Manager) Store(ctx context.Context, cert *Certificate, ownerConfigID string) error {
	if m.store == nil {
		return fmt.Errorf("certificate manager has no store")
	}
	return m.store.SaveCertificate(ctx, ownerConfigID, cert.PEM)
}

// Load returns the owner's active certificate from the store.
func (m *Manager) Load(ctx context.Context, ownerConfigID string) (*Certificate, error) {
	if m.store == nil {
		return nil, fmt.Errorf("certificate manager has no store")
	}
	pemData, err := m.store.ActiveCertificate(ctx, ownerConfigID)
	if err != nil {
		return nil, err
	}
	return ParsePEM(pemData)
}
