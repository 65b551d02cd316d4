// Package errdefs defines the error kinds shared across the broker core.
//
// Every recoverable failure in an authentication transaction is one of the
// kinds below. The orchestrator maps any of them to a failed transaction;
// anything else escaping a component is a bug.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a broker error.
type Kind string

const (
	// KindConfiguration covers missing, disabled, or malformed provider setup.
	KindConfiguration Kind = "configuration"
	// KindCertificate covers expired, malformed, or chain-invalid certificates.
	KindCertificate Kind = "certificate"
	// KindMetadata covers malformed or expired IdP metadata.
	KindMetadata Kind = "metadata"
	// KindAuthentication covers signature and token verification failures.
	KindAuthentication Kind = "authentication"
	// KindValidation covers attribute-mapping and input validation failures.
	KindValidation Kind = "validation"
	// KindProvisioning covers policy violations during user resolution.
	KindProvisioning Kind = "provisioning"
)

// Error is a classified broker error. It wraps an optional cause.
type Error struct {
	kind   Kind
	msg    string
	detail string // internal-only detail, never rendered by Error()
	cause  error
}

// Error returns the user-facing message. Authentication errors render a
// fixed generic message so callers cannot learn which check failed.
func (e *Error) Error() string {
	if e.kind == KindAuthentication {
		return "authentication failed"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Detail returns the internal diagnostic text for logging. For
// authentication errors this includes the real failure; it must not be
// returned to end users.
func (e *Error) Detail() string {
	s := e.msg
	if e.detail != "" {
		s = fmt.Sprintf("%s (%s)", s, e.detail)
	}
	if e.cause != nil {
		s = fmt.Sprintf("%s: %v", s, e.cause)
	}
	return s
}

// Configuration creates a configuration error.
func Configuration(format string, args ...interface{}) error {
	return &Error{kind: KindConfiguration, msg: fmt.Sprintf(format, args...)}
}

// WrapConfiguration wraps err as a configuration error.
func WrapConfiguration(err error, msg string) error {
	return &Error{kind: KindConfiguration, msg: msg, cause: err}
}

// Certificate creates a certificate error.
func Certificate(format string, args ...interface{}) error {
	return &Error{kind: KindCertificate, msg: fmt.Sprintf(format, args...)}
}

// WrapCertificate wraps err as a certificate error.
func WrapCertificate(err error, msg string) error {
	return &Error{kind: KindCertificate, msg: msg, cause: err}
}

// Metadata creates a metadata error.
func Metadata(format string, args ...interface{}) error {
	return &Error{kind: KindMetadata, msg: fmt.Sprintf(format, args...)}
}

// WrapMetadata wraps err as a metadata error.
func WrapMetadata(err error, msg string) error {
	return &Error{kind: KindMetadata, msg: msg, cause: err}
}

// Authentication creates an authentication error. The detail text is kept
// for internal logging only; Error() always renders a generic message.
func Authentication(detail string) error {
	return &Error{kind: KindAuthentication, msg: "authentication failed", detail: detail}
}

// WrapAuthentication wraps err as an authentication error, keeping err as
// internal detail only.
func WrapAuthentication(err error, detail string) error {
	return &Error{kind: KindAuthentication, msg: "authentication failed", detail: detail, cause: err}
}

// Validation creates a validation error.
func Validation(format string, args ...interface{}) error {
	return &Error{kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

// Provisioning creates a provisioning error.
func Provisioning(format string, args ...interface{}) error {
	return &Error{kind: KindProvisioning, msg: fmt.Sprintf(format, args...)}
}

// DetailOf returns the internal diagnostic text of err, or "" if err is
// not a broker error.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail()
	}
	return ""
}

// KindOf returns the kind of err, or "" if err is not a broker error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }

// IsCertificate reports whether err is a certificate error.
func IsCertificate(err error) bool { return KindOf(err) == KindCertificate }

// IsMetadata reports whether err is a metadata error.
func IsMetadata(err error) bool { return KindOf(err) == KindMetadata }

// IsAuthentication reports whether err is an authentication error.
func IsAuthentication(err error) bool { return KindOf(err) == KindAuthentication }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsProvisioning reports whether err is a provisioning error.
func IsProvisioning(err error) bool { return KindOf(err) == KindProvisioning }
