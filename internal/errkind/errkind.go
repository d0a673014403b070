// Package errkind defines the error kinds surfaced to callers across the
// engines (spec.md §7), so every component that needs to log or count an
// error by kind shares one vocabulary.
package errkind

import "errors"

// Kind is one of the named error categories from spec.md §7.
type Kind string

const (
	SubmitRejected        Kind = "SUBMIT_REJECTED"
	TransportFault        Kind = "TRANSPORT_FAULT"
	MalformedMessage      Kind = "MALFORMED_MESSAGE"
	BadChecksum           Kind = "BAD_CHECKSUM"
	UnsupportedVersion    Kind = "UNSUPPORTED_VERSION"
	BundleExpired         Kind = "BUNDLE_EXPIRED"
	CustodyRetryExhausted Kind = "CUSTODY_RETRY_EXHAUSTED"
)

// Sentinel errors for the kinds that are returned directly to a caller
// (rather than only logged/counted internally, like MalformedMessage or
// CustodyRetryExhausted which never leave the node).
var (
	ErrSubmitRejected = errors.New("courier: submit rejected")
	ErrBundleExpired  = errors.New("courier: bundle expired")
	ErrTransportFault = errors.New("courier: transport fault")
)
