package wire

import "errors"

// Error kinds surfaced by encode and decode (spec.md §7).
var (
	ErrMalformed          = errors.New("wire: malformed message")
	ErrBadChecksum        = errors.New("wire: checksum mismatch")
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	ErrPayloadTooLarge    = errors.New("wire: payload exceeds maximum chunk size")
	ErrDatagramTooLarge   = errors.New("wire: encoded message exceeds MTU")
)
