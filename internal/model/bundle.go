// Package model holds the shared data model for a transfer: bundles,
// chunks, and custody records, plus the small value types (endpoints,
// chunk ranges) that flow between the wire codec, the engines, and the
// store.
package model

import (
	"time"

	"github.com/google/uuid"
)

// BundleID is the 16-byte globally-unique identifier of a transfer.
type BundleID = uuid.UUID

// NewBundleID generates a fresh random bundle identifier.
func NewBundleID() BundleID {
	return uuid.New()
}

// ParseBundleID parses the canonical string form of a bundle id.
func ParseBundleID(s string) (BundleID, error) {
	return uuid.Parse(s)
}

// Endpoint identifies a node reachable over UDP.
type Endpoint struct {
	NodeID string
	Addr   string // host:port
}

// BundleState is the lifecycle state of a Bundle.
type BundleState int

const (
	BundleNew BundleState = iota
	BundleInFlight
	BundleDelivered
	BundleExpired
	BundleFailed
)

func (s BundleState) String() string {
	switch s {
	case BundleNew:
		return "NEW"
	case BundleInFlight:
		return "IN_FLIGHT"
	case BundleDelivered:
		return "DELIVERED"
	case BundleExpired:
		return "EXPIRED"
	case BundleFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParseBundleState inverts BundleState.String.
func ParseBundleState(s string) BundleState {
	switch s {
	case "NEW":
		return BundleNew
	case "IN_FLIGHT":
		return BundleInFlight
	case "DELIVERED":
		return BundleDelivered
	case "EXPIRED":
		return BundleExpired
	case "FAILED":
		return BundleFailed
	default:
		return BundleNew
	}
}

// Bundle is the unit of transfer (spec.md §3).
type Bundle struct {
	ID                  BundleID
	Src                 Endpoint
	Dst                 Endpoint
	TTL                 time.Time
	Length              int64
	TotalChunks         int
	FECEnabled          bool
	K                   int
	R                   int
	State               BundleState
	BytesSent           int64
	ChunksRetransmitted int64
	CreatedAt           time.Time
	UpdatedAt           time.Time

	// Digest is the hex-encoded BLAKE3 sum the destination computes over the
	// assembled file once State reaches BundleDelivered. Empty until then.
	Digest string
}

// Expired reports whether the bundle's TTL has elapsed as of now.
func (b *Bundle) Expired(now time.Time) bool {
	return now.After(b.TTL)
}
