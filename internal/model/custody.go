package model

import "time"

// CustodyState is the lifecycle state of a CustodyRecord (spec.md §3).
type CustodyState int

const (
	CustodyHeld CustodyState = iota
	CustodyForwarding
	CustodyReleased
	CustodyFailed
)

func (s CustodyState) String() string {
	switch s {
	case CustodyHeld:
		return "HELD"
	case CustodyForwarding:
		return "FORWARDING"
	case CustodyReleased:
		return "RELEASED"
	case CustodyFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParseCustodyState inverts CustodyState.String.
func ParseCustodyState(s string) CustodyState {
	switch s {
	case "HELD":
		return CustodyHeld
	case "FORWARDING":
		return CustodyForwarding
	case "RELEASED":
		return CustodyReleased
	case "FAILED":
		return CustodyFailed
	default:
		return CustodyHeld
	}
}

// CustodyRecord is a relay's durable promise to keep retransmitting a
// bundle (or a range of it) until delivered or expired (spec.md §3).
type CustodyRecord struct {
	BundleID    BundleID
	OwnerNode   string
	Upstream    Endpoint // who handed us custody, for the CUSTODY_ACK / DELIVERED cascade
	Ranges      []Range
	Deadline    time.Time // the bundle's TTL as of acceptance; retry stops here regardless of retry_count
	AcquiredAt  time.Time
	RetryTimer  time.Time
	RetryCount  int
	AckNonce    uint64
	State       CustodyState
}

// Expired reports whether the record's deadline has elapsed as of now.
func (r *CustodyRecord) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}
