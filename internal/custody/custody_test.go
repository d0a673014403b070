package custody

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantarax/courier/internal/custodyindex"
	"github.com/quantarax/courier/internal/model"
	"github.com/quantarax/courier/internal/store"
	"github.com/quantarax/courier/internal/wire"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	idx, err := custodyindex.Open(filepath.Join(t.TempDir(), "custody.idx"))
	if err != nil {
		t.Fatalf("custodyindex.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	return New(st, idx, DefaultConfig(), "node-a", nil, nil)
}

func testSrc(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9100")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return addr
}

func TestOnCustodyReqAcceptsAndAcks(t *testing.T) {
	m := openTestManager(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := testSrc(t)
	bundleID := model.NewBundleID()

	req := &wire.CustodyReqMsg{BundleID: bundleID, TTLRemaining: 60, Ranges: []model.Range{{Start: 0, End: 9}}}
	out := m.OnCustodyReq(req, src, now)
	if out == nil {
		t.Fatal("expected a CUSTODY_ACK datagram")
	}
	decoded, err := wire.Decode(out.Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ack, ok := decoded.(*wire.CustodyAckMsg)
	if !ok {
		t.Fatalf("expected CustodyAckMsg, got %T", decoded)
	}
	if ack.BundleID != bundleID {
		t.Errorf("ack bundle id = %v, want %v", ack.BundleID, bundleID)
	}

	if len(m.Records()) != 1 {
		t.Fatalf("expected 1 held record, got %d", len(m.Records()))
	}
}

func TestOnCustodyReqRejectsExpiredTTL(t *testing.T) {
	m := openTestManager(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := testSrc(t)
	bundleID := model.NewBundleID()

	req := &wire.CustodyReqMsg{BundleID: bundleID, TTLRemaining: 0, Ranges: []model.Range{{Start: 0, End: 9}}}
	out := m.OnCustodyReq(req, src, now)
	if out != nil {
		t.Error("expected no ack for an already-expired TTL")
	}
	if len(m.Records()) != 0 {
		t.Error("expected no held record for a rejected request")
	}
}

func TestOnCustodyReqRejectsFullyCoveredRange(t *testing.T) {
	m := openTestManager(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := testSrc(t)
	bundleID := model.NewBundleID()

	req := &wire.CustodyReqMsg{BundleID: bundleID, TTLRemaining: 60, Ranges: []model.Range{{Start: 0, End: 9}}}
	m.OnCustodyReq(req, src, now)

	out := m.OnCustodyReq(req, src, now.Add(time.Second))
	if out != nil {
		t.Error("expected a silent drop when the requested ranges are already fully held")
	}
}

func TestOnDeliveredReleasesAndCascadesUpstream(t *testing.T) {
	m := openTestManager(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := testSrc(t)
	bundleID := model.NewBundleID()

	req := &wire.CustodyReqMsg{BundleID: bundleID, TTLRemaining: 60, Ranges: []model.Range{{Start: 0, End: 9}}}
	m.OnCustodyReq(req, src, now)

	out := m.OnDelivered(&wire.DeliveredMsg{BundleID: bundleID}, now.Add(time.Second))
	if len(out) != 1 {
		t.Fatalf("expected 1 cascaded DELIVERED datagram, got %d", len(out))
	}
	if out[0].To.String() != src.String() {
		t.Errorf("cascaded DELIVERED sent to %v, want upstream %v", out[0].To, src)
	}
	if len(m.Records()) != 0 {
		t.Error("expected the record to be released")
	}
}

func TestTickFailsRecordPastMaxRetries(t *testing.T) {
	m := openTestManager(t)
	m.cfg.MaxRetries = 1
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := testSrc(t)
	bundleID := model.NewBundleID()

	req := &wire.CustodyReqMsg{BundleID: bundleID, TTLRemaining: 3600, Ranges: []model.Range{{Start: 0, End: 9}}}
	m.OnCustodyReq(req, src, now)

	t2 := now.Add(10 * time.Second)
	m.Tick(t2) // first retry, RetryCount -> 1, within MaxRetries
	if len(m.Records()) != 1 {
		t.Fatalf("expected record to survive its first retry, got %d records", len(m.Records()))
	}

	rec := m.Records()[0]
	t3 := rec.RetryTimer.Add(time.Second)
	m.Tick(t3) // second retry, RetryCount -> 2, exceeds MaxRetries
	if len(m.Records()) != 0 {
		t.Errorf("expected record to fail past max retries, got %d records", len(m.Records()))
	}
}

func TestTickFailsRecordPastDeadline(t *testing.T) {
	m := openTestManager(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := testSrc(t)
	bundleID := model.NewBundleID()

	req := &wire.CustodyReqMsg{BundleID: bundleID, TTLRemaining: 5, Ranges: []model.Range{{Start: 0, End: 9}}}
	m.OnCustodyReq(req, src, now)

	m.Tick(now.Add(10 * time.Second))
	if len(m.Records()) != 0 {
		t.Error("expected the record to fail once its deadline elapsed")
	}
}

func TestStartHandoffAndOnCustodyAckReleasesEagerly(t *testing.T) {
	m := openTestManager(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	downstream := testSrc(t)
	bundleID := model.NewBundleID()

	out := m.StartHandoff(bundleID, 60, []model.Range{{Start: 0, End: 9}}, downstream)
	if out == nil {
		t.Fatal("expected a CUSTODY_REQ datagram")
	}

	released := m.OnCustodyAck(&wire.CustodyAckMsg{BundleID: bundleID, Ranges: []model.Range{{Start: 0, End: 9}}}, now.Add(time.Second))
	if len(released) != 1 || released[0].Start != 0 || released[0].End != 9 {
		t.Fatalf("expected the full range to release eagerly, got %v", released)
	}

	// A second ack after release should be a no-op.
	again := m.OnCustodyAck(&wire.CustodyAckMsg{BundleID: bundleID, Ranges: []model.Range{{Start: 0, End: 9}}}, now.Add(2*time.Second))
	if again != nil {
		t.Error("expected no further release after the handoff already completed")
	}
}

func TestStartHandoffDeferredPolicyWaitsForDelivered(t *testing.T) {
	m := openTestManager(t)
	m.cfg.ReleasePolicy = "deferred"
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	downstream := testSrc(t)
	bundleID := model.NewBundleID()

	m.StartHandoff(bundleID, 60, []model.Range{{Start: 0, End: 9}}, downstream)
	released := m.OnCustodyAck(&wire.CustodyAckMsg{BundleID: bundleID, Ranges: []model.Range{{Start: 0, End: 9}}}, now)
	if released != nil {
		t.Error("deferred policy must not release on CUSTODY_ACK alone")
	}

	h, ok := m.handoffs[bundleID]
	if !ok || h.released {
		t.Error("expected the handoff to remain open until DELIVERED")
	}
}
