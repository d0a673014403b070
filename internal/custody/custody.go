// Package custody implements the Custody Manager (spec.md §4.5):
// acceptance of custody requests, the retry/backoff schedule that drives
// relay forwarding, and the release rules that unwind a custody chain on
// delivery.
package custody

import (
	"net"
	"time"

	"github.com/quantarax/courier/internal/custodyindex"
	"github.com/quantarax/courier/internal/errkind"
	"github.com/quantarax/courier/internal/model"
	"github.com/quantarax/courier/internal/observability"
	"github.com/quantarax/courier/internal/store"
	"github.com/quantarax/courier/internal/wire"
)

// Config carries the defaults applied to every custody record (spec.md
// §6 custody.* keys).
type Config struct {
	MaxRetries      int
	BackoffBaseSec  float64
	BackoffCapSec   float64
	ReleasePolicy   string // "eager" or "deferred", SPEC_FULL.md §4.5
	StorageCapBytes int64
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      10,
		BackoffBaseSec:  2,
		BackoffCapSec:   64,
		ReleasePolicy:   "eager",
		StorageCapBytes: 1 << 30,
	}
}

// Outbound is a datagram the node orchestrator must flush to the socket.
type Outbound struct {
	Payload []byte
	To      *net.UDPAddr
}

// handoff tracks a CUSTODY_REQ this node sent to a downstream relay: the
// ranges handed off and what's been confirmed so far. Not durable — like
// send/receive window state, it is safe to lose on restart, since the
// origin's own Send Engine keeps retransmitting until it independently
// observes DELIVERED or its bundle expires.
type handoff struct {
	downstream  *net.UDPAddr
	ranges      []model.Range
	ackedRanges []model.Range
	released    bool
}

// Manager owns every custody record this node holds on behalf of an
// upstream peer, plus any handoffs it has made to a downstream one.
type Manager struct {
	store   *store.PersistentStore
	index   *custodyindex.Index
	cfg     Config
	nodeID  string
	metrics *observability.Metrics
	logger  *observability.Logger

	held       map[model.BundleID]*model.CustodyRecord
	handoffs   map[model.BundleID]*handoff
	storageUse int64
	nextNonce  uint64
}

// New creates a Custody Manager backed by st (the source of truth) and
// idx (the derived existence/GC cache).
func New(st *store.PersistentStore, idx *custodyindex.Index, cfg Config, nodeID string, metrics *observability.Metrics, logger *observability.Logger) *Manager {
	return &Manager{
		store:    st,
		index:    idx,
		cfg:      cfg,
		nodeID:   nodeID,
		metrics:  metrics,
		logger:   logger,
		held:     make(map[model.BundleID]*model.CustodyRecord),
		handoffs: make(map[model.BundleID]*handoff),
	}
}

// Rehydrate rebuilds in-memory held-record state from the store on
// startup (spec.md §4.7 load_custody_records()).
func (m *Manager) Rehydrate(records []*model.CustodyRecord) {
	for _, rec := range records {
		m.held[rec.BundleID] = rec
		m.storageUse += rangesBytes(rec.Ranges)
	}
}

func rangesBytes(ranges []model.Range) int64 {
	var total int64
	for _, r := range ranges {
		total += int64(r.Len()) * int64(model.MaxPayloadSize)
	}
	return total
}

// OnCustodyReq implements the acceptance policy: accept if the bundle's
// TTL has not elapsed, storage capacity permits, and the requested ranges
// are not already fully covered by an existing record. Rejection is a
// silent drop — no NACK, upstream retries on its own.
func (m *Manager) OnCustodyReq(msg *wire.CustodyReqMsg, src *net.UDPAddr, now time.Time) *Outbound {
	if msg.TTLRemaining == 0 {
		return nil
	}
	deadline := now.Add(time.Duration(msg.TTLRemaining) * time.Second)

	existing := m.held[msg.BundleID]
	if existing != nil && coversAll(existing.Ranges, msg.Ranges) {
		return nil
	}

	newCoverage := model.SubtractRanges(msg.Ranges, ranges(existing))
	if m.storageUse+rangesBytes(newCoverage) > m.cfg.StorageCapBytes {
		if m.metrics != nil {
			m.metrics.RecordError(string(errkind.SubmitRejected))
		}
		return nil
	}

	rec := existing
	if rec == nil {
		rec = &model.CustodyRecord{
			BundleID:  msg.BundleID,
			OwnerNode: m.nodeID,
			Upstream:  model.Endpoint{NodeID: src.String(), Addr: src.String()},
			AcquiredAt: now,
		}
	}
	rec.Ranges = model.NormalizeRanges(append(append([]model.Range(nil), rec.Ranges...), msg.Ranges...))
	rec.Deadline = deadline
	rec.RetryTimer = now.Add(time.Duration(m.cfg.BackoffBaseSec * float64(time.Second)))
	rec.RetryCount = 0
	m.nextNonce++
	rec.AckNonce = m.nextNonce
	rec.State = model.CustodyForwarding

	if err := m.store.SaveCustodyRecord(rec); err != nil {
		return nil
	}
	m.index.Mark(msg.BundleID, m.nodeID, now)
	m.held[msg.BundleID] = rec
	m.storageUse += rangesBytes(newCoverage)

	if m.logger != nil {
		m.logger.CustodyAccepted(msg.BundleID.String(), m.nodeID, len(rec.Ranges))
	}
	if m.metrics != nil {
		m.metrics.CustodyRecordsActive.Set(float64(len(m.held)))
	}

	ack := &wire.CustodyAckMsg{BundleID: msg.BundleID, AckNonce: rec.AckNonce, Ranges: msg.Ranges}
	buf, err := wire.Encode(ack)
	if err != nil {
		return nil
	}
	return &Outbound{Payload: buf, To: src}
}

func ranges(rec *model.CustodyRecord) []model.Range {
	if rec == nil {
		return nil
	}
	return rec.Ranges
}

func coversAll(have, want []model.Range) bool {
	return len(model.SubtractRanges(want, have)) == 0
}

// StartHandoff records that this node has asked downstream to accept
// custody of ranges, returning the CUSTODY_REQ datagram to send.
func (m *Manager) StartHandoff(bundleID model.BundleID, ttlRemaining uint32, ranges []model.Range, downstream *net.UDPAddr) *Outbound {
	h, ok := m.handoffs[bundleID]
	if !ok {
		h = &handoff{downstream: downstream}
		m.handoffs[bundleID] = h
	}
	h.ranges = model.NormalizeRanges(append(append([]model.Range(nil), h.ranges...), ranges...))

	req := &wire.CustodyReqMsg{BundleID: bundleID, TTLRemaining: ttlRemaining, Ranges: ranges}
	buf, err := wire.Encode(req)
	if err != nil {
		return nil
	}
	return &Outbound{Payload: buf, To: downstream}
}

// OnCustodyAck marks the ranges a downstream peer just confirmed. Under
// the eager release policy (default) this is also when the upstream
// holder's own local copies for those ranges become releasable; under
// deferred, release waits for the DELIVERED cascade (OnDelivered).
// Returns the ranges that became releasable on this call, if any.
func (m *Manager) OnCustodyAck(msg *wire.CustodyAckMsg, now time.Time) []model.Range {
	h, ok := m.handoffs[msg.BundleID]
	if !ok || h.released {
		return nil
	}
	h.ackedRanges = model.NormalizeRanges(append(append([]model.Range(nil), h.ackedRanges...), msg.Ranges...))

	if m.cfg.ReleasePolicy != "deferred" && coversAll(h.ackedRanges, h.ranges) {
		h.released = true
		if m.metrics != nil {
			m.metrics.RecordCustodyRelease("custody_ack")
		}
		return h.ranges
	}
	return nil
}

// OnDelivered cascades a DELIVERED notice: releases every held record and
// handoff for the bundle and forwards DELIVERED to whoever handed custody
// to this node (spec.md §4.5 "forward DELIVERED upstream").
func (m *Manager) OnDelivered(msg *wire.DeliveredMsg, now time.Time) []Outbound {
	var out []Outbound

	if rec, ok := m.held[msg.BundleID]; ok {
		rec.State = model.CustodyReleased
		m.store.SaveCustodyRecord(rec)
		m.index.Unmark(msg.BundleID, m.nodeID)
		m.storageUse -= rangesBytes(rec.Ranges)
		delete(m.held, msg.BundleID)
		if m.metrics != nil {
			m.metrics.RecordCustodyRelease("delivered")
			m.metrics.CustodyRecordsActive.Set(float64(len(m.held)))
		}
		if m.logger != nil {
			m.logger.CustodyReleased(msg.BundleID.String(), m.nodeID, "delivered")
		}
		upAddr, err := net.ResolveUDPAddr("udp", rec.Upstream.Addr)
		if err == nil {
			if buf, err := wire.Encode(&wire.DeliveredMsg{BundleID: msg.BundleID}); err == nil {
				out = append(out, Outbound{Payload: buf, To: upAddr})
			}
		}
	}

	if h, ok := m.handoffs[msg.BundleID]; ok {
		h.released = true
		delete(m.handoffs, msg.BundleID)
	}

	return out
}

// Tick fires per-record retry timers: a record whose timer has elapsed
// either backs off again or, past max_retries or its deadline, fails
// (spec.md §4.5 retry schedule). Retry does not itself retransmit chunk
// payloads — that remains the relay's forwarding Send Engine's job, which
// the node orchestrator feeds the whole assembled file — it only governs
// how long this node keeps the obligation alive.
func (m *Manager) Tick(now time.Time) {
	for id, rec := range m.held {
		if rec.State != model.CustodyForwarding && rec.State != model.CustodyHeld {
			continue
		}
		if rec.Expired(now) {
			m.fail(id, rec, now)
			continue
		}
		if now.Before(rec.RetryTimer) {
			continue
		}

		rec.RetryCount++
		if rec.RetryCount > m.cfg.MaxRetries {
			m.fail(id, rec, now)
			continue
		}
		backoff := float64(uint64(1) << uint(rec.RetryCount)) // 2^retry_count seconds, spec.md §4.5
		if backoff > m.cfg.BackoffCapSec {
			backoff = m.cfg.BackoffCapSec
		}
		rec.RetryTimer = now.Add(time.Duration(backoff * float64(time.Second)))
		m.store.SaveCustodyRecord(rec)
		if m.metrics != nil {
			m.metrics.CustodyRetriesTotal.Inc()
		}
	}
}

func (m *Manager) fail(id model.BundleID, rec *model.CustodyRecord, now time.Time) {
	rec.State = model.CustodyFailed
	m.store.SaveCustodyRecord(rec)
	m.index.Unmark(id, m.nodeID)
	m.storageUse -= rangesBytes(rec.Ranges)
	delete(m.held, id)
	if m.metrics != nil {
		m.metrics.RecordError(string(errkind.CustodyRetryExhausted))
		m.metrics.CustodyRecordsActive.Set(float64(len(m.held)))
	}
	if m.logger != nil {
		m.logger.CustodyReleased(id.String(), m.nodeID, "failed")
	}
}

// Records returns every custody record currently held, for status
// reporting.
func (m *Manager) Records() []*model.CustodyRecord {
	out := make([]*model.CustodyRecord, 0, len(m.held))
	for _, rec := range m.held {
		out = append(out, rec)
	}
	return out
}
