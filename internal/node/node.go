// Package node implements the node orchestrator (spec.md §4.7): owns the
// UDP socket, rehydrates engine state from the store on startup, and runs
// the single cooperative tick loop that drives the Send Engine, Receive
// Engine, and Custody Manager.
package node

import (
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/quantarax/courier/internal/config"
	"github.com/quantarax/courier/internal/custody"
	"github.com/quantarax/courier/internal/custodyindex"
	"github.com/quantarax/courier/internal/datagram"
	"github.com/quantarax/courier/internal/errkind"
	"github.com/quantarax/courier/internal/model"
	"github.com/quantarax/courier/internal/observability"
	"github.com/quantarax/courier/internal/recvengine"
	"github.com/quantarax/courier/internal/sendengine"
	"github.com/quantarax/courier/internal/store"
	"github.com/quantarax/courier/internal/wire"
)

// DefaultTickInterval matches spec.md §4.7's "default 10 ms".
const DefaultTickInterval = 10 * time.Millisecond

// DefaultMaxDrainPerTick bounds how many inbound datagrams one tick
// processes, keeping tick latency bounded under a burst (SPEC_FULL.md
// §4.7).
const DefaultMaxDrainPerTick = 256

// Paths names the on-disk locations a Node opens at startup.
type Paths struct {
	DatabasePath     string
	CustodyIndexPath string
	DestDir          string
}

// Node bundles the store, socket, and every engine this process runs.
type Node struct {
	nodeID   string
	cfg      *config.Config
	socket   *datagram.Socket
	store    *store.PersistentStore
	custodyI *custodyindex.Index

	Send    *sendengine.Engine
	Recv    *recvengine.Engine
	Custody *custody.Manager

	metrics *observability.Metrics
	logger  *observability.Logger

	tickInterval    time.Duration
	maxDrainPerTick int

	ticksSinceGC int

	destDir string
	relayed map[model.BundleID]bool
}

// gcEveryNTicks bounds how often RunOnce pays for a PurgeExpired sweep;
// at DefaultTickInterval this is once per second.
const gcEveryNTicks = 100

// Open performs spec.md §4.7's startup sequence: open the store, open the
// custody index, rebuild in-memory state, and bind the UDP endpoint.
func Open(cfg *config.Config, paths Paths, now time.Time, metrics *observability.Metrics, logger *observability.Logger) (*Node, error) {
	st, err := store.New(paths.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	idx, err := custodyindex.Open(paths.CustodyIndexPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node: open custody index: %w", err)
	}

	sendCfg := sendengine.Config{
		ChunkSize:  cfg.Transfer.ChunkSize,
		WindowSize: cfg.Transfer.WindowSize,
		BaseRTOMs:  float64(cfg.Transfer.BaseRTOMs),
		MaxRTOMs:   float64(cfg.Transfer.MaxRTOMs),
		TTL:        time.Duration(cfg.Transfer.TTLSec) * time.Second,
		FECEnabled: cfg.FEC.Enabled,
		K:          cfg.FEC.K,
		R:          cfg.FEC.R,
	}
	recvCfg := recvengine.DefaultConfig()
	recvCfg.DestDir = paths.DestDir
	custodyCfg := custody.Config{
		MaxRetries:      cfg.Custody.MaxRetries,
		BackoffBaseSec:  cfg.Custody.BackoffBaseSec,
		BackoffCapSec:   cfg.Custody.BackoffCapSec,
		ReleasePolicy:   cfg.Custody.ReleasePolicy,
		StorageCapBytes: cfg.Storage.CapBytes,
	}

	n := &Node{
		nodeID:          cfg.Node.NodeID,
		cfg:             cfg,
		store:           st,
		custodyI:        idx,
		Send:            sendengine.New(st, sendCfg, metrics, logger),
		Recv:            recvengine.New(st, recvCfg, metrics, logger),
		Custody:         custody.New(st, idx, custodyCfg, cfg.Node.NodeID, metrics, logger),
		metrics:         metrics,
		logger:          logger,
		tickInterval:    DefaultTickInterval,
		maxDrainPerTick: DefaultMaxDrainPerTick,
		destDir:         paths.DestDir,
		relayed:         make(map[model.BundleID]bool),
	}

	if err := n.rehydrate(now); err != nil {
		idx.Close()
		st.Close()
		return nil, err
	}

	addr := fmt.Sprintf(":%d", cfg.Node.Port)
	sock, err := datagram.Bind(addr, cfg.Node.InboundQueueDepth)
	if err != nil {
		idx.Close()
		st.Close()
		return nil, fmt.Errorf("node: bind %s: %w", addr, err)
	}
	n.socket = sock

	return n, nil
}

// rehydrate splits persisted in-flight bundles between the Send Engine
// (bundles this node originated, identified by Src.NodeID) and the
// Receive Engine (bundles this node is on the receiving end of) before
// replaying them, since a bundle belongs to exactly one engine's state.
func (n *Node) rehydrate(now time.Time) error {
	bundles, err := n.store.LoadInFlightBundles()
	if err != nil {
		return fmt.Errorf("node: load in-flight bundles: %w", err)
	}

	var sent, received []*model.Bundle
	for _, b := range bundles {
		if b.Src.NodeID == n.nodeID {
			sent = append(sent, b)
		} else {
			received = append(received, b)
		}
	}

	if err := n.Send.Rehydrate(sent, now); err != nil {
		return fmt.Errorf("node: rehydrate send engine: %w", err)
	}
	if err := n.Recv.Rehydrate(received, now); err != nil {
		return fmt.Errorf("node: rehydrate receive engine: %w", err)
	}

	records, err := n.store.LoadCustodyRecords()
	if err != nil {
		return fmt.Errorf("node: load custody records: %w", err)
	}
	n.Custody.Rehydrate(records)

	if n.logger != nil {
		n.logger.Info(fmt.Sprintf("rehydrated %d sent + %d received in-flight bundles, %d custody records", len(sent), len(received), len(records)))
	}
	return nil
}

// LocalAddr reports the bound UDP address.
func (n *Node) LocalAddr() string {
	return n.socket.LocalAddr().String()
}

// Submit hands a file to the Send Engine for transmission, the daemon-side
// implementation of the `send` CLI verb (spec.md §6). Every successful
// submission also offers custody of the full bundle to dst (spec.md
// §1(c)/§4.5 "hands off custody to intermediate relays"): the caller can
// then be killed as soon as a CUSTODY_ACK comes back, since dst has taken
// over the obligation to keep the transfer moving.
func (n *Node) Submit(now time.Time, path string, dst model.Endpoint, opts sendengine.SubmitOptions) (model.BundleID, error) {
	src := model.Endpoint{NodeID: n.nodeID, Addr: n.LocalAddr()}
	bundleID, err := n.Send.Submit(now, path, dst, src, opts)
	if err != nil {
		return bundleID, err
	}
	n.offerCustody(bundleID, dst, now)
	return bundleID, nil
}

// offerCustody sends dst a CUSTODY_REQ covering every chunk in bundleID.
func (n *Node) offerCustody(bundleID model.BundleID, dst model.Endpoint, now time.Time) {
	bundle, ok := n.Send.Bundle(bundleID)
	if !ok || bundle.TotalChunks == 0 {
		return
	}
	dstAddr, err := net.ResolveUDPAddr("udp", dst.Addr)
	if err != nil {
		return
	}
	var ttlRemaining uint32
	if d := bundle.TTL.Sub(now); d > 0 {
		ttlRemaining = uint32(d.Seconds())
	}
	fullRange := []model.Range{{Start: 0, End: uint32(bundle.TotalChunks - 1)}}
	if out := n.Custody.StartHandoff(bundleID, ttlRemaining, fullRange, dstAddr); out != nil {
		n.sendOne(out.Payload, out.To)
	}
}

// onRecvProgress reacts the moment the Receive Engine marks a bundle
// DELIVERED. A pure endpoint (no relay_to configured) is the end of the
// line: nothing downstream will ever notify it, so it releases any custody
// it holds for the bundle right away, the same as if a DeliveredMsg had
// arrived over the wire. A relay instead forwards the assembled file on
// toward its configured next hop under the same bundle id and keeps its
// own custody record open until that hop's own DELIVERED cascades back
// (handled by dispatch's *wire.DeliveredMsg case) — releasing it here
// would be premature, since having the bytes locally isn't the same as the
// final destination having received them (spec.md §4.5).
func (n *Node) onRecvProgress(id model.BundleID, now time.Time) {
	bundle, ok := n.Recv.Bundle(id)
	if !ok || bundle.State != model.BundleDelivered || n.relayed[id] {
		return
	}
	n.relayed[id] = true

	if n.cfg.Node.RelayTo == "" {
		for _, o := range n.Custody.OnDelivered(&wire.DeliveredMsg{BundleID: id}, now) {
			n.sendOne(o.Payload, o.To)
		}
		return
	}

	n.relayForward(id, now)
}

// relayForward bridges the Receive Engine back out through the Send
// Engine: the just-assembled file at destDir is re-submitted toward
// cfg.Node.RelayTo, preserving bundleID so the custody/DELIVERED cascade
// threads consistently through every hop (SPEC_FULL.md §4.5 relay
// forwarding model).
func (n *Node) relayForward(bundleID model.BundleID, now time.Time) {
	assembledPath := filepath.Join(n.destDir, bundleID.String()+".bin")
	relayDst := model.Endpoint{NodeID: n.cfg.Node.RelayTo, Addr: n.cfg.Node.RelayTo}

	if _, err := n.Submit(now, assembledPath, relayDst, sendengine.SubmitOptions{BundleID: bundleID}); err != nil {
		if n.logger != nil {
			n.logger.Error(err, fmt.Sprintf("relay forward of bundle %s to %s failed", bundleID, n.cfg.Node.RelayTo))
		}
	}
}

// Status reports every bundle and custody record this node currently
// knows about, for the `status` CLI verb (spec.md §6).
type Status struct {
	Sent     []*model.Bundle
	Received []*model.Bundle
	Custody  []*model.CustodyRecord
}

// Status collects the current snapshot across every engine.
func (n *Node) Status() Status {
	return Status{
		Sent:     n.Send.Bundles(),
		Received: n.Recv.Bundles(),
		Custody:  n.Custody.Records(),
	}
}

// StoreStatus is a snapshot read directly from a node's persisted state,
// for reporting on a node that may or may not currently be running.
type StoreStatus struct {
	Bundles []*model.Bundle
	Custody []*model.CustodyRecord
}

// ReadStatus reads bundle and custody state straight from the on-disk
// store without binding a socket, so `courier status` never contends for
// the UDP port a `courier recv` process is already listening on.
func ReadStatus(paths Paths) (*StoreStatus, error) {
	st, err := store.New(paths.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}
	defer st.Close()

	bundles, err := st.LoadAllBundles()
	if err != nil {
		return nil, fmt.Errorf("node: load bundles: %w", err)
	}
	records, err := st.LoadCustodyRecords()
	if err != nil {
		return nil, fmt.Errorf("node: load custody records: %w", err)
	}
	return &StoreStatus{Bundles: bundles, Custody: records}, nil
}

// Close stops accepting new submissions, flushes pending persistence, and
// releases the socket and store (spec.md §4.7 shutdown).
func (n *Node) Close() error {
	var firstErr error
	if n.socket != nil {
		if err := n.socket.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := n.custodyI.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := n.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// RunOnce drains at most maxDrainPerTick inbound datagrams, dispatches
// each by kind, ticks every engine, and flushes the resulting outbound
// datagrams (spec.md §4.7). Exported for deterministic single-step
// testing; Run calls it on a fixed-interval ticker.
func (n *Node) RunOnce(now time.Time) {
	start := time.Now()
	if n.metrics != nil {
		defer func() { n.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()
	}

	for i := 0; i < n.maxDrainPerTick; i++ {
		select {
		case dg := <-n.socket.Inbound():
			n.dispatch(dg.Payload, dg.From, now)
		default:
			i = n.maxDrainPerTick
		}
	}

	for _, o := range n.Send.Tick(now) {
		n.sendOne(o.Payload, o.To)
	}
	for _, o := range n.Recv.Tick(now) {
		n.sendOne(o.Payload, o.To)
	}
	n.Custody.Tick(now)

	n.ticksSinceGC++
	if n.ticksSinceGC >= gcEveryNTicks {
		n.ticksSinceGC = 0
		if purged, err := n.store.PurgeExpired(now); err != nil && n.logger != nil {
			n.logger.Error(err, "purge expired bundles")
		} else if purged > 0 && n.logger != nil {
			n.logger.Info(fmt.Sprintf("purged %d expired bundles", purged))
		}
	}
}

// Run blocks, ticking every interval until stop is closed.
func (n *Node) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			n.RunOnce(t)
		}
	}
}

// dispatch decodes one inbound datagram and routes it to whichever
// engine owns its kind, flushing any resulting reply datagrams inline.
func (n *Node) dispatch(payload []byte, from *net.UDPAddr, now time.Time) {
	msg, err := wire.Decode(payload)
	if err != nil {
		if n.metrics != nil {
			n.metrics.RecordError(string(classifyDecodeError(err)))
		}
		return
	}

	switch m := msg.(type) {
	case *wire.DataMsg:
		for _, o := range n.Recv.OnData(m, from, now) {
			n.sendOne(o.Payload, o.To)
		}
		n.onRecvProgress(m.BundleID, now)

	case *wire.SackMsg:
		n.Send.OnSack(m, now)

	case *wire.CustodyReqMsg:
		if out := n.Custody.OnCustodyReq(m, from, now); out != nil {
			n.sendOne(out.Payload, out.To)
		}

	case *wire.CustodyAckMsg:
		n.Custody.OnCustodyAck(m, now)

	case *wire.DeliveredMsg:
		n.Send.OnDelivered(m, now)
		for _, o := range n.Custody.OnDelivered(m, now) {
			n.sendOne(o.Payload, o.To)
		}
	}
}

func classifyDecodeError(err error) errkind.Kind {
	switch err {
	case wire.ErrBadChecksum:
		return errkind.BadChecksum
	case wire.ErrUnsupportedVersion:
		return errkind.UnsupportedVersion
	default:
		return errkind.MalformedMessage
	}
}

func (n *Node) sendOne(payload []byte, to *net.UDPAddr) {
	if err := n.socket.Send(payload, to); err != nil && n.logger != nil {
		n.logger.Error(err, "failed to send outbound datagram")
	}
}
