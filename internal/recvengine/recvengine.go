// Package recvengine implements the Receive Engine (spec.md §4.4): accepts
// inbound DATA chunks, deduplicates and validates them, reconstructs missing
// chunks from FEC parity where possible, tracks SACK cadence, and assembles
// a bundle's payload once every data chunk id is present or recoverable.
package recvengine

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/quantarax/courier/internal/bitset"
	"github.com/quantarax/courier/internal/chunker"
	"github.com/quantarax/courier/internal/digest"
	"github.com/quantarax/courier/internal/fec"
	"github.com/quantarax/courier/internal/model"
	"github.com/quantarax/courier/internal/observability"
	"github.com/quantarax/courier/internal/store"
	"github.com/quantarax/courier/internal/wire"
)

// Config carries the defaults applied to every bundle this engine receives
// (spec.md §6 transfer.* keys, plus where assembled files land).
type Config struct {
	DestDir         string
	SackEvery       int           // emit a SACK after this many newly-acked ids
	SackInterval    time.Duration // heartbeat cadence even absent new progress
	SackBitmapBytes int           // bytes covered by one SACK bitmap
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		DestDir:         "received",
		SackEvery:       32,
		SackInterval:    100 * time.Millisecond,
		SackBitmapBytes: 64,
	}
}

// Outbound is a datagram the node orchestrator must flush to the socket.
type Outbound struct {
	Payload []byte
	To      *net.UDPAddr
}

type blockState struct {
	k, r        int
	shards      [][]byte // length k+r, data slots first then parity
	present     int
	reconstruct bool
}

type recvBundle struct {
	bundle     *model.Bundle
	dataTotal  uint32
	chunkSize  int
	nominalK   int // learned from block 0's K (spec.md 4.4 FEC grouping, see DESIGN.md)
	fecEnabled bool

	received      *bitset.Set // ids physically received off the wire
	reconstructed *bitset.Set // data ids recovered via FEC
	acked         *bitset.Set // union of the above, what we tell the sender it can stop resending
	payloads      map[uint32][]byte
	blocks        map[uint32]*blockState

	assembled    bool
	srcAddr      *net.UDPAddr
	sackWindow   uint32
	sinceLastSack int
	lastSackAt   time.Time
}

// Engine owns every bundle this node is receiving or relaying through.
type Engine struct {
	store   *store.PersistentStore
	cfg     Config
	metrics *observability.Metrics
	logger  *observability.Logger
	bundles map[model.BundleID]*recvBundle
}

// New creates a Receive Engine backed by store.
func New(st *store.PersistentStore, cfg Config, metrics *observability.Metrics, logger *observability.Logger) *Engine {
	return &Engine{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		bundles: make(map[model.BundleID]*recvBundle),
	}
}

func (e *Engine) bundleFor(msg *wire.DataMsg, src *net.UDPAddr, now time.Time) *recvBundle {
	rb, ok := e.bundles[msg.BundleID]
	if ok {
		return rb
	}
	rb = &recvBundle{
		bundle: &model.Bundle{
			ID:          msg.BundleID,
			Src:         model.Endpoint{NodeID: src.String(), Addr: src.String()},
			TotalChunks: int(msg.TotalChunks),
			State:       model.BundleInFlight,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		dataTotal:     msg.TotalChunks,
		received:      bitset.New(int(msg.TotalChunks)),
		reconstructed: bitset.New(int(msg.TotalChunks)),
		acked:         bitset.New(int(msg.TotalChunks)),
		payloads:      make(map[uint32][]byte),
		blocks:        make(map[uint32]*blockState),
		srcAddr:       src,
		lastSackAt:    now,
	}
	e.bundles[msg.BundleID] = rb
	e.store.SaveBundle(rb.bundle)
	return rb
}

// Rehydrate rebuilds in-memory receive state for bundles recovered from
// the store on startup (spec.md §4.7), replaying every persisted chunk
// back through the same accounting OnData applies so that received,
// reconstructed, and acked bitsets, FEC block progress, and the learned
// chunk size all match pre-restart state. No datagrams are produced here
// — the node orchestrator hasn't bound its socket yet at rehydrate time
// — so a bundle that turns out to already be complete is assembled
// silently; the sender's own Rehydrate keeps resending until it
// independently observes DELIVERED, and a duplicate DELIVERED is a
// harmless no-op (I2/P3).
func (e *Engine) Rehydrate(bundles []*model.Bundle, now time.Time) error {
	for _, bundle := range bundles {
		chunks, err := e.store.LoadChunks(bundle.ID)
		if err != nil {
			return fmt.Errorf("recvengine: rehydrate %s: %w", bundle.ID, err)
		}

		var srcAddr *net.UDPAddr
		if bundle.Src.Addr != "" {
			srcAddr, _ = net.ResolveUDPAddr("udp", bundle.Src.Addr)
		}

		rb := &recvBundle{
			bundle:        bundle,
			dataTotal:     uint32(bundle.TotalChunks),
			received:      bitset.New(bundle.TotalChunks),
			reconstructed: bitset.New(bundle.TotalChunks),
			acked:         bitset.New(bundle.TotalChunks),
			payloads:      make(map[uint32][]byte),
			blocks:        make(map[uint32]*blockState),
			srcAddr:       srcAddr,
			lastSackAt:    now,
		}

		for i := range chunks {
			c := &chunks[i]
			rb.received.Set(c.ChunkID)
			rb.acked.Set(c.ChunkID)
			rb.payloads[c.ChunkID] = c.Payload
			if !c.IsParity && len(c.Payload) > rb.chunkSize {
				rb.chunkSize = len(c.Payload)
			}
			if c.K > 0 {
				e.updateBlock(rb, &wire.DataMsg{
					BundleID: c.BundleID, ChunkID: c.ChunkID, IsParity: c.IsParity,
					BlockID: c.BlockID, K: c.K, R: c.R, Payload: c.Payload,
					TotalChunks: rb.dataTotal,
				})
			}
		}

		e.bundles[bundle.ID] = rb
		if rb.reconstructedCoversAll() {
			e.assemble(rb, now)
		}
	}
	return nil
}

// OnData validates, dedups, stores, and (where FEC allows) reconstructs a
// chunk, returning any SACK/DELIVERED datagrams the node should flush.
func (e *Engine) OnData(msg *wire.DataMsg, src *net.UDPAddr, now time.Time) []Outbound {
	if !msg.IsParity {
		if msg.ChunkID >= msg.TotalChunks {
			e.dropMalformed(msg, "chunk_id_out_of_range")
			return nil
		}
	} else {
		if msg.R == 0 || msg.ChunkID < msg.TotalChunks {
			e.dropMalformed(msg, "parity_id_out_of_range")
			return nil
		}
		localParity := msg.ChunkID - msg.TotalChunks - msg.BlockID*uint32(msg.R)
		if localParity >= uint32(msg.R) {
			e.dropMalformed(msg, "parity_id_out_of_range")
			return nil
		}
	}

	rb := e.bundleFor(msg, src, now)
	if rb.assembled {
		// Duplicate after delivery (I2/P3): nothing is stored again, and
		// DELIVERED is re-announced to the sender that is still resending.
		buf, err := wire.Encode(&wire.DeliveredMsg{BundleID: rb.bundle.ID})
		if err != nil {
			return nil
		}
		return []Outbound{{Payload: buf, To: src}}
	}

	if rb.received.Has(msg.ChunkID) {
		return nil // duplicate, already accounted for
	}
	if e.metrics != nil {
		e.metrics.RecordChunkReceived(len(msg.Payload))
	}
	rb.received.Set(msg.ChunkID)
	rb.acked.Set(msg.ChunkID)
	rb.payloads[msg.ChunkID] = msg.Payload
	if !msg.IsParity && len(msg.Payload) > rb.chunkSize {
		rb.chunkSize = len(msg.Payload)
	}

	e.store.SaveChunk(&model.Chunk{
		BundleID: msg.BundleID,
		ChunkID:  msg.ChunkID,
		IsParity: msg.IsParity,
		BlockID:  msg.BlockID,
		K:        msg.K,
		R:        msg.R,
		Checksum: msg.Checksum,
		Payload:  msg.Payload,
	})

	var out []Outbound
	if msg.K > 0 {
		e.updateBlock(rb, msg)
	}
	if rb.reconstructedCoversAll() {
		out = append(out, e.assemble(rb, now)...)
	}
	if !rb.assembled {
		if sack := e.maybeSack(rb, now); sack != nil {
			out = append(out, *sack)
		}
	}
	return out
}

func (rb *recvBundle) reconstructedCoversAll() bool {
	if rb.dataTotal == 0 {
		return false
	}
	for id := uint32(0); id < rb.dataTotal; id++ {
		if !rb.received.Has(id) && !rb.reconstructed.Has(id) {
			return false
		}
	}
	return true
}

func (e *Engine) dropMalformed(msg *wire.DataMsg, reason string) {
	if e.metrics != nil {
		e.metrics.RecordChunkDropped(reason)
	}
	if e.logger != nil {
		e.logger.ChunkDropped(msg.BundleID.String(), msg.ChunkID, reason)
	}
}

// updateBlock folds a FEC-tagged chunk into its block's shard set and
// attempts reconstruction once at least k members are present (spec.md
// §4.3/§4.4, SPEC_FULL.md §4.4). Only the last block of a bundle can be
// shorter than the configured k; block 0 is never that short block unless
// it is the bundle's only block, so its reported K is always the true
// nominal k and is what locates every later block's starting chunk id.
func (e *Engine) updateBlock(rb *recvBundle, msg *wire.DataMsg) {
	if rb.nominalK == 0 || (msg.BlockID == 0 && int(msg.K) != rb.nominalK) {
		rb.nominalK = int(msg.K)
	}
	rb.fecEnabled = true

	blk, ok := rb.blocks[msg.BlockID]
	if !ok {
		blk = &blockState{k: int(msg.K), r: int(msg.R), shards: make([][]byte, int(msg.K)+int(msg.R))}
		rb.blocks[msg.BlockID] = blk
	}

	var localIdx int
	if msg.IsParity {
		localIdx = blk.k + int(msg.ChunkID-msg.TotalChunks-msg.BlockID*uint32(msg.R))
	} else {
		blockStart := msg.BlockID * uint32(rb.nominalK)
		if msg.ChunkID < blockStart {
			return // inconsistent block/id pairing, ignore
		}
		localIdx = int(msg.ChunkID - blockStart)
		if localIdx >= blk.k {
			return
		}
	}
	if blk.shards[localIdx] == nil {
		blk.shards[localIdx] = msg.Payload
		blk.present++
	}
	if blk.reconstruct || blk.present < blk.k {
		return
	}

	dec, err := fec.NewDecoder(blk.k, blk.r)
	if err != nil {
		return
	}
	// Parity shards are chunk-size long while a bundle's last data chunk
	// may be shorter; zero-pad every present shard to the longest one.
	shardLen := 0
	for _, s := range blk.shards {
		if len(s) > shardLen {
			shardLen = len(s)
		}
	}
	work := make([][]byte, len(blk.shards))
	for i, s := range blk.shards {
		if s != nil {
			work[i] = make([]byte, shardLen)
			copy(work[i], s)
		}
	}
	if err := dec.Reconstruct(work); err != nil {
		if e.metrics != nil {
			e.metrics.RecordFECReconstruction(false)
		}
		return
	}
	blk.reconstruct = true
	if e.metrics != nil {
		e.metrics.RecordFECReconstruction(true)
	}

	blockStart := msg.BlockID * uint32(rb.nominalK)
	for i := 0; i < blk.k; i++ {
		id := blockStart + uint32(i)
		if !rb.received.Has(id) {
			rb.payloads[id] = work[i]
			rb.reconstructed.Set(id)
		}
		rb.acked.Set(id)
	}
	for p := 0; p < blk.r; p++ {
		rb.acked.Set(rb.dataTotal + msg.BlockID*uint32(blk.r) + uint32(p))
	}
}

// assemble writes every data chunk to the destination file in order once
// the full [0, dataTotal) range is covered by received-or-reconstructed
// payloads (spec.md I5), then announces delivery.
func (e *Engine) assemble(rb *recvBundle, now time.Time) []Outbound {
	destPath := filepath.Join(e.cfg.DestDir, rb.bundle.ID.String()+".bin")
	if err := os.MkdirAll(e.cfg.DestDir, 0o755); err != nil {
		if e.logger != nil {
			e.logger.Error(err, "failed to create destination directory")
		}
		return nil
	}
	asm, err := chunker.NewAssembler(destPath)
	if err != nil {
		if e.logger != nil {
			e.logger.Error(err, "failed to open assembly file")
		}
		return nil
	}

	var length int64
	for id := uint32(0); id < rb.dataTotal; id++ {
		payload := rb.payloads[id]
		if err := asm.WriteAt(id, rb.chunkSize, payload); err != nil {
			asm.Close()
			if e.logger != nil {
				e.logger.Error(err, "failed to write chunk during assembly")
			}
			return nil
		}
		if id == rb.dataTotal-1 {
			length = int64(id)*int64(rb.chunkSize) + int64(len(payload))
		}
	}
	if err := asm.Finish(length); err != nil {
		if e.logger != nil {
			e.logger.Error(err, "failed to finalize assembled file")
		}
		return nil
	}

	sum, err := digest.FileHex(destPath)
	if err != nil && e.logger != nil {
		e.logger.Error(err, "failed to compute bundle digest")
	}

	rb.assembled = true
	rb.bundle.Length = length
	rb.bundle.Digest = sum
	rb.bundle.State = model.BundleDelivered
	rb.bundle.UpdatedAt = now
	e.store.SaveBundle(rb.bundle)

	if e.metrics != nil {
		e.metrics.RecordBundleComplete("delivered", now.Sub(rb.bundle.CreatedAt).Seconds())
	}
	if e.logger != nil {
		e.logger.BundleDelivered(rb.bundle.ID.String(), length, rb.bundle.TotalChunks, now.Sub(rb.bundle.CreatedAt), 0)
		e.logger.BundleDigest(rb.bundle.ID.String(), sum)
	}

	delivered := &wire.DeliveredMsg{BundleID: rb.bundle.ID}
	buf, err := wire.Encode(delivered)
	if err != nil {
		return nil
	}
	return []Outbound{{Payload: buf, To: rb.srcAddr}}
}

// maybeSack builds a SACK datagram when cadence demands one: every
// SackEvery newly-acked ids, whenever the low watermark advances, or every
// SackInterval as a heartbeat (spec.md §4.4 cadence).
func (e *Engine) maybeSack(rb *recvBundle, now time.Time) *Outbound {
	rb.sinceLastSack++
	advanced := rb.acked.NextUnset(rb.sackWindow)
	watermarkMoved := advanced != rb.sackWindow
	rb.sackWindow = advanced

	due := rb.sinceLastSack >= e.cfg.SackEvery || watermarkMoved || now.Sub(rb.lastSackAt) >= e.cfg.SackInterval
	if !due {
		return nil
	}
	return e.buildSack(rb, now)
}

func (e *Engine) buildSack(rb *recvBundle, now time.Time) *Outbound {
	rb.sinceLastSack = 0
	rb.lastSackAt = now
	msg := &wire.SackMsg{
		BundleID:      rb.bundle.ID,
		RecvWatermark: rb.sackWindow,
		Bitmap:        rb.acked.Bitmap(rb.sackWindow, e.cfg.SackBitmapBytes),
	}
	buf, err := wire.Encode(msg)
	if err != nil {
		return nil
	}
	return &Outbound{Payload: buf, To: rb.srcAddr}
}

// Tick emits heartbeat SACKs for bundles that haven't produced one within
// SackInterval, independent of new inbound data (keeps a lossy sender's
// retransmit decisions informed even with no fresh progress).
func (e *Engine) Tick(now time.Time) []Outbound {
	var out []Outbound
	for _, rb := range e.bundles {
		if rb.assembled {
			continue
		}
		if now.Sub(rb.lastSackAt) >= e.cfg.SackInterval {
			out = append(out, *e.buildSack(rb, now))
		}
	}
	return out
}

// Bundle returns the current bundle record for status reporting.
func (e *Engine) Bundle(id model.BundleID) (*model.Bundle, bool) {
	rb, ok := e.bundles[id]
	if !ok {
		return nil, false
	}
	return rb.bundle, true
}

// Bundles returns every bundle record currently tracked, for status
// reporting.
func (e *Engine) Bundles() []*model.Bundle {
	out := make([]*model.Bundle, 0, len(e.bundles))
	for _, rb := range e.bundles {
		out = append(out, rb.bundle)
	}
	return out
}

// Forget drops a bundle from memory once it is no longer needed.
func (e *Engine) Forget(id model.BundleID) {
	delete(e.bundles, id)
}
