// Package sendengine implements the Send Engine (spec.md §4.3): splits a
// source file into chunks, optionally generates block-XOR FEC parity,
// drives a sliding selective-repeat window with adaptive RTO, and emits
// the resulting DATA datagrams for the node orchestrator to flush.
package sendengine

import (
	"fmt"
	"math"
	"net"
	"time"

	"github.com/quantarax/courier/internal/bitset"
	"github.com/quantarax/courier/internal/chunker"
	"github.com/quantarax/courier/internal/errkind"
	"github.com/quantarax/courier/internal/fec"
	"github.com/quantarax/courier/internal/model"
	"github.com/quantarax/courier/internal/observability"
	"github.com/quantarax/courier/internal/ratelimit"
	"github.com/quantarax/courier/internal/store"
	"github.com/quantarax/courier/internal/wire"
)

// Config carries the defaults applied to a Submit call that doesn't
// override them (spec.md §6 transfer.* and fec.* keys).
type Config struct {
	ChunkSize  int
	WindowSize int
	BaseRTOMs  float64
	MaxRTOMs   float64
	TTL        time.Duration
	FECEnabled bool
	K, R       int
	RateLimit  float64 // tokens/sec, 0 = unlimited
	RateBurst  int
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:  model.MaxPayloadSize,
		WindowSize: 64,
		BaseRTOMs:  50,
		MaxRTOMs:   5000,
		TTL:        300 * time.Second,
		FECEnabled: false,
		K:          4,
		R:          2,
	}
}

// SubmitOptions overrides Config for one bundle.
type SubmitOptions struct {
	ChunkSize  int
	WindowSize int
	TTL        time.Duration
	FECEnabled bool
	K, R       int
	RateLimit  float64
	RateBurst  int

	// BundleID, if non-zero, is reused instead of generating a fresh one.
	// Set by a relay forwarding an already-assembled bundle onward, so the
	// custody/DELIVERED cascade stays keyed to the same id across hops
	// (SPEC_FULL.md §4.5).
	BundleID model.BundleID
}

// Outbound is a datagram the node orchestrator must flush to the socket.
type Outbound struct {
	Payload []byte
	To      *net.UDPAddr
}

type sendChunk struct {
	chunk           model.Chunk
	sentAt          time.Time
	expiry          time.Time
	retransmitCount int
	acked           bool
}

type sendBundle struct {
	bundle      *model.Bundle
	chunks      []sendChunk // indexed by wire chunk id, data ids first then parity
	dataTotal   uint32
	windowStart uint32
	windowSize  int
	acked       *bitset.Set
	retransmit  []uint32
	srtt        float64 // ms, 0 until first sample
	rttvar      float64
	rto         float64
	maxRTO      float64
	dstAddr     *net.UDPAddr
	limiter     *ratelimit.TokenBucket

	adaptive        *fec.AdaptivePolicy
	adaptiveEnabled bool // last recommendation reported, to log only on change
}

// Engine owns every bundle this node is sending or forwarding.
type Engine struct {
	store   *store.PersistentStore
	cfg     Config
	metrics *observability.Metrics
	logger  *observability.Logger
	bundles map[model.BundleID]*sendBundle
}

// New creates a Send Engine backed by store, using cfg for submissions
// that don't override a field.
func New(st *store.PersistentStore, cfg Config, metrics *observability.Metrics, logger *observability.Logger) *Engine {
	return &Engine{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		bundles: make(map[model.BundleID]*sendBundle),
	}
}

// Submit reads path, splits and optionally FEC-encodes it, persists every
// generated chunk, and registers the bundle for transmission starting on
// the next Tick.
func (e *Engine) Submit(now time.Time, path string, dst model.Endpoint, src model.Endpoint, opts SubmitOptions) (model.BundleID, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = e.cfg.ChunkSize
	}
	windowSize := opts.WindowSize
	if windowSize <= 0 {
		windowSize = e.cfg.WindowSize
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.cfg.TTL
	}
	if ttl <= 0 {
		return model.BundleID{}, fmt.Errorf("%w: ttl must be positive", errkind.ErrSubmitRejected)
	}

	dstAddr, err := net.ResolveUDPAddr("udp", dst.Addr)
	if err != nil {
		return model.BundleID{}, fmt.Errorf("%w: resolve dst: %v", errkind.ErrSubmitRejected, err)
	}

	bundleID := opts.BundleID
	if bundleID == (model.BundleID{}) {
		bundleID = model.NewBundleID()
	}
	dataChunks, fileSize, err := chunker.Split(path, bundleID, chunkSize)
	if err != nil {
		return model.BundleID{}, fmt.Errorf("%w: %v", errkind.ErrSubmitRejected, err)
	}
	dataTotal := uint32(len(dataChunks))

	fecEnabled := opts.FECEnabled || e.cfg.FECEnabled
	k, r := opts.K, opts.R
	if k <= 0 {
		k = e.cfg.K
	}
	if r <= 0 {
		r = e.cfg.R
	}

	var allChunks []model.Chunk
	if fecEnabled {
		parity, err := generateParity(bundleID, dataChunks, chunkSize, k, r)
		if err != nil {
			return model.BundleID{}, fmt.Errorf("%w: fec: %v", errkind.ErrSubmitRejected, err)
		}
		allChunks = append(allChunks, dataChunks...)
		allChunks = append(allChunks, parity...)
	} else {
		allChunks = append(allChunks, dataChunks...)
	}

	bundle := &model.Bundle{
		ID:          bundleID,
		Src:         src,
		Dst:         dst,
		TTL:         now.Add(ttl),
		Length:      fileSize,
		TotalChunks: int(dataTotal),
		FECEnabled:  fecEnabled,
		K:           k,
		R:           r,
		State:       model.BundleNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.SaveBundle(bundle); err != nil {
		return model.BundleID{}, fmt.Errorf("%w: persist bundle: %v", errkind.ErrSubmitRejected, err)
	}
	for i := range allChunks {
		if err := e.store.SaveChunk(&allChunks[i]); err != nil {
			return model.BundleID{}, fmt.Errorf("%w: persist chunk %d: %v", errkind.ErrSubmitRejected, allChunks[i].ChunkID, err)
		}
	}

	bundle.State = model.BundleInFlight
	if err := e.store.UpdateBundleState(bundleID, model.BundleInFlight, now); err != nil {
		return model.BundleID{}, fmt.Errorf("%w: %v", errkind.ErrSubmitRejected, err)
	}

	sb := newSendBundle(bundle, allChunks, dataTotal, windowSize, e.cfg.BaseRTOMs, e.cfg.MaxRTOMs, dstAddr, now)
	rateLimit := opts.RateLimit
	if rateLimit <= 0 {
		rateLimit = e.cfg.RateLimit
	}
	if rateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = e.cfg.RateBurst
		}
		sb.limiter = ratelimit.NewTokenBucket(rateLimit, burst, now)
	}
	e.bundles[bundleID] = sb

	if e.metrics != nil {
		e.metrics.RecordBundleStart()
		e.metrics.SetFECEnabled(fecEnabled)
	}
	if e.logger != nil {
		e.logger.BundleSubmitted(bundleID.String(), path, fileSize, int(dataTotal))
	}
	return bundleID, nil
}

func newSendBundle(bundle *model.Bundle, chunks []model.Chunk, dataTotal uint32, windowSize int, baseRTO, maxRTO float64, dstAddr *net.UDPAddr, now time.Time) *sendBundle {
	policyCfg := fec.DefaultPolicyConfig()
	if bundle.K > 0 {
		policyCfg.DefaultK = bundle.K
	}
	if bundle.R > 0 {
		policyCfg.DefaultR = bundle.R
	}
	sb := &sendBundle{
		bundle:      bundle,
		chunks:      make([]sendChunk, len(chunks)),
		dataTotal:   dataTotal,
		windowStart: 0,
		windowSize:  windowSize,
		acked:       bitset.New(len(chunks)),
		rto:         baseRTO,
		maxRTO:      maxRTO,
		dstAddr:     dstAddr,
		adaptive:    fec.NewAdaptivePolicy(policyCfg, now),
	}
	for i, c := range chunks {
		sb.chunks[i] = sendChunk{chunk: c}
	}
	return sb
}

// generateParity groups dataChunks into blocks of k and XOR-encodes r
// parity shards per block (spec.md §4.3, SPEC_FULL.md §4.3).
func generateParity(bundleID model.BundleID, dataChunks []model.Chunk, chunkSize, k, r int) ([]model.Chunk, error) {
	var parity []model.Chunk
	total := len(dataChunks)
	for start := 0; start < total; start += k {
		end := start + k
		if end > total {
			end = total
		}
		blockK := end - start
		blockID := uint32(start / k)

		shards := make([][]byte, blockK)
		for i := 0; i < blockK; i++ {
			padded := make([]byte, chunkSize)
			copy(padded, dataChunks[start+i].Payload)
			shards[i] = padded
			// Tag the data chunk with its block membership so the receiver
			// can place it in the right FEC block without extra state.
			dataChunks[start+i].BlockID = blockID
			dataChunks[start+i].K = uint8(blockK)
			dataChunks[start+i].R = uint8(r)
		}
		enc, err := fec.NewEncoder(blockK, r)
		if err != nil {
			return nil, err
		}
		parityShards, err := enc.Encode(shards)
		if err != nil {
			return nil, err
		}
		for pidx, shard := range parityShards {
			parity = append(parity, model.Chunk{
				BundleID: bundleID,
				ChunkID:  uint32(total) + blockID*uint32(r) + uint32(pidx),
				IsParity: true,
				BlockID:  blockID,
				K:        uint8(blockK),
				R:        uint8(r),
				Checksum: wire.ChecksumPayload(shard),
				Payload:  shard,
			})
		}
	}
	return parity, nil
}

// Rehydrate rebuilds in-memory send state for bundles recovered from the
// store on startup (spec.md §4.7). Ack state is not durable, so every
// loaded bundle restarts its window at 0 and resends as needed; duplicate
// deliveries are idempotent at the receiver (I2/P3).
func (e *Engine) Rehydrate(bundles []*model.Bundle, now time.Time) error {
	for _, bundle := range bundles {
		chunks, err := e.store.LoadChunks(bundle.ID)
		if err != nil {
			return fmt.Errorf("sendengine: rehydrate %s: %w", bundle.ID, err)
		}
		dstAddr, err := net.ResolveUDPAddr("udp", bundle.Dst.Addr)
		if err != nil {
			return fmt.Errorf("sendengine: rehydrate %s: resolve dst: %w", bundle.ID, err)
		}
		sb := newSendBundle(bundle, chunks, uint32(bundle.TotalChunks), e.cfg.WindowSize, e.cfg.BaseRTOMs, e.cfg.MaxRTOMs, dstAddr, now)
		e.bundles[bundle.ID] = sb
	}
	return nil
}

// OnSack folds a SACK's bitmap into the bundle's acked set, samples RTT
// for freshly-acked non-retransmitted chunks, advances the window, and
// detects full delivery (spec.md §4.3 window policy, Karn's rule).
func (e *Engine) OnSack(msg *wire.SackMsg, now time.Time) {
	sb, ok := e.bundles[msg.BundleID]
	if !ok || sb.bundle.State != model.BundleInFlight {
		return
	}

	for i := 0; i < len(msg.Bitmap)*8; i++ {
		id := msg.RecvWatermark + uint32(i)
		if int(id) >= len(sb.chunks) {
			break
		}
		if msg.Bitmap[i/8]&(1<<(uint(i)%8)) == 0 {
			continue
		}
		c := &sb.chunks[id]
		if c.acked {
			continue
		}
		c.acked = true
		sb.acked.Set(id)
		if c.retransmitCount == 0 && !c.sentAt.IsZero() {
			sb.sampleRTT(now.Sub(c.sentAt).Seconds() * 1000)
		}
	}

	sb.windowStart = sb.acked.NextUnset(sb.windowStart)

	if sb.dataTotal == 0 || sb.acked.CoversRange(0, sb.dataTotal-1) {
		e.markDelivered(sb, now)
	}
}

// OnDelivered honors a DELIVERED announcement from the peer directly.
func (e *Engine) OnDelivered(msg *wire.DeliveredMsg, now time.Time) {
	sb, ok := e.bundles[msg.BundleID]
	if !ok || sb.bundle.State != model.BundleInFlight {
		return
	}
	e.markDelivered(sb, now)
}

func (e *Engine) markDelivered(sb *sendBundle, now time.Time) {
	sb.bundle.State = model.BundleDelivered
	sb.bundle.UpdatedAt = now
	e.store.UpdateBundleState(sb.bundle.ID, model.BundleDelivered, now)
	if e.metrics != nil {
		e.metrics.RecordBundleComplete("delivered", now.Sub(sb.bundle.CreatedAt).Seconds())
	}
	if e.logger != nil {
		e.logger.BundleDelivered(sb.bundle.ID.String(), sb.bundle.Length, sb.bundle.TotalChunks, now.Sub(sb.bundle.CreatedAt), sb.bundle.ChunksRetransmitted)
	}
}

func (sb *sendBundle) sampleRTT(rttMs float64) {
	if sb.srtt == 0 {
		sb.srtt = rttMs
		sb.rttvar = rttMs / 2
	} else {
		sb.rttvar = 0.75*sb.rttvar + 0.25*math.Abs(sb.srtt-rttMs)
		sb.srtt = 0.875*sb.srtt + 0.125*rttMs
	}
	sb.rto = sb.srtt + 4*sb.rttvar
	if sb.rto < 50 {
		sb.rto = 50
	}
	if sb.rto > sb.maxRTO {
		sb.rto = sb.maxRTO
	}
}

// Tick checks per-chunk timers, queues retransmissions, and emits the
// next window's worth of datagrams (spec.md §4.3).
func (e *Engine) Tick(now time.Time) []Outbound {
	var out []Outbound
	for id, sb := range e.bundles {
		if sb.bundle.State != model.BundleInFlight {
			continue
		}
		if sb.bundle.Expired(now) {
			sb.bundle.State = model.BundleExpired
			e.store.UpdateBundleState(id, model.BundleExpired, now)
			if e.metrics != nil {
				e.metrics.RecordBundleComplete("expired", now.Sub(sb.bundle.CreatedAt).Seconds())
				e.metrics.RecordError(string(errkind.BundleExpired))
			}
			continue
		}

		timedOut, dirty := e.scanTimeouts(sb, now)
		e.updateAdaptivePolicy(sb, timedOut, now)
		sent := e.fillWindow(sb, now, &out)
		if dirty || sent {
			e.store.UpdateBundleCounters(id, sb.bundle.BytesSent, sb.bundle.ChunksRetransmitted, now)
		}
	}
	return out
}

func (e *Engine) scanTimeouts(sb *sendBundle, now time.Time) (timedOut int, dirty bool) {
	for i := range sb.chunks {
		c := &sb.chunks[i]
		if c.acked || c.sentAt.IsZero() || c.expiry.IsZero() {
			continue
		}
		if now.Before(c.expiry) {
			continue
		}
		c.retransmitCount++
		c.expiry = time.Time{}
		sb.retransmit = append(sb.retransmit, uint32(i))
		sb.rto *= 1.5
		if sb.rto > sb.maxRTO {
			sb.rto = sb.maxRTO
		}
		if e.metrics != nil {
			e.metrics.RecordChunkRetransmit("timeout")
		}
		timedOut++
		dirty = true
	}
	return timedOut, dirty
}

// updateAdaptivePolicy feeds this tick's observed loss (timeouts over the
// active window) into the bundle's adaptive FEC policy and exposes its
// current recommendation via metrics, logging only when it changes
// (SPEC_FULL.md §9 adaptive per-block redundancy hinting).
func (e *Engine) updateAdaptivePolicy(sb *sendBundle, timedOut int, now time.Time) {
	window := sb.windowSize
	if window <= 0 {
		window = 1
	}
	lossRate := 100 * float64(timedOut) / float64(window)
	sb.adaptive.Update(now, lossRate)

	state := sb.adaptive.GetState()
	if e.metrics != nil {
		e.metrics.SetFECRecommendation(state.R, state.LossRate)
	}
	if state.Enabled != sb.adaptiveEnabled {
		sb.adaptiveEnabled = state.Enabled
		if e.logger != nil {
			e.logger.Info(fmt.Sprintf("adaptive FEC recommendation for %s: enabled=%v r=%d loss_rate=%.2f%%",
				sb.bundle.ID, state.Enabled, state.R, state.LossRate))
		}
	}
}

func (e *Engine) fillWindow(sb *sendBundle, now time.Time, out *[]Outbound) bool {
	var toSend []uint32

	remaining := sb.retransmit[:0]
	for _, id := range sb.retransmit {
		if sb.chunks[id].acked {
			continue
		}
		toSend = append(toSend, id)
	}
	sb.retransmit = remaining

	for wid := sb.windowStart; int(wid) < len(sb.chunks) && wid < sb.windowStart+uint32(sb.windowSize); wid++ {
		c := &sb.chunks[wid]
		if c.acked || !c.sentAt.IsZero() {
			continue
		}
		toSend = append(toSend, wid)
	}

	sent := false
	for _, cid := range toSend {
		if sb.limiter != nil && !sb.limiter.AllowAt(now, 1) {
			break
		}
		c := &sb.chunks[cid]
		msg := &wire.DataMsg{
			BundleID:    sb.bundle.ID,
			ChunkID:     cid,
			TotalChunks: sb.dataTotal,
			BlockID:     c.chunk.BlockID,
			K:           c.chunk.K,
			R:           c.chunk.R,
			IsParity:    c.chunk.IsParity,
			Checksum:    c.chunk.Checksum,
			Payload:     c.chunk.Payload,
		}
		buf, err := wire.Encode(msg)
		if err != nil {
			continue
		}
		isRetransmit := c.retransmitCount > 0
		*out = append(*out, Outbound{Payload: buf, To: sb.dstAddr})
		c.sentAt = now
		c.expiry = now.Add(time.Duration(sb.rto*float64(time.Millisecond)))
		sb.bundle.BytesSent += int64(len(c.chunk.Payload))
		if isRetransmit {
			sb.bundle.ChunksRetransmitted++
		}
		sent = true
		if e.metrics != nil {
			e.metrics.RecordChunkSent(len(c.chunk.Payload))
			if c.chunk.IsParity {
				e.metrics.FECParityShardsSentTotal.Inc()
			}
		}
		if e.logger != nil {
			e.logger.ChunkSent(sb.bundle.ID.String(), cid, len(c.chunk.Payload), c.chunk.IsParity, isRetransmit)
		}
	}
	return sent
}

// Bundle returns the current bundle record for status reporting.
func (e *Engine) Bundle(id model.BundleID) (*model.Bundle, bool) {
	sb, ok := e.bundles[id]
	if !ok {
		return nil, false
	}
	return sb.bundle, true
}

// Bundles returns every bundle currently tracked by the engine.
func (e *Engine) Bundles() []*model.Bundle {
	out := make([]*model.Bundle, 0, len(e.bundles))
	for _, sb := range e.bundles {
		out = append(out, sb.bundle)
	}
	return out
}

// Forget drops a bundle from memory once it is no longer needed (e.g.
// after its store row has been purged).
func (e *Engine) Forget(id model.BundleID) {
	delete(e.bundles, id)
}
