package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the node.
type Metrics struct {
	// Bundle lifecycle metrics
	BundlesTotal        *prometheus.CounterVec
	BundlesActive       prometheus.Gauge
	BundleDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec
	ChunksDroppedTotal    *prometheus.CounterVec

	// FEC metrics
	FECEnabled                     prometheus.Gauge
	FECReconstructionsTotal        prometheus.Counter
	FECReconstructionFailuresTotal prometheus.Counter
	FECParityShardsSentTotal       prometheus.Counter
	FECObservedLossRate            prometheus.Gauge
	FECRecommendedR                prometheus.Gauge

	// Custody metrics
	CustodyRecordsActive   prometheus.Gauge
	CustodyRetriesTotal    prometheus.Counter
	CustodyReleasedTotal   *prometheus.CounterVec

	// Error metrics, keyed by the error kinds in spec §7
	ErrorsTotal *prometheus.CounterVec

	// Tick loop
	TickDuration prometheus.Histogram
	InboundDroppedTotal prometheus.Counter

	// Storage metrics
	DatabaseOperationsTotal *prometheus.CounterVec
	DiskSpaceUsedBytes      prometheus.Gauge

	// Active bundle counter (atomic for thread-safety)
	activeBundles int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		BundlesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_bundles_total",
				Help: "Total bundles submitted, by terminal state",
			},
			[]string{"status"},
		),

		BundlesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_bundles_active",
				Help: "Bundles currently NEW or IN_FLIGHT",
			},
		),

		BundleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_bundle_duration_seconds",
				Help:    "Time from submission to DELIVERED",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_bytes_transferred_total",
				Help: "Total payload bytes transferred",
			},
			[]string{"direction"},
		),

		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_chunks_sent_total",
				Help: "Total DATA chunks (data or parity) sent",
			},
		),

		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_chunks_received_total",
				Help: "Total DATA chunks accepted by the Receive Engine",
			},
		),

		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_chunks_retransmitted_total",
				Help: "Chunks requiring retransmission",
			},
			[]string{"reason"},
		),

		ChunksDroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_chunks_dropped_total",
				Help: "Inbound DATA dropped at validation",
			},
			[]string{"reason"},
		),

		FECEnabled: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_fec_enabled",
				Help: "FEC currently enabled for the most recent submission (0/1)",
			},
		),

		FECReconstructionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_fec_reconstructions_total",
				Help: "Chunks reconstructed via block-XOR FEC",
			},
		),

		FECReconstructionFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_fec_reconstruction_failures_total",
				Help: "Failed FEC reconstruction attempts (too many shards missing)",
			},
		),

		FECParityShardsSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_fec_parity_shards_sent_total",
				Help: "Parity shards transmitted",
			},
		),

		FECObservedLossRate: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_fec_observed_loss_rate",
				Help: "Adaptive policy's smoothed observed loss rate (%) for the most recently ticked bundle",
			},
		),

		FECRecommendedR: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_fec_recommended_r",
				Help: "Adaptive policy's recommended parity shard count for the most recently ticked bundle",
			},
		),

		CustodyRecordsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_custody_records_active",
				Help: "CustodyRecords currently HELD or FORWARDING",
			},
		),

		CustodyRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_custody_retries_total",
				Help: "Custody forwarding retries fired by the retry timer",
			},
		),

		CustodyReleasedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_custody_released_total",
				Help: "CustodyRecords transitioned to RELEASED, by cause",
			},
			[]string{"reason"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_errors_total",
				Help: "Errors surfaced to callers, by kind (spec §7)",
			},
			[]string{"kind"},
		),

		TickDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_tick_duration_seconds",
				Help:    "Node orchestrator tick latency",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),

		InboundDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_inbound_dropped_total",
				Help: "Inbound datagrams dropped because the bounded queue was full",
			},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_database_operations_total",
				Help: "Persistent store operation count",
			},
			[]string{"operation", "result"},
		),

		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_disk_space_used_bytes",
				Help: "Disk space used by assembled and in-flight files",
			},
		),
	}

	return m
}

// RecordBundleStart increments active bundle counters.
func (m *Metrics) RecordBundleStart() {
	atomic.AddInt64(&m.activeBundles, 1)
	m.BundlesActive.Set(float64(atomic.LoadInt64(&m.activeBundles)))
}

// RecordBundleComplete records a bundle reaching a terminal state.
func (m *Metrics) RecordBundleComplete(status string, durationSeconds float64) {
	atomic.AddInt64(&m.activeBundles, -1)
	m.BundlesActive.Set(float64(atomic.LoadInt64(&m.activeBundles)))

	m.BundlesTotal.WithLabelValues(status).Inc()
	m.BundleDuration.Observe(durationSeconds)
}

// RecordChunkSent updates metrics for a sent chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for a received chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments retransmit counters.
func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

// RecordChunkDropped increments the inbound-drop counter for reason.
func (m *Metrics) RecordChunkDropped(reason string) {
	m.ChunksDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordFECReconstruction updates FEC reconstruction counters.
func (m *Metrics) RecordFECReconstruction(success bool) {
	if success {
		m.FECReconstructionsTotal.Inc()
	} else {
		m.FECReconstructionFailuresTotal.Inc()
	}
}

// SetFECEnabled sets the FEC enabled flag.
func (m *Metrics) SetFECEnabled(enabled bool) {
	if enabled {
		m.FECEnabled.Set(1)
	} else {
		m.FECEnabled.Set(0)
	}
}

// SetFECRecommendation exposes the adaptive policy's current recommendation
// (SPEC_FULL.md §9 adaptive per-block redundancy hinting).
func (m *Metrics) SetFECRecommendation(r int, lossRate float64) {
	m.FECRecommendedR.Set(float64(r))
	m.FECObservedLossRate.Set(lossRate)
}

// RecordCustodyRelease increments the custody-released counter for reason
// ("custody_ack" or "delivered").
func (m *Metrics) RecordCustodyRelease(reason string) {
	m.CustodyReleasedTotal.WithLabelValues(reason).Inc()
}

// RecordError increments the error counter for kind (spec §7 error kinds).
func (m *Metrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
