package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithBundle adds bundle_id context to logger.
func (l *Logger) WithBundle(bundleID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("bundle_id", bundleID).Logger(),
	}
}

// WithNode adds node_id context to logger.
func (l *Logger) WithNode(nodeID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("node_id", nodeID).Logger(),
	}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(filePath string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_path", filePath).
			Int64("file_size", fileSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// BundleSubmitted logs a new bundle entering the Send Engine.
func (l *Logger) BundleSubmitted(bundleID, filePath string, fileSize int64, totalChunks int) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Str("file_path", filePath).
		Int64("file_size", fileSize).
		Int("total_chunks", totalChunks).
		Msg("bundle submitted")
}

// ChunkSent logs a chunk (or parity shard) transmission.
func (l *Logger) ChunkSent(bundleID string, chunkID uint32, chunkSize int, isParity bool, isRetransmit bool) {
	l.logger.Debug().
		Str("bundle_id", bundleID).
		Uint32("chunk_id", chunkID).
		Int("chunk_size", chunkSize).
		Bool("is_parity", isParity).
		Bool("retransmit", isRetransmit).
		Msg("chunk sent")
}

// BundleProgress logs send/receive progress for a bundle.
func (l *Logger) BundleProgress(bundleID string, chunksDone, totalChunks int, elapsed time.Duration) {
	progress := float64(chunksDone) / float64(totalChunks) * 100.0

	l.logger.Info().
		Str("bundle_id", bundleID).
		Int("chunks_done", chunksDone).
		Int("total_chunks", totalChunks).
		Float64("progress_percent", progress).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("bundle progress")
}

// BundleDelivered logs successful assembly at the destination.
func (l *Logger) BundleDelivered(bundleID string, fileSize int64, totalChunks int, duration time.Duration, chunksRetransmitted int64) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Int64("file_size", fileSize).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Int64("chunks_retransmitted", chunksRetransmitted).
		Msg("bundle delivered")
}

// BundleDigest logs the BLAKE3 digest computed over an assembled bundle
// (spec.md §3).
func (l *Logger) BundleDigest(bundleID, digest string) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Str("digest", "blake3:"+digest).
		Msg("bundle digest computed")
}

// ChunkDropped logs a datagram rejected at validation (bad checksum,
// out-of-range id, or unsupported version).
func (l *Logger) ChunkDropped(bundleID string, chunkID uint32, reason string) {
	l.logger.Warn().
		Str("bundle_id", bundleID).
		Uint32("chunk_id", chunkID).
		Str("reason", reason).
		Msg("chunk dropped")
}

// CustodyAccepted logs acceptance of a CUSTODY_REQ.
func (l *Logger) CustodyAccepted(bundleID, ownerNode string, rangeCount int) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Str("owner_node", ownerNode).
		Int("range_count", rangeCount).
		Msg("custody accepted")
}

// CustodyReleased logs a custody record transitioning to RELEASED.
func (l *Logger) CustodyReleased(bundleID, ownerNode string, reason string) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Str("owner_node", ownerNode).
		Str("reason", reason).
		Msg("custody released")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
