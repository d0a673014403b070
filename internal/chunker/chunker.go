// Package chunker splits a source file into the fixed-size data chunks
// the Send Engine transmits (spec.md §4.3 "Initialization") and
// reassembles a destination file from received chunks (spec.md §4.4
// "Assembly").
package chunker

import (
	"fmt"
	"io"
	"os"

	"github.com/quantarax/courier/internal/model"
	"github.com/quantarax/courier/internal/wire"
)

// Split reads path and splits it into chunks of exactly chunkSize bytes,
// save for the final chunk which may be shorter. Each chunk is tagged
// with the CRC-32 of its payload and its bundle/chunk id; BlockID/K/R are
// left zero — the caller assigns FEC grouping via the fec package.
func Split(filePath string, bundleID model.BundleID, chunkSize int) ([]model.Chunk, int64, error) {
	if chunkSize <= 0 || chunkSize > model.MaxPayloadSize {
		return nil, 0, fmt.Errorf("chunker: chunk size must be in (0, %d], got %d", model.MaxPayloadSize, chunkSize)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}
	fileSize := fileInfo.Size()

	if fileSize == 0 {
		return []model.Chunk{{
			BundleID: bundleID,
			ChunkID:  0,
			Checksum: wire.ChecksumPayload(nil),
			Payload:  nil,
		}}, 0, nil
	}

	c, err := NewChunker(file, chunkSize)
	if err != nil {
		return nil, 0, err
	}

	var chunks []model.Chunk
	var chunkID uint32
	for {
		data, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read chunk %d: %w", chunkID, err)
		}
		payload := append([]byte(nil), data...)
		chunks = append(chunks, model.Chunk{
			BundleID: bundleID,
			ChunkID:  chunkID,
			Checksum: wire.ChecksumPayload(payload),
			Payload:  payload,
		})
		chunkID++
	}

	return chunks, fileSize, nil
}

// Chunker provides streaming chunking of data from an io.Reader.
type Chunker struct {
	reader    io.Reader
	chunkSize int
	buffer    []byte
}

// NewChunker creates a new streaming chunker.
func NewChunker(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	return &Chunker{
		reader:    r,
		chunkSize: chunkSize,
		buffer:    make([]byte, chunkSize),
	}, nil
}

// Next returns the next chunk of data.
func (c *Chunker) Next() ([]byte, error) {
	n, err := io.ReadFull(c.reader, c.buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return c.buffer[:n], nil
}

// Assembler writes chunks to a destination path in order, truncating the
// result to exactly length bytes once complete (spec.md I5).
type Assembler struct {
	file *os.File
}

// NewAssembler creates the destination file for a bundle assembly.
func NewAssembler(destPath string) (*Assembler, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	return &Assembler{file: f}, nil
}

// WriteAt writes a chunk's payload at its chunk-aligned offset.
func (a *Assembler) WriteAt(chunkID uint32, chunkSize int, payload []byte) error {
	offset := int64(chunkID) * int64(chunkSize)
	if _, err := a.file.WriteAt(payload, offset); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", chunkID, err)
	}
	return nil
}

// Finish truncates the assembled file to length and closes it.
func (a *Assembler) Finish(length int64) error {
	defer a.file.Close()
	if err := a.file.Truncate(length); err != nil {
		return fmt.Errorf("failed to truncate assembled file: %w", err)
	}
	return nil
}

// Close releases the destination file without finalizing it (used on
// abort/error paths).
func (a *Assembler) Close() error {
	return a.file.Close()
}
