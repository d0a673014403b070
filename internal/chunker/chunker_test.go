package chunker

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/quantarax/courier/internal/model"
)

func TestSplit_SmallFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "small.bin")

	testData := []byte("Hello, Courier!")
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	bundleID := model.NewBundleID()
	chunks, length, err := Split(testFile, bundleID, 1150)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if length != int64(len(testData)) {
		t.Errorf("expected length %d, got %d", len(testData), length)
	}
	if !bytes.Equal(chunks[0].Payload, testData) {
		t.Errorf("payload mismatch")
	}
}

func TestSplit_MultipleChunks(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "multi.bin")

	chunkSize := 512
	testData := make([]byte, chunkSize*2+chunkSize/2)
	for i := range testData {
		testData[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	chunks, length, err := Split(testFile, model.NewBundleID(), chunkSize)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if length != int64(len(testData)) {
		t.Errorf("expected length %d, got %d", len(testData), length)
	}
	if len(chunks[0].Payload) != chunkSize || len(chunks[1].Payload) != chunkSize {
		t.Errorf("expected first two chunks full size %d", chunkSize)
	}
	if len(chunks[2].Payload) != chunkSize/2 {
		t.Errorf("expected final chunk length %d, got %d", chunkSize/2, len(chunks[2].Payload))
	}
	for i, c := range chunks {
		if c.ChunkID != uint32(i) {
			t.Errorf("chunk %d has id %d", i, c.ChunkID)
		}
	}
}

func TestSplit_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "empty.bin")
	if err := os.WriteFile(testFile, []byte{}, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	chunks, length, err := Split(testFile, model.NewBundleID(), 1150)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if length != 0 {
		t.Errorf("expected length 0, got %d", length)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 (empty) chunk, got %d", len(chunks))
	}
}

func TestSplit_FileNotFound(t *testing.T) {
	if _, _, err := Split("/nonexistent/file.bin", model.NewBundleID(), 1150); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestAssemblerRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	destFile := filepath.Join(tmpDir, "assembled.bin")

	a, err := NewAssembler(destFile)
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}

	chunkSize := 4
	payloads := [][]byte{[]byte("abcd"), []byte("efgh"), []byte("ij")}
	// Write out of order to prove WriteAt is position-independent.
	if err := a.WriteAt(1, chunkSize, payloads[1]); err != nil {
		t.Fatalf("WriteAt(1): %v", err)
	}
	if err := a.WriteAt(0, chunkSize, payloads[0]); err != nil {
		t.Fatalf("WriteAt(0): %v", err)
	}
	if err := a.WriteAt(2, chunkSize, payloads[2]); err != nil {
		t.Fatalf("WriteAt(2): %v", err)
	}

	want := []byte("abcdefghij")
	if err := a.Finish(int64(len(want))); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := os.ReadFile(destFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("assembled file = %q, want %q", got, want)
	}
}
