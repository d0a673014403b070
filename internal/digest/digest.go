// Package digest computes the whole-bundle BLAKE3 digest the destination
// exposes once a bundle reaches BundleDelivered (spec.md §3, §4.4 I5).
package digest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// FileHex streams path through BLAKE3 and returns the hex-encoded digest.
func FileHex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("digest: open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest: read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
