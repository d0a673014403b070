// Package fec implements the block forward-error-correction scheme used by
// the Send/Receive Engines to recover a single missing data chunk per FEC
// block without a retransmission round trip (spec.md §4.3/§4.4).
//
// Parity shard 0 is the XOR of all k data shards. Parity shards 1..r-1 are
// XORs of distinct subsets of the k data shards, chosen so the r parity
// masks are linearly independent over GF(2) (spec.md §9 Design Notes): mask
// i covers data shard j iff bit i of (j+1) is set, the same
// parity-check-matrix-column trick used by single-bit-error syndromes. This
// is deliberately not a general erasure code — it recovers whatever
// erasure pattern the resulting linear system admits, which for the block
// sizes this protocol uses is always at least "one missing data chunk,
// parities present" (P6).
package fec

import "fmt"

// maskForParity returns the k-length inclusion mask for parity row i.
func maskForParity(i, k int) []bool {
	mask := make([]bool, k)
	if i == 0 {
		for j := range mask {
			mask[j] = true
		}
		return mask
	}
	for j := 0; j < k; j++ {
		if (uint(j+1))&(1<<uint(i)) != 0 {
			mask[j] = true
		}
	}
	return mask
}

func buildMasks(k, r int) [][]bool {
	masks := make([][]bool, r)
	for i := range masks {
		masks[i] = maskForParity(i, k)
	}
	return masks
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

func checkParams(k, r int) error {
	if k < 1 || k > 256 {
		return fmt.Errorf("data shards must be between 1 and 256, got %d", k)
	}
	if r < 1 || r > 256 {
		return fmt.Errorf("parity shards must be between 1 and 256, got %d", r)
	}
	return nil
}

// Encoder generates XOR parity shards for a block of k data shards.
type Encoder struct {
	k, r  int
	masks [][]bool
}

// NewEncoder creates an encoder for a block with k data shards and r parity
// shards.
func NewEncoder(k, r int) (*Encoder, error) {
	if err := checkParams(k, r); err != nil {
		return nil, err
	}
	return &Encoder{k: k, r: r, masks: buildMasks(k, r)}, nil
}

// Encode generates the r parity shards for dataShards, which must all be
// the same length.
func (e *Encoder) Encode(dataShards [][]byte) ([][]byte, error) {
	if len(dataShards) != e.k {
		return nil, fmt.Errorf("expected %d data shards, got %d", e.k, len(dataShards))
	}
	var shardSize int
	if len(dataShards) > 0 {
		shardSize = len(dataShards[0])
		for i, shard := range dataShards {
			if len(shard) != shardSize {
				return nil, fmt.Errorf("shard %d size mismatch: expected %d, got %d", i, shardSize, len(shard))
			}
		}
	}

	parityShards := make([][]byte, e.r)
	for i := range parityShards {
		parityShards[i] = make([]byte, shardSize)
		for j, included := range e.masks[i] {
			if included {
				xorInto(parityShards[i], dataShards[j])
			}
		}
	}
	return parityShards, nil
}

// GetParameters returns the k and r this encoder was built for.
func (e *Encoder) GetParameters() (k, r int) {
	return e.k, e.r
}

// Decoder reconstructs missing shards in a block of k+r shards.
type Decoder struct {
	k, r  int
	masks [][]bool
}

// NewDecoder creates a decoder for a block with k data shards and r parity
// shards.
func NewDecoder(k, r int) (*Decoder, error) {
	if err := checkParams(k, r); err != nil {
		return nil, err
	}
	return &Decoder{k: k, r: r, masks: buildMasks(k, r)}, nil
}

// Reconstruct fills in nil entries of shards (length k+r, data shards
// first) in place, using the surviving shards. It fails if more than r
// shards are missing, or if the particular erasure pattern is not solvable
// from the r parity equations.
func (d *Decoder) Reconstruct(shards [][]byte) error {
	if len(shards) != d.k+d.r {
		return fmt.Errorf("expected %d shards (k=%d + r=%d), got %d", d.k+d.r, d.k, d.r, len(shards))
	}

	var missing []int
	shardLen := 0
	for i, s := range shards {
		if s == nil {
			missing = append(missing, i)
		} else if shardLen == 0 {
			shardLen = len(s)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if len(missing) > d.r {
		return fmt.Errorf("too many missing shards: %d missing, can only recover up to %d", len(missing), d.r)
	}

	m := len(missing)
	missingPos := make(map[int]int, m)
	for p, idx := range missing {
		missingPos[idx] = p
	}

	coeff := make([][]byte, d.r)
	rhs := make([][]byte, d.r)
	for i := 0; i < d.r; i++ {
		coeff[i] = make([]byte, m)
		row := make([]byte, shardLen)
		for j, included := range d.masks[i] {
			if !included {
				continue
			}
			if p, ok := missingPos[j]; ok {
				coeff[i][p] = 1
			} else {
				xorInto(row, shards[j])
			}
		}
		parityIdx := d.k + i
		if p, ok := missingPos[parityIdx]; ok {
			coeff[i][p] = 1
		} else {
			xorInto(row, shards[parityIdx])
		}
		rhs[i] = row
	}

	solved, err := solveGF2(coeff, rhs, m)
	if err != nil {
		return fmt.Errorf("reconstruction failed: %w", err)
	}
	for p, idx := range missing {
		shards[idx] = solved[p]
	}
	return nil
}

// GetParameters returns the k and r this decoder was built for.
func (d *Decoder) GetParameters() (k, r int) {
	return d.k, d.r
}

// solveGF2 Gauss-Jordan eliminates the r×m binary coefficient matrix
// (coeff, rhs mutated in place) and returns the m solved right-hand sides,
// one per column, or an error if the system's rank is less than m.
func solveGF2(coeff [][]byte, rhs [][]byte, m int) ([][]byte, error) {
	rows := len(coeff)
	pivotRow := 0
	solvedCol := make([]int, 0, m)
	for col := 0; col < m && pivotRow < rows; col++ {
		sel := -1
		for r := pivotRow; r < rows; r++ {
			if coeff[r][col] == 1 {
				sel = r
				break
			}
		}
		if sel == -1 {
			continue
		}
		coeff[pivotRow], coeff[sel] = coeff[sel], coeff[pivotRow]
		rhs[pivotRow], rhs[sel] = rhs[sel], rhs[pivotRow]
		for r := 0; r < rows; r++ {
			if r == pivotRow || coeff[r][col] != 1 {
				continue
			}
			for c := 0; c < m; c++ {
				coeff[r][c] ^= coeff[pivotRow][c]
			}
			xorInto(rhs[r], rhs[pivotRow])
		}
		solvedCol = append(solvedCol, col)
		pivotRow++
	}
	if pivotRow < m {
		return nil, fmt.Errorf("erasure pattern is not recoverable with %d parity equations", len(coeff))
	}

	result := make([][]byte, m)
	for p, col := range solvedCol {
		result[col] = rhs[p]
	}
	return result, nil
}
