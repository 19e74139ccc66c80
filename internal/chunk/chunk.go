// Package chunk splits sealed snapshots into fixed-size chunks and joins
// them back. Splitting is deterministic: the same blob always yields the
// same boundaries and hashes, so holders and owners agree on chunk
// identity without coordination.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// DefaultSize is the chunk size balance point: small enough to spread a
// snapshot across many holders, large enough to keep per-chunk protocol
// overhead around 0.2%.
const DefaultSize = 64 * 1024

// ErrIncompleteChunkSet indicates a missing index or a hash mismatch
// during reassembly. Reconstruction is all-or-nothing.
var ErrIncompleteChunkSet = errors.New("chunk: incomplete or corrupt chunk set")

// Chunk is one fixed-size slice of a sealed snapshot.
type Chunk struct {
	Index   int    `json:"index"`
	Data    []byte `json:"data"`
	Hash    string `json:"hash"`    // SHA-256 of Data
	Version uint64 `json:"version"` // snapshot version all sibling chunks share
}

// HashBytes computes the canonical chunk hash.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Split cuts blob into chunks of at most size bytes, tagging each with
// the snapshot version. The final chunk may be shorter. A zero or
// negative size falls back to DefaultSize.
func Split(blob []byte, size int, version uint64) []Chunk {
	if size <= 0 {
		size = DefaultSize
	}

	count := (len(blob) + size - 1) / size
	if count == 0 {
		count = 1 // empty blob still produces one empty chunk
	}

	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * size
		end := start + size
		if end > len(blob) {
			end = len(blob)
		}
		data := make([]byte, end-start)
		copy(data, blob[start:end])
		chunks = append(chunks, Chunk{
			Index:   i,
			Data:    data,
			Hash:    HashBytes(data),
			Version: version,
		})
	}

	return chunks
}

// Join reassembles the original blob from chunks in any order. The
// expected count comes from the owner's distribution record; without it
// a missing trailing chunk would reassemble as silent truncation. Join
// fails with ErrIncompleteChunkSet unless exactly indexes 0..expected-1
// are present, duplicates agree, and every hash recomputes.
func Join(chunks []Chunk, expected int) ([]byte, error) {
	if expected <= 0 {
		return nil, fmt.Errorf("%w: expected chunk count unknown", ErrIncompleteChunkSet)
	}

	byIndex := make(map[int]Chunk, len(chunks))
	for _, c := range chunks {
		if prev, ok := byIndex[c.Index]; ok && prev.Hash != c.Hash {
			return nil, fmt.Errorf("%w: conflicting duplicates at index %d", ErrIncompleteChunkSet, c.Index)
		}
		byIndex[c.Index] = c
	}

	var blob []byte
	for idx := 0; idx < expected; idx++ {
		c, ok := byIndex[idx]
		if !ok {
			return nil, fmt.Errorf("%w: missing index %d of %d", ErrIncompleteChunkSet, idx, expected)
		}
		if HashBytes(c.Data) != c.Hash {
			return nil, fmt.Errorf("%w: hash mismatch at index %d", ErrIncompleteChunkSet, idx)
		}
		blob = append(blob, c.Data...)
	}

	return blob, nil
}
