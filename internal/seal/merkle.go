package seal

import (
	"crypto/sha256"
	"encoding/hex"
)

// merkleLeafSize matches the distribution chunk size so the content root
// commits to the same boundaries the chunker produces.
const merkleLeafSize = 64 * 1024

// MerkleRoot computes the merkle root of the raw content over fixed-size
// leaves. An empty input hashes to the digest of the empty string.
func MerkleRoot(data []byte) string {
	if len(data) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}

	var level [][32]byte
	for off := 0; off < len(data); off += merkleLeafSize {
		end := off + merkleLeafSize
		if end > len(data) {
			end = len(data)
		}
		level = append(level, sha256.Sum256(data[off:end]))
	}

	for len(level) > 1 {
		var next [][32]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// Odd leaf is promoted unchanged
				next = append(next, level[i])
				continue
			}
			joined := make([]byte, 0, 64)
			joined = append(joined, level[i][:]...)
			joined = append(joined, level[i+1][:]...)
			next = append(next, sha256.Sum256(joined))
		}
		level = next
	}

	return hex.EncodeToString(level[0][:])
}
