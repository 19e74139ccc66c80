package registry

import (
	"crypto/sha256"
	"encoding/binary"
)

// shardSplitThresholds is the Fibonacci-like participant-count sequence
// at which the directory splits 1→2→4→… Doubling at widening intervals
// keeps migrations rare as the network grows.
var shardSplitThresholds = []int{5000, 8000, 13000, 21000, 34000, 55000}

// ShardCountFor returns how many shards a directory of the given size
// should have.
func ShardCountFor(participantCount int) int {
	count := 1
	for _, threshold := range shardSplitThresholds {
		if participantCount >= threshold {
			count *= 2
		}
	}
	return count
}

// ShardFor maps a participant ID onto a shard index for the given layout.
// The mapping hashes the ID so shards stay balanced regardless of how IDs
// are generated.
func ShardFor(id string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	sum := sha256.Sum256([]byte(id))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(shardCount))
}
