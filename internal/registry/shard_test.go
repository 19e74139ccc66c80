package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardCountFor(t *testing.T) {
	tests := []struct {
		participants int
		want         int
	}{
		{0, 1},
		{4999, 1},
		{5000, 2},
		{7999, 2},
		{8000, 4},
		{13000, 8},
		{21000, 16},
		{34000, 32},
		{55000, 64},
		{100000, 64},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d participants", tt.participants), func(t *testing.T) {
			assert.Equal(t, tt.want, ShardCountFor(tt.participants))
		})
	}
}

func TestShardForStable(t *testing.T) {
	for _, count := range []int{1, 2, 4, 8} {
		s1 := ShardFor("node-42", count)
		s2 := ShardFor("node-42", count)
		assert.Equal(t, s1, s2)
		assert.GreaterOrEqual(t, s1, 0)
		assert.Less(t, s1, count)
	}
}

func TestShardForSpreads(t *testing.T) {
	const shards = 4
	seen := make(map[int]int)
	for i := 0; i < 1000; i++ {
		seen[ShardFor(fmt.Sprintf("node-%d", i), shards)]++
	}

	// Hash-based placement should land entries in every shard.
	assert.Len(t, seen, shards)
	for shard, n := range seen {
		assert.Greater(t, n, 100, "shard %d underpopulated", shard)
	}
}
