package registry

import (
	"encoding/json"
	"fmt"
)

// VectorClock tracks causality between directory updates. Each node
// increments its own counter when it writes an entry; merging takes the
// per-node maximum.
type VectorClock map[string]uint64

// NewVectorClock creates a new empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment increments the counter for the given nodeID.
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID]++
}

// Get returns the counter value for a given nodeID, or 0 if not present.
func (vc VectorClock) Get(nodeID string) uint64 {
	return vc[nodeID]
}

// Merge merges another clock into this one by taking the maximum value
// for each nodeID.
func (vc VectorClock) Merge(other VectorClock) {
	for nodeID, count := range other {
		if count > vc[nodeID] {
			vc[nodeID] = count
		}
	}
}

// Copy creates a deep copy of this vector clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for nodeID, count := range vc {
		out[nodeID] = count
	}
	return out
}

// HappenedBefore returns true if this clock happened before the other:
// all counters less than or equal, at least one strictly less.
func (vc VectorClock) HappenedBefore(other VectorClock) bool {
	atLeastOneStrictlyLess := false

	for nodeID, count := range vc {
		otherCount := other.Get(nodeID)
		if count > otherCount {
			return false
		}
		if count < otherCount {
			atLeastOneStrictlyLess = true
		}
	}

	for nodeID := range other {
		if _, exists := vc[nodeID]; !exists {
			atLeastOneStrictlyLess = true
		}
	}

	return atLeastOneStrictlyLess
}

// HappenedAfter returns true if this clock happened after the other.
func (vc VectorClock) HappenedAfter(other VectorClock) bool {
	return other.HappenedBefore(vc)
}

// Equal returns true if this clock is identical to the other.
func (vc VectorClock) Equal(other VectorClock) bool {
	if len(vc) != len(other) {
		return false
	}
	for nodeID, count := range vc {
		if other.Get(nodeID) != count {
			return false
		}
	}
	return true
}

// String returns a canonical JSON representation (sorted keys).
func (vc VectorClock) String() string {
	data, _ := json.Marshal(vc)
	return string(data)
}

// ClockRelationship is the causal relationship between two clocks.
type ClockRelationship int

const (
	// ClockEqual indicates the clocks are identical
	ClockEqual ClockRelationship = iota
	// ClockBefore indicates the first clock happened before the second
	ClockBefore
	// ClockAfter indicates the first clock happened after the second
	ClockAfter
	// ClockConcurrent indicates the clocks are concurrent (conflict)
	ClockConcurrent
)

// String returns a human-readable representation of the relationship.
func (r ClockRelationship) String() string {
	switch r {
	case ClockEqual:
		return "equal"
	case ClockBefore:
		return "before"
	case ClockAfter:
		return "after"
	case ClockConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Compare returns the relationship between this clock and another.
func (vc VectorClock) Compare(other VectorClock) ClockRelationship {
	if vc.Equal(other) {
		return ClockEqual
	}
	if vc.HappenedBefore(other) {
		return ClockBefore
	}
	if vc.HappenedAfter(other) {
		return ClockAfter
	}
	return ClockConcurrent
}

// UnmarshalJSON implements json.Unmarshaler.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("unmarshal vector clock: %w", err)
	}
	*vc = VectorClock(m)
	return nil
}
